package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// AwardTx - операции, доступные внутри транзакции распределения.
type AwardTx interface {
	// LockTender блокирует строку тендера: exclusive - FOR UPDATE, иначе FOR SHARE.
	LockTender(ctx context.Context, tenderID string, exclusive bool) (*models.Tender, error)
	CountLineItems(ctx context.Context, tenderID string) (int, error)
	InsertLineItems(ctx context.Context, items []models.LineItemAward) error
	LockLineItem(ctx context.Context, tenderID, lineItemID string) (*models.LineItemAward, error)
	LockLineItems(ctx context.Context, tenderID string) ([]models.LineItemAward, error)
	ListLineItems(ctx context.Context, tenderID string) ([]models.LineItemAward, error)
	SaveLineItem(ctx context.Context, item models.LineItemAward) error
	SetLineItemsStatus(ctx context.Context, tenderID string, status models.LineItemStatus) error
	ListOffersByIDs(ctx context.Context, tenderID string, offerIDs []string) ([]models.Offer, error)
	ListTenderOffers(ctx context.Context, tenderID string) ([]models.Offer, error)
	InsertCommitments(ctx context.Context, commitments []models.PurchaseCommitment) error
	SetOfferAwards(ctx context.Context, tenderID string, winnerIDs []string) error
	SetTenderStatus(ctx context.Context, tenderID string, status models.TenderStatus) error
}

// AwardRepository - интерфейс для работы с распределением и заказами.
type AwardRepository interface {
	// WithinTx выполняет fn атомарно: при ошибке не сохраняется ничего.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx AwardTx) error) error
	ListLineItems(ctx context.Context, tenderID string) ([]models.LineItemAward, error)
	ListTenderCommitments(ctx context.Context, tenderID string) ([]models.PurchaseCommitment, error)
	ListSupplierCommitments(ctx context.Context, supplierID string) ([]models.PurchaseCommitment, error)
}

// PostgresAwardRepository - реализация AwardRepository для базы данных.
type PostgresAwardRepository struct {
	base
}

// NewPostgresAwardRepository создает новый экземпляр PostgresAwardRepository.
func NewPostgresAwardRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresAwardRepository {
	return &PostgresAwardRepository{base: newBase(db, timeout)}
}

// WithinTx открывает транзакцию распределения.
func (r *PostgresAwardRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx AwardTx) error) error {
	return r.runInTx(ctx, "award", func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgAwardTx{tx: tx})
	})
}

const lineItemColumns = `tender_id, line_item_id, description, total_quantity, awarded_offers, status, version, updated_at`

func scanLineItem(row pgx.Row) (*models.LineItemAward, error) {
	var (
		li  models.LineItemAward
		raw []byte
	)
	err := row.Scan(&li.TenderID, &li.LineItemID, &li.Description, &li.TotalQuantity, &raw, &li.Status, &li.Version, &li.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &li.AwardedOffers); err != nil {
			return nil, err
		}
	}
	if li.AwardedOffers == nil {
		li.AwardedOffers = []models.Allocation{}
	}
	return &li, nil
}

func collectLineItems(rows pgx.Rows) ([]models.LineItemAward, error) {
	defer rows.Close()
	var items []models.LineItemAward
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *li)
	}
	return items, rows.Err()
}

const commitmentColumns = `id, order_number, tender_id, supplier_id, buyer_id, items, total_amount, status, created_at`

func collectCommitments(rows pgx.Rows) ([]models.PurchaseCommitment, error) {
	defer rows.Close()
	var out []models.PurchaseCommitment
	for rows.Next() {
		var (
			c   models.PurchaseCommitment
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.OrderNumber, &c.TenderID, &c.SupplierID, &c.BuyerID, &raw, &c.TotalAmount, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &c.Items); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListLineItems возвращает позиции тендера без блокировки.
func (r *PostgresAwardRepository) ListLineItems(ctx context.Context, tenderID string) ([]models.LineItemAward, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.DB.Query(ctx, `SELECT `+lineItemColumns+` FROM line_item_award WHERE tender_id = $1 ORDER BY line_item_id`, tenderID)
	if err != nil {
		return nil, wrapDBError("list line items", err)
	}
	items, err := collectLineItems(rows)
	return items, wrapDBError("list line items", err)
}

// ListTenderCommitments возвращает заказы по тендеру.
func (r *PostgresAwardRepository) ListTenderCommitments(ctx context.Context, tenderID string) ([]models.PurchaseCommitment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.DB.Query(ctx, `SELECT `+commitmentColumns+` FROM purchase_commitment WHERE tender_id = $1 ORDER BY order_number`, tenderID)
	if err != nil {
		return nil, wrapDBError("list commitments", err)
	}
	out, err := collectCommitments(rows)
	return out, wrapDBError("list commitments", err)
}

// ListSupplierCommitments возвращает заказы поставщика.
func (r *PostgresAwardRepository) ListSupplierCommitments(ctx context.Context, supplierID string) ([]models.PurchaseCommitment, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.DB.Query(ctx, `SELECT `+commitmentColumns+` FROM purchase_commitment WHERE supplier_id = $1 ORDER BY created_at DESC`, supplierID)
	if err != nil {
		return nil, wrapDBError("list supplier commitments", err)
	}
	out, err := collectCommitments(rows)
	return out, wrapDBError("list supplier commitments", err)
}

// pgAwardTx реализует AwardTx поверх pgx.Tx.
type pgAwardTx struct {
	tx pgx.Tx
}

func (t *pgAwardTx) LockTender(ctx context.Context, tenderID string, exclusive bool) (*models.Tender, error) {
	if exclusive {
		return getTender(ctx, t.tx, tenderID, true)
	}
	return scanTender(t.tx.QueryRow(ctx, `SELECT `+tenderColumns+` FROM tender WHERE id = $1 FOR SHARE`, tenderID))
}

func (t *pgAwardTx) CountLineItems(ctx context.Context, tenderID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM line_item_award WHERE tender_id = $1`, tenderID).Scan(&n)
	return n, err
}

func (t *pgAwardTx) InsertLineItems(ctx context.Context, items []models.LineItemAward) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(items))
	for _, li := range items {
		raw, err := json.Marshal(li.AwardedOffers)
		if err != nil {
			return err
		}
		rows = append(rows, []any{li.TenderID, li.LineItemID, li.Description, li.TotalQuantity, string(raw), li.Status, li.Version, li.UpdatedAt})
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"line_item_award"},
		[]string{"tender_id", "line_item_id", "description", "total_quantity", "awarded_offers", "status", "version", "updated_at"},
		pgx.CopyFromRows(rows))
	return err
}

// LockLineItem блокирует строку позиции на время чтения-изменения-записи awarded_offers.
func (t *pgAwardTx) LockLineItem(ctx context.Context, tenderID, lineItemID string) (*models.LineItemAward, error) {
	return scanLineItem(t.tx.QueryRow(ctx, `
		SELECT `+lineItemColumns+` FROM line_item_award
		WHERE tender_id = $1 AND line_item_id = $2
		FOR UPDATE`, tenderID, lineItemID))
}

func (t *pgAwardTx) LockLineItems(ctx context.Context, tenderID string) ([]models.LineItemAward, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+lineItemColumns+` FROM line_item_award
		WHERE tender_id = $1
		ORDER BY line_item_id
		FOR UPDATE`, tenderID)
	if err != nil {
		return nil, err
	}
	return collectLineItems(rows)
}

func (t *pgAwardTx) ListLineItems(ctx context.Context, tenderID string) ([]models.LineItemAward, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+lineItemColumns+` FROM line_item_award WHERE tender_id = $1 ORDER BY line_item_id`, tenderID)
	if err != nil {
		return nil, err
	}
	return collectLineItems(rows)
}

func (t *pgAwardTx) SaveLineItem(ctx context.Context, item models.LineItemAward) error {
	raw, err := json.Marshal(item.AwardedOffers)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE line_item_award
		SET awarded_offers = $1::jsonb, status = $2, version = version + 1, updated_at = $3
		WHERE tender_id = $4 AND line_item_id = $5 AND version = $6`,
		string(raw), item.Status, item.UpdatedAt, item.TenderID, item.LineItemID, item.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NewVersionConflictError("line item "+item.LineItemID, item.Version, -1)
	}
	return nil
}

func (t *pgAwardTx) SetLineItemsStatus(ctx context.Context, tenderID string, status models.LineItemStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE line_item_award SET status = $1, version = version + 1, updated_at = now()
		WHERE tender_id = $2`, status, tenderID)
	return err
}

func (t *pgAwardTx) ListOffersByIDs(ctx context.Context, tenderID string, offerIDs []string) ([]models.Offer, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+offerColumns+` FROM offer
		WHERE tender_id = $1 AND id = ANY($2::text[])`, tenderID, pq.Array(offerIDs))
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (t *pgAwardTx) ListTenderOffers(ctx context.Context, tenderID string) ([]models.Offer, error) {
	return listTenderOffers(ctx, t.tx, tenderID)
}

func (t *pgAwardTx) InsertCommitments(ctx context.Context, commitments []models.PurchaseCommitment) error {
	batch := &pgx.Batch{}
	for _, c := range commitments {
		raw, err := json.Marshal(c.Items)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO purchase_commitment (`+commitmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)`,
			c.ID, c.OrderNumber, c.TenderID, c.SupplierID, c.BuyerID, string(raw), c.TotalAmount, c.Status, c.CreatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

// SetOfferAwards помечает победителей, остальные поданные предложения отклоняются.
func (t *pgAwardTx) SetOfferAwards(ctx context.Context, tenderID string, winnerIDs []string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE offer
		SET is_winner = (id = ANY($2::text[])),
		    award_status = CASE WHEN id = ANY($2::text[]) THEN $3 ELSE $4 END
		WHERE tender_id = $1 AND status = $5`,
		tenderID, pq.Array(winnerIDs), models.AwardAwarded, models.AwardRejected, models.SubmittedOffer)
	return err
}

func (t *pgAwardTx) SetTenderStatus(ctx context.Context, tenderID string, status models.TenderStatus) error {
	return setTenderStatus(ctx, t.tx, tenderID, status)
}
