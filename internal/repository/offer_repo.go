package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// OfferRepository - интерфейс для работы с предложениями.
type OfferRepository interface {
	// CreateSealedOffers сохраняет ключи и предложения одной транзакцией,
	// по одной многострочной вставке на таблицу. Тендеры блокируются на чтение
	// и перепроверяются на момент now.
	CreateSealedOffers(ctx context.Context, keys []models.EncryptionKey, offers []models.Offer, now time.Time) error
	GetOffer(ctx context.Context, offerID string) (*models.Offer, error)
	ListTenderOffers(ctx context.Context, tenderID string) ([]models.Offer, error)
	ListSupplierOffers(ctx context.Context, supplierID string) ([]models.Offer, error)
	HasActiveOffer(ctx context.Context, tenderID, supplierID string) (bool, error)
	WithdrawOffer(ctx context.Context, offerID string) (*models.Offer, error)
	SaveTechnicalScore(ctx context.Context, offerID string, score float64, notes, evaluatorID string, at time.Time) error
	SaveFinancialScore(ctx context.Context, offerID string, score float64, evaluatorID string, at time.Time) error
	SaveFinancialScores(ctx context.Context, scores []models.FinancialScore, evaluatorID string, at time.Time) error
	SaveRanking(ctx context.Context, tenderID string, ranked []models.RankedOffer) error
}

// PostgresOfferRepository - реализация OfferRepository для базы данных.
type PostgresOfferRepository struct {
	base
}

// NewPostgresOfferRepository создает новый экземпляр PostgresOfferRepository.
func NewPostgresOfferRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresOfferRepository {
	return &PostgresOfferRepository{base: newBase(db, timeout)}
}

// В таблице нет открытых коммерческих полей: только шифротекст и ссылка на ключ.
const offerColumns = `id, tender_id, supplier_id, delivery_days, attachments, status, submitted_at,
	sealed_iv, sealed_ciphertext, sealed_auth_tag, key_id,
	award_status, is_winner, evaluation_notes, technical_score, financial_score, final_score, rank,
	evaluated_by, evaluated_at`

func scanOffer(row pgx.Row) (*models.Offer, error) {
	var (
		o           models.Offer
		notes       *string
		evaluatedBy *string
	)
	err := row.Scan(
		&o.ID,
		&o.TenderID,
		&o.SupplierID,
		&o.DeliveryDays,
		&o.Attachments,
		&o.Status,
		&o.SubmittedAt,
		&o.Sealed.IV,
		&o.Sealed.Ciphertext,
		&o.Sealed.AuthTag,
		&o.Sealed.KeyID,
		&o.AwardStatus,
		&o.IsWinner,
		&notes,
		&o.TechnicalScore,
		&o.FinancialScore,
		&o.FinalScore,
		&o.Rank,
		&evaluatedBy,
		&o.EvaluatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if notes != nil {
		o.EvaluationNotes = *notes
	}
	if evaluatedBy != nil {
		o.EvaluatedBy = *evaluatedBy
	}
	return &o, nil
}

func collectOffers(rows pgx.Rows) ([]models.Offer, error) {
	defer rows.Close()
	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func listTenderOffers(ctx context.Context, q querier, tenderID string) ([]models.Offer, error) {
	rows, err := q.Query(ctx, `SELECT `+offerColumns+` FROM offer WHERE tender_id = $1 ORDER BY submitted_at, id`, tenderID)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

// CreateSealedOffers сохраняет ключи и запечатанные предложения.
func (r *PostgresOfferRepository) CreateSealedOffers(ctx context.Context, keys []models.EncryptionKey, offers []models.Offer, now time.Time) error {
	if len(offers) == 0 {
		return nil
	}
	return r.runInTx(ctx, "create offers", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockTendersForOffers(ctx, tx, offers, now); err != nil {
			return err
		}
		if err := insertKeys(ctx, tx, keys); err != nil {
			return err
		}

		const cols = 12
		placeholders := make([]string, 0, len(offers))
		args := make([]any, 0, len(offers)*cols)
		for i, o := range offers {
			p := make([]string, cols)
			for j := range p {
				p[j] = fmt.Sprintf("$%d", i*cols+j+1)
			}
			placeholders = append(placeholders, "("+strings.Join(p, ", ")+")")
			args = append(args,
				o.ID,
				o.TenderID,
				o.SupplierID,
				o.DeliveryDays,
				o.Attachments,
				o.Status,
				o.SubmittedAt,
				o.Sealed.IV,
				o.Sealed.Ciphertext,
				o.Sealed.AuthTag,
				o.Sealed.KeyID,
				o.AwardStatus)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO offer (id, tender_id, supplier_id, delivery_days, attachments, status, submitted_at,
			                   sealed_iv, sealed_ciphertext, sealed_auth_tag, key_id, award_status)
			VALUES `+strings.Join(placeholders, ", "), args...)
		return err
	})
}

// lockTendersForOffers берёт FOR SHARE на тендеры вставляемых предложений.
// Изменение сроков держит FOR UPDATE, поэтому подача и перенос вскрытия
// не пересекаются: кто второй, тот видит результат первого.
func lockTendersForOffers(ctx context.Context, tx pgx.Tx, offers []models.Offer, now time.Time) error {
	ids := make([]string, 0, len(offers))
	seen := make(map[string]bool, len(offers))
	for _, o := range offers {
		if !seen[o.TenderID] {
			seen[o.TenderID] = true
			ids = append(ids, o.TenderID)
		}
	}

	rows, err := tx.Query(ctx, `SELECT `+tenderColumns+` FROM tender WHERE id = ANY($1::text[]) ORDER BY id FOR SHARE`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return err
		}
		found++
		if err := t.AcceptsOffersAt(now); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found != len(ids) {
		return ErrNotFound
	}
	return nil
}

// GetOffer возвращает предложение по ID.
func (r *PostgresOfferRepository) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	o, err := scanOffer(r.DB.QueryRow(ctx, `SELECT `+offerColumns+` FROM offer WHERE id = $1`, offerID))
	return o, wrapDBError("get offer", err)
}

// ListTenderOffers возвращает все предложения по тендеру.
func (r *PostgresOfferRepository) ListTenderOffers(ctx context.Context, tenderID string) ([]models.Offer, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	offers, err := listTenderOffers(ctx, r.DB, tenderID)
	return offers, wrapDBError("list tender offers", err)
}

// ListSupplierOffers возвращает предложения поставщика.
func (r *PostgresOfferRepository) ListSupplierOffers(ctx context.Context, supplierID string) ([]models.Offer, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.DB.Query(ctx, `SELECT `+offerColumns+` FROM offer WHERE supplier_id = $1 ORDER BY submitted_at DESC`, supplierID)
	if err != nil {
		return nil, wrapDBError("list supplier offers", err)
	}
	offers, err := collectOffers(rows)
	return offers, wrapDBError("list supplier offers", err)
}

// HasActiveOffer проверяет, есть ли у поставщика поданное предложение по тендеру.
func (r *PostgresOfferRepository) HasActiveOffer(ctx context.Context, tenderID, supplierID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := r.DB.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM offer WHERE tender_id = $1 AND supplier_id = $2 AND status = $3)`,
		tenderID, supplierID, models.SubmittedOffer).Scan(&exists)
	return exists, wrapDBError("check active offer", err)
}

// WithdrawOffer отзывает предложение.
func (r *PostgresOfferRepository) WithdrawOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	o, err := scanOffer(r.DB.QueryRow(ctx, `
		UPDATE offer SET status = $1 WHERE id = $2 AND status = $3
		RETURNING `+offerColumns, models.WithdrawnOffer, offerID, models.SubmittedOffer))
	return o, wrapDBError("withdraw offer", err)
}

// SaveTechnicalScore сохраняет техническую оценку.
func (r *PostgresOfferRepository) SaveTechnicalScore(ctx context.Context, offerID string, score float64, notes, evaluatorID string, at time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.DB.Exec(ctx, `
		UPDATE offer SET technical_score = $1, evaluation_notes = $2, evaluated_by = $3, evaluated_at = $4
		WHERE id = $5`, score, notes, evaluatorID, at, offerID)
	if err == nil && tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return wrapDBError("save technical score", err)
}

// SaveFinancialScore сохраняет финансовую оценку.
func (r *PostgresOfferRepository) SaveFinancialScore(ctx context.Context, offerID string, score float64, evaluatorID string, at time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.DB.Exec(ctx, `
		UPDATE offer SET financial_score = $1, evaluated_by = $2, evaluated_at = $3
		WHERE id = $4`, score, evaluatorID, at, offerID)
	if err == nil && tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return wrapDBError("save financial score", err)
}

// SaveFinancialScores сохраняет расчётные финансовые оценки одной транзакцией.
func (r *PostgresOfferRepository) SaveFinancialScores(ctx context.Context, scores []models.FinancialScore, evaluatorID string, at time.Time) error {
	if len(scores) == 0 {
		return nil
	}
	return r.runInTx(ctx, "save financial scores", func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, fs := range scores {
			batch.Queue(`UPDATE offer SET financial_score = $1, evaluated_by = $2, evaluated_at = $3 WHERE id = $4`,
				fs.Score, evaluatorID, at, fs.OfferID)
		}
		results := tx.SendBatch(ctx, batch)
		for _, fs := range scores {
			tag, err := results.Exec()
			if err == nil && tag.RowsAffected() == 0 {
				err = fmt.Errorf("offer %s: %w", fs.OfferID, ErrNotFound)
			}
			if err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
}

// SaveRanking сохраняет итоговые баллы и места. Предложения вне рейтинга сбрасываются.
func (r *PostgresOfferRepository) SaveRanking(ctx context.Context, tenderID string, ranked []models.RankedOffer) error {
	return r.runInTx(ctx, "save ranking", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE offer SET final_score = NULL, rank = NULL WHERE tender_id = $1`, tenderID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, ro := range ranked {
			batch.Queue(`UPDATE offer SET final_score = $1, rank = $2 WHERE id = $3 AND tender_id = $4`,
				ro.FinalScore, ro.Rank, ro.OfferID, tenderID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
