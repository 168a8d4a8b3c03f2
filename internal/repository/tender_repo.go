package repository

import (
	"context"
	"errors"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// TenderRepository - интерфейс для работы с тендерами.
type TenderRepository interface {
	CreateTender(ctx context.Context, tender models.Tender) error
	GetTender(ctx context.Context, tenderID string) (*models.Tender, error)
	ListTenders(ctx context.Context, buyerID string, statuses []models.TenderStatus, limit, offset int) ([]models.Tender, error)
	// UpdateTender применяет change к тендеру с проверкой версии.
	// change получает количество поданных предложений, подсчитанное под той же блокировкой.
	UpdateTender(ctx context.Context, tenderID string, expectedVersion int,
		change func(current models.Tender, offerCount int) (models.Tender, error)) (VersionResult[models.Tender], error)
}

// PostgresTenderRepository - реализация TenderRepository для базы данных.
type PostgresTenderRepository struct {
	base
}

// NewPostgresTenderRepository создаёт новый экземпляр PostgresTenderRepository.
func NewPostgresTenderRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresTenderRepository {
	return &PostgresTenderRepository{base: newBase(db, timeout)}
}

const tenderColumns = `id, buyer_id, title, status, opening_date, deadline, allow_partial_award, max_winners, opened_at, version, created_at`

func scanTender(row pgx.Row) (*models.Tender, error) {
	var t models.Tender
	err := row.Scan(
		&t.ID,
		&t.BuyerID,
		&t.Title,
		&t.Status,
		&t.OpeningDate,
		&t.Deadline,
		&t.AllowPartialAward,
		&t.MaxWinners,
		&t.OpenedAt,
		&t.Version,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func getTender(ctx context.Context, q querier, tenderID string, forUpdate bool) (*models.Tender, error) {
	query := `SELECT ` + tenderColumns + ` FROM tender WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanTender(q.QueryRow(ctx, query, tenderID))
}

func setTenderStatus(ctx context.Context, q querier, tenderID string, status models.TenderStatus) error {
	tag, err := q.Exec(ctx, `UPDATE tender SET status = $1, version = version + 1 WHERE id = $2`, status, tenderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTender создает новый тендер.
func (r *PostgresTenderRepository) CreateTender(ctx context.Context, t models.Tender) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.DB.Exec(ctx, `
		INSERT INTO tender (id, buyer_id, title, status, opening_date, deadline, allow_partial_award, max_winners, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID,
		t.BuyerID,
		t.Title,
		t.Status,
		t.OpeningDate,
		t.Deadline,
		t.AllowPartialAward,
		t.MaxWinners,
		t.Version,
		t.CreatedAt)
	return wrapDBError("create tender", err)
}

// GetTender возвращает тендер по ID.
func (r *PostgresTenderRepository) GetTender(ctx context.Context, tenderID string) (*models.Tender, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	t, err := getTender(ctx, r.DB, tenderID, false)
	return t, wrapDBError("get tender", err)
}

// ListTenders возвращает тендеры покупателя или все тендеры в указанных статусах.
func (r *PostgresTenderRepository) ListTenders(ctx context.Context, buyerID string, statuses []models.TenderStatus, limit, offset int) ([]models.Tender, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	statusFilter := make([]string, 0, len(statuses))
	for _, s := range statuses {
		statusFilter = append(statusFilter, string(s))
	}

	rows, err := r.DB.Query(ctx, `
		SELECT `+tenderColumns+`
		FROM tender
		WHERE ($1 = '' OR buyer_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		buyerID, pq.Array(statusFilter), limit, offset)
	if err != nil {
		return nil, wrapDBError("list tenders", err)
	}
	defer rows.Close()

	var tenders []models.Tender
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, wrapDBError("list tenders", err)
		}
		tenders = append(tenders, *t)
	}
	return tenders, wrapDBError("list tenders", rows.Err())
}

// UpdateTender обновляет тендер с оптимистичной блокировкой.
func (r *PostgresTenderRepository) UpdateTender(ctx context.Context, tenderID string, expectedVersion int,
	change func(current models.Tender, offerCount int) (models.Tender, error)) (VersionResult[models.Tender], error) {
	var result VersionResult[models.Tender]
	err := r.runInTx(ctx, "update tender", func(ctx context.Context, tx pgx.Tx) error {
		var err error
		result, err = UpdateWithVersion(ctx, tx, expectedVersion,
			func(ctx context.Context, tx pgx.Tx) (models.Tender, error) {
				t, err := getTender(ctx, tx, tenderID, true)
				if err != nil {
					return models.Tender{}, err
				}
				return *t, nil
			},
			func(ctx context.Context, tx pgx.Tx, current models.Tender) (models.Tender, error) {
				var offerCount int
				if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM offer WHERE tender_id = $1`, tenderID).Scan(&offerCount); err != nil {
					return models.Tender{}, err
				}
				next, err := change(current, offerCount)
				if err != nil {
					return models.Tender{}, err
				}
				updated, err := scanTender(tx.QueryRow(ctx, `
					UPDATE tender
					SET title = $1, status = $2, opening_date = $3, deadline = $4, version = version + 1
					WHERE id = $5
					RETURNING `+tenderColumns,
					next.Title, next.Status, next.OpeningDate, next.Deadline, tenderID))
				if err != nil {
					return models.Tender{}, err
				}
				return *updated, nil
			})
		return err
	})
	return result, err
}
