package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpeningRepository - интерфейс для работы с протоколами вскрытия.
type OpeningRepository interface {
	// AppendReport под блокировкой тендера передаёт в build последний протокол
	// (или nil) и добавляет новый. Существующие протоколы не изменяются.
	AppendReport(ctx context.Context, tenderID string,
		build func(previous *models.OpeningReport) (models.OpeningReport, error)) (*models.OpeningReport, error)
	ListReports(ctx context.Context, tenderID string) ([]models.OpeningReport, error)
}

// PostgresOpeningRepository - реализация OpeningRepository для базы данных.
type PostgresOpeningRepository struct {
	base
}

// NewPostgresOpeningRepository создает новый экземпляр PostgresOpeningRepository.
func NewPostgresOpeningRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresOpeningRepository {
	return &PostgresOpeningRepository{base: newBase(db, timeout)}
}

const reportColumns = `id, tender_id, sequence, total_received, total_valid, total_invalid, snapshot,
	generated_by, generated_at, previous_hash, report_hash`

func scanReport(row pgx.Row) (*models.OpeningReport, error) {
	var (
		rep  models.OpeningReport
		raw  []byte
		prev *string
	)
	err := row.Scan(&rep.ID, &rep.TenderID, &rep.Sequence, &rep.TotalOffersReceived, &rep.TotalValidOffers,
		&rep.TotalInvalidOffers, &raw, &rep.GeneratedBy, &rep.GeneratedAt, &prev, &rep.ReportHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if prev != nil {
		rep.PreviousHash = *prev
	}
	if err := json.Unmarshal(raw, &rep.Snapshot); err != nil {
		return nil, err
	}
	return &rep, nil
}

// AppendReport добавляет протокол вскрытия и отмечает тендер вскрытым.
func (r *PostgresOpeningRepository) AppendReport(ctx context.Context, tenderID string,
	build func(previous *models.OpeningReport) (models.OpeningReport, error)) (*models.OpeningReport, error) {
	var stored *models.OpeningReport
	err := r.runInTx(ctx, "append opening report", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := getTender(ctx, tx, tenderID, true); err != nil {
			return err
		}

		previous, err := scanReport(tx.QueryRow(ctx, `
			SELECT `+reportColumns+` FROM opening_report
			WHERE tender_id = $1 ORDER BY sequence DESC LIMIT 1`, tenderID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		rep, err := build(previous)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(rep.Snapshot)
		if err != nil {
			return err
		}
		var prevHash *string
		if rep.PreviousHash != "" {
			prevHash = &rep.PreviousHash
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO opening_report (`+reportColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)`,
			rep.ID, rep.TenderID, rep.Sequence, rep.TotalOffersReceived, rep.TotalValidOffers, rep.TotalInvalidOffers,
			string(raw), rep.GeneratedBy, rep.GeneratedAt, prevHash, rep.ReportHash); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tender SET opened_at = $1 WHERE id = $2 AND opened_at IS NULL`,
			rep.GeneratedAt, tenderID); err != nil {
			return err
		}
		stored = &rep
		return nil
	})
	return stored, err
}

// ListReports возвращает все протоколы тендера по порядку.
func (r *PostgresOpeningRepository) ListReports(ctx context.Context, tenderID string) ([]models.OpeningReport, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.DB.Query(ctx, `SELECT `+reportColumns+` FROM opening_report WHERE tender_id = $1 ORDER BY sequence`, tenderID)
	if err != nil {
		return nil, wrapDBError("list opening reports", err)
	}
	defer rows.Close()

	var reports []models.OpeningReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, wrapDBError("list opening reports", err)
		}
		reports = append(reports, *rep)
	}
	return reports, wrapDBError("list opening reports", rows.Err())
}
