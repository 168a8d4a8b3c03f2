package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/senyabanana/sealed-tender/internal/keys"
	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// PostgresKeyRepository хранит обёрнутые ключи шифрования. Реализует keys.Store.
type PostgresKeyRepository struct {
	base
}

var _ keys.Store = (*PostgresKeyRepository)(nil)

// NewPostgresKeyRepository создает новый экземпляр PostgresKeyRepository.
func NewPostgresKeyRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresKeyRepository {
	return &PostgresKeyRepository{base: newBase(db, timeout)}
}

const keyColumns = `id, key_type, lineage, wrapped_key, expires_at, is_active, replaces_key_id, created_at`

func scanKey(row pgx.Row) (*models.EncryptionKey, error) {
	var k models.EncryptionKey
	err := row.Scan(&k.ID, &k.Type, &k.Lineage, &k.WrappedKey, &k.ExpiresAt, &k.IsActive, &k.ReplacesKeyID, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// insertKeys вставляет ключи одной многострочной командой.
func insertKeys(ctx context.Context, q querier, records []models.EncryptionKey) error {
	if len(records) == 0 {
		return nil
	}
	const cols = 8
	placeholders := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*cols)
	for i, k := range records {
		p := make([]string, cols)
		for j := range p {
			p[j] = fmt.Sprintf("$%d", i*cols+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(p, ", ")+")")
		args = append(args, k.ID, k.Type, k.Lineage, k.WrappedKey, k.ExpiresAt, k.IsActive, k.ReplacesKeyID, k.CreatedAt)
	}
	_, err := q.Exec(ctx, `INSERT INTO encryption_key (`+keyColumns+`) VALUES `+strings.Join(placeholders, ", "), args...)
	return err
}

// InsertKeys сохраняет новые ключи.
func (r *PostgresKeyRepository) InsertKeys(ctx context.Context, records ...models.EncryptionKey) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return wrapDBError("insert keys", insertKeys(ctx, r.DB, records))
}

// GetKey возвращает ключ по ID, в том числе деактивированный.
func (r *PostgresKeyRepository) GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	k, err := scanKey(r.DB.QueryRow(ctx, `SELECT `+keyColumns+` FROM encryption_key WHERE id = $1`, keyID))
	return k, wrapDBError("get key", err)
}

// ListExpiredActiveKeys возвращает активные ключи с истёкшим сроком, кроме ключей
// выбывших предложений.
func (r *PostgresKeyRepository) ListExpiredActiveKeys(ctx context.Context, now time.Time) ([]models.EncryptionKey, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.DB.Query(ctx, `
		SELECT `+keyColumns+` FROM encryption_key k
		WHERE k.is_active AND k.expires_at <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM offer o JOIN tender t ON t.id = o.tender_id
		      WHERE k.key_type = $2 AND o.id = k.lineage
		        AND (o.status <> $3 OR t.status = ANY($4::text[])))
		ORDER BY k.expires_at`,
		now, models.OfferFinancialKey, models.SubmittedOffer,
		pq.Array([]string{string(models.AwardedTender), string(models.ClosedTender)}))
	if err != nil {
		return nil, wrapDBError("list expired keys", err)
	}
	defer rows.Close()

	var out []models.EncryptionKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, wrapDBError("list expired keys", err)
		}
		out = append(out, *k)
	}
	return out, wrapDBError("list expired keys", rows.Err())
}

// ReplaceKey деактивирует старый ключ и сохраняет замену в одной транзакции.
// Частичный уникальный индекс (key_type, lineage) WHERE is_active гарантирует
// не более одного активного ключа на линию, поэтому сначала снимается флаг.
func (r *PostgresKeyRepository) ReplaceKey(ctx context.Context, oldKeyID string, replacement models.EncryptionKey) error {
	return r.runInTx(ctx, "replace key", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE encryption_key SET is_active = FALSE WHERE id = $1 AND is_active`, oldKeyID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return keys.ErrKeyAlreadyRotated
		}
		return insertKeys(ctx, tx, []models.EncryptionKey{replacement})
	})
}
