package repository

import (
	"context"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditRepository пишет журнал аудита. Таблица только пополняется.
type PostgresAuditRepository struct {
	base
}

// NewPostgresAuditRepository создает новый экземпляр PostgresAuditRepository.
func NewPostgresAuditRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresAuditRepository {
	return &PostgresAuditRepository{base: newBase(db, timeout)}
}

// Log сохраняет запись аудита.
func (r *PostgresAuditRepository) Log(ctx context.Context, entry models.AuditEntry) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.DB.Exec(ctx, `
		INSERT INTO audit_log (actor_id, entity_type, entity_id, action, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ActorID, entry.EntityType, entry.EntityID, entry.Action, entry.Description, entry.CreatedAt)
	return wrapDBError("write audit log", err)
}

// PostgresNotificationRepository складывает уведомления в outbox-таблицу,
// откуда их забирает внешний сервис доставки.
type PostgresNotificationRepository struct {
	base
}

// NewPostgresNotificationRepository создает новый экземпляр PostgresNotificationRepository.
func NewPostgresNotificationRepository(db *pgxpool.Pool, timeout time.Duration) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{base: newBase(db, timeout)}
}

// Notify сохраняет уведомление.
func (r *PostgresNotificationRepository) Notify(ctx context.Context, n models.Notification) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.DB.Exec(ctx, `
		INSERT INTO notification_outbox (user_id, type, title, message, related_entity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.UserID, n.Type, n.Title, n.Message, n.RelatedEntity, n.CreatedAt)
	return wrapDBError("enqueue notification", err)
}
