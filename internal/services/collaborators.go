package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
)

// collaboratorTimeout ограничивает обращения к аудиту и уведомлениям.
const collaboratorTimeout = 3 * time.Second

// Notifier - внешний сервис уведомлений.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Auditor - внешний журнал аудита.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// KeyManager - операции управления ключами, нужные сервисам.
type KeyManager interface {
	PrepareSeal(keyType models.KeyType, lineage string, plaintext []byte) (models.EncryptionKey, models.SealedPayload, error)
	Open(ctx context.Context, payload models.SealedPayload) ([]byte, error)
	SignReport(payload []byte) string
	VerifyReport(payload []byte, signature string) bool
}

// Collaborators объединяет внешние зависимости, ошибки которых не влияют на бизнес-операцию.
type Collaborators struct {
	Notifier Notifier
	Auditor  Auditor
	Logger   *slog.Logger
}

func (c Collaborators) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// audit пишет запись аудита. Ошибка только логируется.
func (c Collaborators) audit(ctx context.Context, actorID, entityType, entityID, action, description string) {
	if c.Auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()

	entry := models.AuditEntry{
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.Auditor.Log(ctx, entry); err != nil {
		c.logger().Warn("audit log failed", "action", action, "entity", entityID, "error", err)
	}
}

// notify отправляет уведомление. Ошибка только логируется.
func (c Collaborators) notify(ctx context.Context, userID, kind, title, message, related string) {
	if c.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()

	n := models.Notification{
		UserID:        userID,
		Type:          kind,
		Title:         title,
		Message:       message,
		RelatedEntity: related,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.Notifier.Notify(ctx, n); err != nil {
		c.logger().Warn("notification failed", "user", userID, "type", kind, "error", err)
	}
}
