package models

import "time"

type Role string // Роль пользователя

const (
	BuyerRole    Role = "buyer"
	SupplierRole Role = "supplier"
)

// Identity - уже аутентифицированный пользователь, полученный от сервиса идентификации.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// AuditEntry - запись журнала аудита.
type AuditEntry struct {
	ActorID     string    `json:"actorId"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notification - уведомление для внешнего сервиса доставки.
type Notification struct {
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	RelatedEntity string    `json:"relatedEntity"`
	CreatedAt     time.Time `json:"createdAt"`
}
