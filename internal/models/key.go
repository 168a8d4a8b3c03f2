package models

import "time"

type KeyType string // Назначение ключа шифрования

const (
	OfferFinancialKey KeyType = "offer_financial" // Ключ коммерческой части предложения
)

// EncryptionKey - запись ключа шифрования данных, обёрнутого мастер-ключом.
type EncryptionKey struct {
	ID            string    `json:"id"`
	Type          KeyType   `json:"type"`
	Lineage       string    `json:"lineage"`
	WrappedKey    []byte    `json:"-"`
	ExpiresAt     time.Time `json:"expiresAt"`
	IsActive      bool      `json:"isActive"`
	ReplacesKeyID *string   `json:"replacesKeyId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Expired проверяет, истёк ли срок действия ключа.
func (k *EncryptionKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
