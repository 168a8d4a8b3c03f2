package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/google/uuid"
)

// ErrKeyAlreadyRotated возвращается хранилищем, если ключ уже деактивирован параллельной ротацией.
var ErrKeyAlreadyRotated = errors.New("key already rotated")

// Store - хранилище записей ключей.
type Store interface {
	InsertKeys(ctx context.Context, keys ...models.EncryptionKey) error
	GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error)
	// ListExpiredActiveKeys не возвращает ключи отозванных предложений и
	// предложений тендеров в конечном статусе: их шифротекст больше не меняется.
	ListExpiredActiveKeys(ctx context.Context, now time.Time) ([]models.EncryptionKey, error)
	// ReplaceKey в одной транзакции сохраняет замену и деактивирует старый ключ.
	ReplaceKey(ctx context.Context, oldKeyID string, replacement models.EncryptionKey) error
}

// Manager выдаёт, разворачивает и ротирует ключи шифрования данных.
type Manager struct {
	store  Store
	master *MasterKey
	cache  *Cache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager создаёт менеджер ключей.
func NewManager(store Store, master *MasterKey, cache *Cache, ttl time.Duration, logger *slog.Logger) *Manager {
	if cache == nil {
		cache = NewCache(0, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		master: master,
		cache:  cache,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock подменяет источник времени.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Cache возвращает кэш развёрнутых ключей.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// WrapKey оборачивает материал мастер-ключом и формирует запись ключа. Запись не сохраняется.
func (m *Manager) WrapKey(material []byte, keyType models.KeyType, lineage string) (models.EncryptionKey, error) {
	wrapped, err := m.master.Wrap(material)
	if err != nil {
		return models.EncryptionKey{}, err
	}
	now := m.now().UTC()
	return models.EncryptionKey{
		ID:         uuid.New().String(),
		Type:       keyType,
		Lineage:    lineage,
		WrappedKey: wrapped,
		ExpiresAt:  now.Add(m.ttl),
		IsActive:   true,
		CreatedAt:  now,
	}, nil
}

// IssueKey генерирует, оборачивает и сохраняет новый ключ.
func (m *Manager) IssueKey(ctx context.Context, keyType models.KeyType, lineage string) (models.EncryptionKey, []byte, error) {
	material, err := GenerateKey()
	if err != nil {
		return models.EncryptionKey{}, nil, err
	}
	record, err := m.WrapKey(material, keyType, lineage)
	if err != nil {
		return models.EncryptionKey{}, nil, err
	}
	if err := m.store.InsertKeys(ctx, record); err != nil {
		return models.EncryptionKey{}, nil, err
	}
	m.cache.Put(record.ID, material)
	return record, material, nil
}

// PrepareSeal шифрует plaintext новым ключом, не сохраняя его.
// Вызывающий обязан сохранить запись ключа до сохранения данных.
func (m *Manager) PrepareSeal(keyType models.KeyType, lineage string, plaintext []byte) (models.EncryptionKey, models.SealedPayload, error) {
	material, err := GenerateKey()
	if err != nil {
		return models.EncryptionKey{}, models.SealedPayload{}, err
	}
	record, err := m.WrapKey(material, keyType, lineage)
	if err != nil {
		return models.EncryptionKey{}, models.SealedPayload{}, err
	}
	c, err := Encrypt(material, plaintext)
	if err != nil {
		return models.EncryptionKey{}, models.SealedPayload{}, err
	}
	return record, EncodePayload(c, record.ID), nil
}

// Seal шифрует plaintext новым ключом и сохраняет ключ.
func (m *Manager) Seal(ctx context.Context, keyType models.KeyType, lineage string, plaintext []byte) (models.SealedPayload, error) {
	record, payload, err := m.PrepareSeal(keyType, lineage, plaintext)
	if err != nil {
		return models.SealedPayload{}, err
	}
	if err := m.store.InsertKeys(ctx, record); err != nil {
		return models.SealedPayload{}, err
	}
	return payload, nil
}

// UnwrapKey возвращает материал ключа. Деактивированные ключи тоже разворачиваются,
// чтобы ранее зашифрованные данные оставались читаемыми.
func (m *Manager) UnwrapKey(ctx context.Context, keyID string) ([]byte, error) {
	if material, ok := m.cache.Get(keyID); ok {
		return material, nil
	}
	record, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	material, err := m.master.Unwrap(record.WrappedKey)
	if err != nil {
		var decErr *models.DecryptionError
		if errors.As(err, &decErr) {
			decErr.KeyID = keyID
		}
		return nil, err
	}
	m.cache.Put(keyID, material)
	return material, nil
}

// Open расшифровывает запечатанные данные ключом, указанным в них.
func (m *Manager) Open(ctx context.Context, payload models.SealedPayload) ([]byte, error) {
	if payload.KeyID == "" {
		return nil, &models.DecryptionError{Reason: "missing key reference"}
	}
	c, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	material, err := m.UnwrapKey(ctx, payload.KeyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := Decrypt(c.Ciphertext, c.IV, c.AuthTag, material)
	if err != nil {
		var decErr *models.DecryptionError
		if errors.As(err, &decErr) {
			decErr.KeyID = payload.KeyID
		}
		return nil, err
	}
	return plaintext, nil
}

// Rotate заменяет ключи с истёкшим сроком. Старый ключ деактивируется только
// вместе с сохранением замены. Возвращает количество ротированных ключей.
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredActiveKeys(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired keys: %w", err)
	}

	var (
		rotated int
		errs    []error
	)
	for _, old := range expired {
		material, err := GenerateKey()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		replacement, err := m.WrapKey(material, old.Type, old.Lineage)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		oldID := old.ID
		replacement.ReplacesKeyID = &oldID

		if err := m.store.ReplaceKey(ctx, old.ID, replacement); err != nil {
			if errors.Is(err, ErrKeyAlreadyRotated) {
				continue
			}
			errs = append(errs, fmt.Errorf("rotate key %s: %w", old.ID, err))
			continue
		}
		m.cache.Invalidate(old.ID)
		m.cache.Put(replacement.ID, material)
		rotated++
	}

	m.logger.Info("key rotation finished", "expired", len(expired), "rotated", rotated, "failed", len(errs))
	return rotated, errors.Join(errs...)
}

// SignReport подписывает протокол ключом, выведенным из мастер-ключа.
func (m *Manager) SignReport(payload []byte) string {
	return m.master.SignReport(payload)
}

// VerifyReport проверяет подпись протокола.
func (m *Manager) VerifyReport(payload []byte, signature string) bool {
	return m.master.VerifyReport(payload, signature)
}
