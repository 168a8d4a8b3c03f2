// Package keys реализует управление ключами шифрования запечатанных предложений.
//
// Данные шифруются AES-256-GCM ключом конкретной записи (DEK). Сами DEK хранятся
// в базе только в обёрнутом виде: их шифрует ключ, выведенный из мастер-ключа
// процесса. Мастер-ключ загружается из конфигурации один раз и не ротируется.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/senyabanana/sealed-tender/internal/models"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12
	TagSize   = 16
)

// Ciphertext - результат шифрования с отдельным тегом аутентификации.
type Ciphertext struct {
	IV         []byte
	Ciphertext []byte
	AuthTag    []byte
}

// GenerateKey генерирует случайный ключ шифрования данных.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt шифрует plaintext ключом key со случайным IV.
func Encrypt(key, plaintext []byte) (*Ciphertext, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize
	return &Ciphertext{
		IV:         iv,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt расшифровывает данные и проверяет тег. Повреждённые данные
// никогда не возвращаются: любая ошибка - это *models.DecryptionError.
func Decrypt(ciphertext, iv, authTag, key []byte) ([]byte, error) {
	if len(iv) != NonceSize {
		return nil, &models.DecryptionError{Reason: fmt.Sprintf("malformed iv: %d bytes", len(iv))}
	}
	if len(authTag) != TagSize {
		return nil, &models.DecryptionError{Reason: fmt.Sprintf("malformed auth tag: %d bytes", len(authTag))}
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, &models.DecryptionError{Reason: "unusable key", Err: err}
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, &models.DecryptionError{Reason: "authentication tag mismatch", Err: err}
	}
	return plaintext, nil
}

// EncodePayload кодирует шифротекст в hex для хранения.
func EncodePayload(c *Ciphertext, keyID string) models.SealedPayload {
	return models.SealedPayload{
		IV:         hex.EncodeToString(c.IV),
		Ciphertext: hex.EncodeToString(c.Ciphertext),
		AuthTag:    hex.EncodeToString(c.AuthTag),
		KeyID:      keyID,
	}
}

// DecodePayload разбирает hex-представление запечатанных данных.
func DecodePayload(p models.SealedPayload) (*Ciphertext, error) {
	iv, err := hex.DecodeString(p.IV)
	if err != nil {
		return nil, &models.DecryptionError{KeyID: p.KeyID, Reason: "malformed iv encoding", Err: err}
	}
	ct, err := hex.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, &models.DecryptionError{KeyID: p.KeyID, Reason: "malformed ciphertext encoding", Err: err}
	}
	tag, err := hex.DecodeString(p.AuthTag)
	if err != nil {
		return nil, &models.DecryptionError{KeyID: p.KeyID, Reason: "malformed auth tag encoding", Err: err}
	}
	return &Ciphertext{IV: iv, Ciphertext: ct, AuthTag: tag}, nil
}
