package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/senyabanana/sealed-tender/internal/models"

	"golang.org/x/crypto/hkdf"
)

const (
	wrapInfo   = "sealed-tender/key-wrap/v1"
	reportInfo = "sealed-tender/opening-report/v1"
)

// MasterKey хранит ключи, выведенные из мастер-ключа процесса.
// Сам мастер-ключ не используется для шифрования данных.
type MasterKey struct {
	wrapKey   []byte
	reportKey []byte
}

// ParseMasterKey разбирает мастер-ключ из hex-строки конфигурации.
func ParseMasterKey(hexKey string) (*MasterKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex encoded: %w", err)
	}
	return NewMasterKey(raw)
}

// NewMasterKey выводит ключ обёртки и ключ подписи протоколов через HKDF-SHA256.
func NewMasterKey(secret []byte) (*MasterKey, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(secret))
	}
	wrapKey, err := derive(secret, wrapInfo)
	if err != nil {
		return nil, err
	}
	reportKey, err := derive(secret, reportInfo)
	if err != nil {
		return nil, err
	}
	return &MasterKey{wrapKey: wrapKey, reportKey: reportKey}, nil
}

func derive(secret []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}

// Wrap шифрует материал ключа данных. Формат: iv || ciphertext || tag.
func (m *MasterKey) Wrap(material []byte) ([]byte, error) {
	c, err := Encrypt(m.wrapKey, material)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	out := make([]byte, 0, NonceSize+len(c.Ciphertext)+TagSize)
	out = append(out, c.IV...)
	out = append(out, c.Ciphertext...)
	return append(out, c.AuthTag...), nil
}

// Unwrap восстанавливает материал ключа данных.
func (m *MasterKey) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < NonceSize+TagSize {
		return nil, &models.DecryptionError{Reason: "wrapped key too short"}
	}
	iv := wrapped[:NonceSize]
	tag := wrapped[len(wrapped)-TagSize:]
	ct := wrapped[NonceSize : len(wrapped)-TagSize]
	return Decrypt(ct, iv, tag, m.wrapKey)
}

// SignReport вычисляет HMAC-SHA256 над каноническим содержимым протокола.
func (m *MasterKey) SignReport(payload []byte) string {
	mac := hmac.New(sha256.New, m.reportKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyReport сверяет подпись протокола за постоянное время.
func (m *MasterKey) VerifyReport(payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, m.reportKey)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
