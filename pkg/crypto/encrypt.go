package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be 32 bytes or 64 hex chars")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrMissingKey         = errors.New("encrypted secret present but ENCRYPTION_KEY is empty")
)

const (
	secretPrefix = "ENC("
	secretSuffix = ")"
)

// ParseKey превращает значение ENCRYPTION_KEY в ключ AES-256.
// Допускаются 32 сырых байта или 64 hex-символа.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	return nil, ErrInvalidKeyLength
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt шифрует plaintext AES-256-GCM, результат - base64(nonce|ciphertext|tag)
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает результат Encrypt
func Decrypt(encoded string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", ErrCiphertextTooShort
	}

	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed проверяет, записан ли секрет в виде ENC(...)
func IsSealed(value string) bool {
	v := strings.TrimSpace(value)
	return strings.HasPrefix(v, secretPrefix) && strings.HasSuffix(v, secretSuffix)
}

// SealSecret шифрует секрет для конфигурационного файла: ENC(base64)
func SealSecret(plaintext string, key []byte) (string, error) {
	enc, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return secretPrefix + enc + secretSuffix, nil
}

// OpenSecret возвращает значение секрета из конфигурации.
// Незашифрованные значения возвращаются как есть.
func OpenSecret(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrMissingKey
	}
	v := strings.TrimSpace(value)
	inner := v[len(secretPrefix) : len(v)-len(secretSuffix)]
	plain, err := Decrypt(inner, key)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return plain, nil
}

// GenerateKeyHex генерирует ключ для ENCRYPTION_KEY в hex-виде
func GenerateKeyHex() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
