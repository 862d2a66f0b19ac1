package crypto

import (
	"errors"
	"strings"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptDecrypt(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"api key", "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A"},
		{"empty", ""},
		{"unicode", "секрет-🔑"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := Encrypt(tt.plaintext, testKey)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			dec, err := Decrypt(enc, testKey)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if dec != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", dec, tt.plaintext)
			}
		})
	}
}

func TestEncrypt_NonceIsRandom(t *testing.T) {
	a, _ := Encrypt("secret", testKey)
	b, _ := Encrypt("secret", testKey)
	if a == b {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestDecrypt_Errors(t *testing.T) {
	enc, _ := Encrypt("secret", testKey)
	otherKey := []byte("ffffffffffffffffffffffffffffffff")

	tests := []struct {
		name    string
		input   string
		key     []byte
		wantErr error
	}{
		{"short key", enc, []byte("short"), ErrInvalidKeyLength},
		{"not base64", "!!!", testKey, ErrInvalidCiphertext},
		{"too short", "AAAA", testKey, ErrCiphertextTooShort},
		{"wrong key", enc, otherKey, ErrDecryptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.input, tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{"hex", hexKey, 32, false},
		{"raw", string(testKey), 32, false},
		{"padded", "  " + hexKey + "\n", 32, false},
		{"short", "abc", 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(key) != tt.wantLen {
				t.Errorf("len(key) = %d, want %d", len(key), tt.wantLen)
			}
		})
	}
}

func TestSealOpenSecret(t *testing.T) {
	sealed, err := SealSecret("my-api-secret", testKey)
	if err != nil {
		t.Fatalf("SealSecret() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("IsSealed(%q) = false", sealed)
	}

	plain, err := OpenSecret(sealed, testKey)
	if err != nil || plain != "my-api-secret" {
		t.Errorf("OpenSecret() = (%q, %v)", plain, err)
	}

	// Открытый текст проходит без изменений и без ключа
	if v, err := OpenSecret("plain-value", nil); err != nil || v != "plain-value" {
		t.Errorf("OpenSecret(plain) = (%q, %v)", v, err)
	}

	if _, err := OpenSecret(sealed, nil); !errors.Is(err, ErrMissingKey) {
		t.Errorf("OpenSecret without key error = %v, want ErrMissingKey", err)
	}
	if _, err := OpenSecret("ENC(garbage)", testKey); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("OpenSecret(garbage) error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestGenerateKeyHex(t *testing.T) {
	s, err := GenerateKeyHex()
	if err != nil {
		t.Fatalf("GenerateKeyHex() error = %v", err)
	}
	key, err := ParseKey(s)
	if err != nil || len(key) != 32 {
		t.Errorf("generated key does not parse: %v", err)
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("ops-password", 4)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !IsBcryptHash(hash) {
		t.Fatalf("IsBcryptHash(%q) = false", hash)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		wantErr  error
	}{
		{"match", "ops-password", hash, nil},
		{"mismatch", "wrong", hash, ErrPasswordMismatch},
		{"empty password", "", hash, ErrEmptyPassword},
		{"empty hash", "ops-password", "", ErrInvalidHash},
		{"garbage hash", "ops-password", "not-a-hash", ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyPassword(tt.password, tt.hash); !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyPassword() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHashPassword_Validation(t *testing.T) {
	if _, err := HashPassword("", 4); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty password error = %v", err)
	}
	if _, err := HashPassword(strings.Repeat("x", 73), 4); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("long password error = %v", err)
	}
	if IsBcryptHash("plain") {
		t.Error("IsBcryptHash(plain) = true")
	}
}
