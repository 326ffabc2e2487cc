package db

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	// 32 bytes for AES-256
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple text", "hello world"},
		{"empty string", ""},
		{"token record", `{"access_token":"abc","refresh_token":"def","token_type":"bearer"}`},
		{"large payload", strings.Repeat("a", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := encrypt(key, []byte(tt.plaintext))
			if err != nil {
				t.Fatalf("encrypt failed: %v", err)
			}

			decrypted, err := decrypt(key, encrypted)
			if err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}

			if string(decrypted) != tt.plaintext {
				t.Errorf("roundtrip mismatch: got %q, want %q", string(decrypted), tt.plaintext)
			}
		})
	}
}

func TestEncryptProducesVersionedFormat(t *testing.T) {
	encrypted, err := encrypt(testKey(t), []byte("test"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if !strings.HasPrefix(encrypted, "v1:") {
		t.Errorf("expected v1: prefix, got %q", encrypted[:10])
	}
	if _, err := base64.StdEncoding.DecodeString(encrypted[3:]); err != nil {
		t.Errorf("base64 decode failed: %v", err)
	}
}

func TestEncryptProducesUniqueOutput(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same input")
	a, _ := encrypt(key, plaintext)
	b, _ := encrypt(key, plaintext)

	if a == b {
		t.Error("two encryptions of same plaintext should differ (random nonce)")
	}
}

func TestDecryptInvalidInput(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name       string
		key        []byte
		ciphertext string
	}{
		{"invalid base64", key, "v1:not-valid-base64!!!"},
		{"too short", key, "v1:" + base64.StdEncoding.EncodeToString([]byte("short"))},
		{"tampered", key, func() string {
			encrypted, _ := encrypt(key, []byte("original"))
			b := []byte(encrypted)
			b[len(b)-2] ^= 0xff
			return string(b)
		}()},
		{"wrong key", make([]byte, 32), func() string {
			encrypted, _ := encrypt(key, []byte("original"))
			return encrypted
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decrypt(tt.key, tt.ciphertext); err == nil {
				t.Error("expected error for invalid ciphertext")
			}
		})
	}
}

func TestParseEncryptionKey(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", "", true},
		{"not base64", "%%%", true},
		{"wrong length", base64.StdEncoding.EncodeToString(make([]byte, 16)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseEncryptionKey(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(key) != 32 {
				t.Errorf("key length = %d", len(key))
			}
		})
	}
}
