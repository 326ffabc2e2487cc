package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/go-faster/errors"
)

const encryptionVersion = "v1"

// ParseEncryptionKey decodes a base64 AES-256 key.
func ParseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("token encryption key is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode token encryption key")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("token encryption key must be 32 bytes base64-encoded (got %d bytes)", len(key))
	}
	return key, nil
}

// encrypt encrypts plaintext with AES-256-GCM.
// Returns "v1:" + base64-encoded nonce+ciphertext.
func encrypt(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil) // nonce || ciphertext || tag
	return encryptionVersion + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt decrypts a versioned ciphertext string.
// Supports "v1:base64data" format.
func decrypt(key []byte, ciphertext string) ([]byte, error) {
	data := strings.TrimPrefix(ciphertext, encryptionVersion+":")

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
