// Package crypto provides AES-256-GCM encryption of OAuth tokens at rest.
//
// Each ciphertext is bound to associated data (the credential key it belongs
// to), so a value copied between rows fails to decrypt.
//
// Example usage:
//
//	c, err := crypto.NewAESCipher(os.Getenv("ENCRYPTION_KEY"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	sealed, err := c.Encrypt("access-token", "hubspot/org/user/project")
//	plain, err := c.Decrypt(sealed, "hubspot/org/user/project")
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"connector-hub/internal/common/errors"
)

// sealedPrefix marks values produced by AESCipher.
const sealedPrefix = "enc:v1:"

// Cipher encrypts and decrypts token strings.
type Cipher interface {
	Encrypt(plaintext, associatedData string) (string, error)
	Decrypt(ciphertext, associatedData string) (string, error)
}

// AESCipher implements Cipher with AES-256-GCM.
// It is safe for concurrent use by multiple goroutines.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives a 32-byte key from key with PBKDF2-SHA256.
// The salt is static so the same key decrypts across restarts and replicas.
func NewAESCipher(key string) (*AESCipher, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	derived := pbkdf2.Key([]byte(key), []byte("connector-hub-token-salt"), 10000, 32, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}

	return &AESCipher{aead: aead}, nil
}

// Encrypt seals plaintext. Empty strings stay empty so "no refresh token"
// remains distinguishable without decrypting.
func (c *AESCipher) Encrypt(plaintext, associatedData string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associatedData))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same associated data.
func (c *AESCipher) Decrypt(ciphertext, associatedData string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, sealedPrefix) {
		return "", errors.ValidationError("value is not encrypted")
	}

	data, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(ciphertext, sealedPrefix))
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(associatedData))
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}

// PlainCipher stores tokens unchanged. It is used when no ENCRYPTION_KEY is configured.
type PlainCipher struct{}

func (PlainCipher) Encrypt(plaintext, _ string) (string, error) { return plaintext, nil }

func (PlainCipher) Decrypt(ciphertext, _ string) (string, error) { return ciphertext, nil }

// IsEncrypted reports whether value was produced by AESCipher.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
