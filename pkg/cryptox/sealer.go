// Package cryptox seals credential values before they are written to disk.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this use so the same secret can never
// produce a key that is valid elsewhere.
const hkdfInfo = "backoffice credential store v1"

// ErrCiphertext is returned when sealed data is truncated or fails
// authentication.
var ErrCiphertext = errors.New("cryptox: invalid ciphertext")

// Sealer encrypts and authenticates small values with AES-256-GCM.
// The output format is: [12-byte nonce][encrypted data][16-byte auth tag]
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from secret and salt with HKDF-SHA256.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("cryptox: empty secret")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext with a fresh random nonce. additional is
// authenticated but not encrypted; callers pass the storage key so a sealed
// access token cannot be swapped into the refresh token slot.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrCiphertext
	}

	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], additional)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}
