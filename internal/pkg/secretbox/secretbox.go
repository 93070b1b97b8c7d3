// Package secretbox encrypts credential material before it is stored.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a value cannot be decrypted with the configured key.
var ErrDecrypt = errors.New("secretbox: decrypt failed")

// Box seals and opens values with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// New creates a Box from a base64 encoded 32-byte key.
func New(encodedKey string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext as base64.
func (b *Box) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any malformed or tampered input yields ErrDecrypt.
func (b *Box) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// GenerateKey returns a fresh base64 encoded key suitable for New.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
