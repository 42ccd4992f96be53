// Package secrets encrypts provider API keys at rest. AES-256-GCM with a
// process-wide master key; ciphertexts are stored base64-encoded with the
// nonce prepended. Plaintext keys exist only in memory during dispatch.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrDecrypt = errors.New("secrets: decryption failed")

// Box holds the derived AEAD key.
type Box struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the master secret. Any non-empty secret is
// accepted; derivation is a single SHA-256 so operators can use passphrases.
func New(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("secrets: master key must not be empty")
	}
	sum := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong key, truncated input, or tampered
// ciphertext all return ErrDecrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
