package cryptox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// SymmetricKey is a 32-byte key bound to one settled topic. The zero value is
// not usable; obtain one from KeyPair.DeriveSymmetricKey.
type SymmetricKey struct {
	bytes []byte
}

// SymmetricKeyFromHex reconstructs a key persisted as hex, e.g. after
// rehydrating sequence state from storage.
func SymmetricKeyFromHex(s string) (SymmetricKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("cryptox: decode symmetric key: %w", err)
	}
	if len(b) != chacha20poly1305.KeySize {
		return SymmetricKey{}, fmt.Errorf("cryptox: symmetric key must be %d bytes, got %d", chacha20poly1305.KeySize, len(b))
	}
	return SymmetricKey{bytes: b}, nil
}

// Hex renders the key for persistence.
func (k SymmetricKey) Hex() string { return hex.EncodeToString(k.bytes) }

// IsZero reports whether the key is unset.
func (k SymmetricKey) IsZero() bool { return len(k.bytes) == 0 }

// Seal encrypts plaintext with a fresh random nonce, returning nonce||ciphertext.
func (k SymmetricKey) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any failure (wrong key, truncated input, tampering) is
// reported uniformly so callers can treat it as a DecryptionFailure without
// distinguishing the cause.
func (k SymmetricKey) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: new aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("cryptox: sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: open: %w", err)
	}
	return plaintext, nil
}
