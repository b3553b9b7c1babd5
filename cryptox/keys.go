// Package cryptox provides the key agreement and authenticated encryption
// glue the sequence controllers need: X25519 ephemeral key pairs, ECDH-derived
// symmetric keys bound to a settled topic, and ChaCha20-Poly1305 sealing.
//
// This is deliberately the only place in the module that touches raw key
// material; callers above this package work with opaque hex-encoded public
// keys and a SymmetricKey handle.
package cryptox

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
	"io"
)

// KeyPair is an ephemeral X25519 key pair generated per proposal.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cryptox: generate key pair: %w", err)
	}
	return KeyPair{priv: priv}, nil
}

// PublicKeyHex returns the hex-encoded public key, the form carried on the
// wire and stored in sequence records.
func (k KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.priv.PublicKey().Bytes())
}

// DeriveSymmetricKey computes the shared topic + symmetric key from this
// key pair's private half and the peer's public key (hex-encoded). The
// settled topic is SHA-256 of the raw ECDH output followed by the label
// "wc2/topic"; the symmetric key is an HKDF-SHA256 expansion of the same
// secret (salted with that hash, info "wc2/symkey"), domain separated from the topic
// derivation so neither value can be used to reconstruct the other.
func (k KeyPair) DeriveSymmetricKey(peerPublicKeyHex string) (SymmetricKey, string, error) {
	peerBytes, err := hex.DecodeString(peerPublicKeyHex)
	if err != nil {
		return SymmetricKey{}, "", fmt.Errorf("cryptox: decode peer public key: %w", err)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerBytes)
	if err != nil {
		return SymmetricKey{}, "", fmt.Errorf("cryptox: parse peer public key: %w", err)
	}
	shared, err := k.priv.ECDH(peerPub)
	if err != nil {
		return SymmetricKey{}, "", fmt.Errorf("cryptox: ecdh: %w", err)
	}

	topicSum := sha256.Sum256(append(append([]byte{}, shared...), []byte("wc2/topic")...))
	topic := hex.EncodeToString(topicSum[:])

	h := hkdf.New(sha256.New, shared, topicSum[:], []byte("wc2/symkey"))
	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(h, keyBytes); err != nil {
		return SymmetricKey{}, "", fmt.Errorf("cryptox: derive symmetric key: %w", err)
	}
	return SymmetricKey{bytes: keyBytes}, topic, nil
}
