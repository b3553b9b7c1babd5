package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSymmetricKeyAgrees(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceKey, aliceTopic, err := alice.DeriveSymmetricKey(bob.PublicKeyHex())
	require.NoError(t, err)
	bobKey, bobTopic, err := bob.DeriveSymmetricKey(alice.PublicKeyHex())
	require.NoError(t, err)

	require.Equal(t, aliceTopic, bobTopic)
	require.Equal(t, aliceKey.Hex(), bobKey.Hex())
}

func TestSealOpenRoundtrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	key, _, err := alice.DeriveSymmetricKey(bob.PublicKeyHex())
	require.NoError(t, err)

	plaintext := []byte(`{"jsonrpc":"2.0","method":"wc_sessionPropose"}`)
	sealed, err := key.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := key.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenTamperedFails(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	key, _, err := alice.DeriveSymmetricKey(bob.PublicKeyHex())
	require.NoError(t, err)

	sealed, err := key.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)/2] ^= 0xFF

	_, err = key.Open(sealed)
	require.Error(t, err)
}

func TestSymmetricKeyHexRoundtrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	key, _, err := alice.DeriveSymmetricKey(bob.PublicKeyHex())
	require.NoError(t, err)

	restored, err := SymmetricKeyFromHex(key.Hex())
	require.NoError(t, err)
	require.Equal(t, key.Hex(), restored.Hex())
}
