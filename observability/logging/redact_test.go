package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldAllowlist(t *testing.T) {
	require.True(t, IsAllowlisted("Topic"))
	require.False(t, IsAllowlisted("publicKey"))

	allowed := MaskField("reason", "ack timeout")
	require.Equal(t, "ack timeout", allowed.Value.String())

	masked := MaskField("symmetricKey", "deadbeef")
	require.Equal(t, RedactedValue, masked.Value.String())

	empty := MaskField("symmetricKey", "")
	require.Equal(t, "", empty.Value.String())
}

func TestSetupWithOptionsRedactsNonAllowlistedStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wc2.log")
	logger := SetupWithOptions("wc2core", "test", Options{File: path})
	logger.Info("propose received",
		"topic", "abcd1234",
		"publicKey", "0123456789abcdef",
	)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "abcd1234", decoded["topic"])
	require.Equal(t, RedactedValue, decoded["publicKey"])
	require.Equal(t, "wc2core", decoded["service"])
}
