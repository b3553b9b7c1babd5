package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKV(t *testing.T, kv KV) {
	t.Helper()
	_, ok, err := kv.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set(SettledKey(PairingPrefix, "topic1"), []byte(`{"topic":"topic1"}`)))
	require.NoError(t, kv.Set(SettledKey(PairingPrefix, "topic2"), []byte(`{"topic":"topic2"}`)))
	require.NoError(t, kv.Set(PendingKey(PairingPrefix, "topic3"), []byte(`{"topic":"topic3"}`)))

	v, ok, err := kv.Get(SettledKey(PairingPrefix, "topic1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"topic":"topic1"}`, string(v))

	keys, err := kv.Keys(SettledScanPrefix(PairingPrefix))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		SettledKey(PairingPrefix, "topic1"),
		SettledKey(PairingPrefix, "topic2"),
	}, keys)

	require.NoError(t, kv.Delete(SettledKey(PairingPrefix, "topic1")))
	_, ok, err = kv.Get(SettledKey(PairingPrefix, "topic1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemory(t *testing.T) {
	testKV(t, NewMemory())
}

func TestLevelDB(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLevelDB(filepath.Join(dir, "wc2.db"))
	require.NoError(t, err)
	defer db.Close()
	testKV(t, db)
}
