package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wc2.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logger.Level)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Metadata.Name, reloaded.Metadata.Name)
}
