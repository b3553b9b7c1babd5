// Package config loads the facade's bootstrap configuration, following the
// teacher's TOML-on-disk-with-generated-default pattern.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the facade's bootstrap configuration. Every field is optional.
// cmd/wc2demo reads only Logger from it; OverrideContext, RelayProvider,
// StorageDir, StorageOptions and Metadata are decoded and written back but
// no package in this module reads them, so the demo always runs on
// in-memory storage and the in-process relay network.
type Config struct {
	// OverrideContext is a namespace string for a client instance. Nothing
	// in this module applies it to storage keys or metrics labels.
	OverrideContext string `toml:"overrideContext"`

	// RelayProvider is a websocket relay URL, the argument
	// relay.DialWebsocketRelay takes. Nothing in this module dials it.
	RelayProvider string `toml:"relayProvider"`

	// StorageDir is a directory path for a persistent LevelDB store, the
	// argument storage.OpenLevelDB takes. Nothing in this module opens it.
	StorageDir string `toml:"storageDir"`

	StorageOptions StorageOptions `toml:"storageOptions"`

	Logger LoggerOptions `toml:"logger"`

	Metadata MetadataOptions `toml:"metadata"`
}

// StorageOptions holds persistence tuning values. SweepInterval is kept as
// a string; nothing in this module parses or applies it.
type StorageOptions struct {
	SweepInterval string `toml:"sweepInterval"`
}

// LoggerOptions selects the structured logging level and rotation policy.
type LoggerOptions struct {
	Level    string `toml:"level"` // debug|info|warn|error
	File     string `toml:"file"`
	MaxSizeMB int   `toml:"maxSizeMB"`
}

// MetadataOptions is static self-metadata for a client. cmd/wc2demo does
// not read it; its two clients announce their own fixed names instead.
type MetadataOptions struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	URL         string   `toml:"url"`
	Icons       []string `toml:"icons"`
}

// Default returns the configuration used when no file is present: in-memory
// storage, the in-process relay, info logging to stderr.
func Default() *Config {
	return &Config{
		Logger: LoggerOptions{Level: "info"},
		Metadata: MetadataOptions{
			Name: "wc2core client",
		},
	}
}

// Load reads path, writing out Default() first if the file does not exist
// yet, matching the teacher's load-or-create-default bootstrap.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
