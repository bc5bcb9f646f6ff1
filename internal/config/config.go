// Package config loads the connection registry: named backends that
// documents reference through their connection-name hints.
//
// The file is YAML, read through viper so every key can also be supplied
// as a STREAMBED_* environment variable:
//
//	defaultConnection: local
//	connections:
//	  local:
//	    type: blob
//	    path: /var/lib/streambed
//	  archive:
//	    type: table
//	    driver: sqlite3
//	    dsn: file:archive.db?_journal=WAL
//	    enableChunks: true
//	    chunkSize: 1000
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Connection describes one named backend.
type Connection struct {
	// Type selects the backend: "blob", "table" or "memory".
	Type string `mapstructure:"type"`

	// Path is the root directory of a blob connection.
	Path string `mapstructure:"path"`

	// Driver and DSN configure a table connection. Driver is a
	// database/sql driver name (sqlite3, mysql).
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// Chunk layout for streams created on this connection.
	EnableChunks bool  `mapstructure:"enableChunks"`
	ChunkSize    int64 `mapstructure:"chunkSize"`
}

// Config is the loaded connection registry.
type Config struct {
	DefaultConnection string                `mapstructure:"defaultConnection"`
	Connections       map[string]Connection `mapstructure:"connections"`
}

// Load reads the registry from path. A missing file is not an error: the
// result is an empty registry that callers can populate programmatically.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STREAMBED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &Config{Connections: make(map[string]Connection)}, nil
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Connections == nil {
		cfg.Connections = make(map[string]Connection)
	}
	return &cfg, nil
}

// Default returns an empty in-memory registry with one memory connection,
// enough to run without any configuration.
func Default() *Config {
	return &Config{
		DefaultConnection: "memory",
		Connections: map[string]Connection{
			"memory": {Type: "memory"},
		},
	}
}

// Resolve returns the named connection, falling back to the default when
// name is empty.
func (c *Config) Resolve(name string) (Connection, string, error) {
	if name == "" {
		name = c.DefaultConnection
	}
	if name == "" {
		return Connection{}, "", fmt.Errorf("no connection name and no default configured")
	}
	conn, ok := c.Connections[name]
	if !ok {
		return Connection{}, "", fmt.Errorf("unknown connection %q", name)
	}
	return conn, name, nil
}
