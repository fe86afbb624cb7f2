// Package config holds the runtime configuration for the atlas controller
// process: archive storage, logging, and engine housekeeping.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
}

// ArchiveConfig configures the SQLite snapshot archive.
type ArchiveConfig struct {
	// Path is the archive database file. Empty disables archiving.
	Path string `mapstructure:"path" yaml:"path"`

	// MaxConnections bounds the connection pool.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`
}

// EngineConfig configures controller housekeeping.
type EngineConfig struct {
	// EvictAfter is how long terminal plans stay registered before the
	// eviction pass removes them. Zero disables eviction.
	EvictAfter time.Duration `mapstructure:"evict_after" yaml:"evict_after"`

	// EventBuffer is the per-subscriber event channel buffer.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Path:           "atlas.db",
			MaxConnections: 10,
			BusyTimeout:    5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			EvictAfter:  24 * time.Hour,
			EventBuffer: 100,
		},
	}
}

// Validate checks the configuration for nonsense values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Archive.MaxConnections < 1 {
		return fmt.Errorf("archive max_connections must be at least 1, got %d", c.Archive.MaxConnections)
	}

	if c.Engine.EventBuffer < 1 {
		return fmt.Errorf("engine event_buffer must be at least 1, got %d", c.Engine.EventBuffer)
	}

	if c.Engine.EvictAfter < 0 {
		return fmt.Errorf("engine evict_after cannot be negative")
	}

	return nil
}
