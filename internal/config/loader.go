package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given YAML file, layered over the
// defaults. Environment variables prefixed with ATLAS_ override file values
// (e.g. ATLAS_LOGGING_LEVEL=debug).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	applyDefaults(v)

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("archive.path", def.Archive.Path)
	v.SetDefault("archive.max_connections", def.Archive.MaxConnections)
	v.SetDefault("archive.busy_timeout", def.Archive.BusyTimeout)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("engine.evict_after", def.Engine.EvictAfter)
	v.SetDefault("engine.event_buffer", def.Engine.EventBuffer)
}
