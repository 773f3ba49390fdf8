// Package syncconfig loads and saves the engine's JSON configuration:
// database location, dialect, retention tuning, and mapping declarations.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rowsync/rowsync/internal/mapping"
)

// DefaultBatchSize is used when the config leaves batch_size unset.
const DefaultBatchSize = 500

// Config is the on-disk configuration.
type Config struct {
	Database      string          `json:"database"`
	Dialect       string          `json:"dialect,omitempty"`
	VersionColumn string          `json:"version_column,omitempty"`
	StaleAfter    string          `json:"stale_after,omitempty"` // duration string, e.g. "720h"
	BatchSize     int             `json:"batch_size,omitempty"`
	Mapping       *mapping.Config `json:"mapping,omitempty"`
}

// Load reads a config file. A missing file yields zero-value defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// StaleWindow parses the staleness duration; zero when unset.
func (c *Config) StaleWindow() (time.Duration, error) {
	if c.StaleAfter == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("parse stale_after %q: %w", c.StaleAfter, err)
	}
	return d, nil
}

// EffectiveBatchSize returns batch_size or the default.
func (c *Config) EffectiveBatchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}
