// Package config holds runtime settings for the vouchersync engine and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds every tunable of the sync engine.
//
// Sources, later ones winning: built-in defaults, the JSON config file under
// the data directory, environment variables, command-line flags.
type Config struct {
	// Endpoint is the voucher fetch endpoint URL.
	Endpoint string `json:"endpoint"`

	// DataDir is the root of the local cache (blobs, salts, sqlite db).
	DataDir string `json:"dataDir"`

	// ChunkDays is the window size of one chunked fetch.
	ChunkDays int `json:"chunkDays"`

	// FetchTimeout bounds one chunk fetch. ConstrainedHost stretches it
	// for low-powered machines.
	FetchTimeout    time.Duration `json:"fetchTimeout"`
	ConstrainedHost bool          `json:"constrainedHost"`

	// MaxAttempts bounds retries per chunk; backoff doubles from
	// BackoffBase and is capped at BackoffCap.
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	BackoffCap  time.Duration `json:"backoffCap"`

	// TTLDays is how long cached record sets stay valid.
	TTLDays int `json:"ttlDays"`
}

// LoadDefaults populates c with the engine's standard tuning.
func (c *Config) LoadDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.Endpoint = "http://127.0.0.1:8080/api/vouchers/fetch"
	c.DataDir = filepath.Join(home, ".vouchersync")
	c.ChunkDays = 2
	c.FetchTimeout = 5 * time.Minute
	c.ConstrainedHost = false
	c.MaxAttempts = 10
	c.BackoffBase = 250 * time.Millisecond
	c.BackoffCap = 5 * time.Second
	c.TTLDays = 30
}

// EffectiveFetchTimeout returns the per-chunk timeout, stretched on
// resource-constrained hosts.
func (c *Config) EffectiveFetchTimeout() time.Duration {
	if c.ConstrainedHost {
		return c.FetchTimeout * 3 / 2
	}
	return c.FetchTimeout
}

// Load constructs a Config from defaults, the optional JSON file at path,
// and the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	cfg.overlayEnv()
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	if v := os.Getenv("VOUCHERSYNC_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("VOUCHERSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}
