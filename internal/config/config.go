// Package config loads and persists the engine's settings: where the
// history database and downloads live, the worker pool size, per-domain
// politeness defaults, and a set of default DownloadOptions. Of those
// defaults only the bandwidth limit is read, to size the engine-wide
// bandwidth limiter at startup; a job's own options are not merged with
// them. Loading follows the teacher's settings.json + env-override
// pattern, adapted to this engine's option surface (spec.md §6).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"

	"forgedl/internal/model"
)

// Config is the engine's full settings surface.
type Config struct {
	StateDir     string `json:"stateDir"`
	OutputFolder string `json:"outputFolder"`

	Workers int `json:"workers"`
	APIPort int `json:"apiPort"`

	DomainMaxConcurrent int `json:"domainMaxConcurrent"`
	DomainMinIntervalMs int `json:"domainMinIntervalMs"`

	DefaultOptions model.DownloadOptions `json:"defaultOptions"`

	mu            sync.RWMutex
	filePath      string
	clampedOnLoad bool
}

// Default returns the engine's baked-in defaults; state and output
// directories fall back to the platform's XDG locations.
func Default() *Config {
	return &Config{
		StateDir:            filepath.Join(xdg.StateHome, "forgedl"),
		OutputFolder:        filepath.Join(xdg.UserDirs.Download, "forgedl"),
		Workers:             3,
		APIPort:             8765,
		DomainMaxConcurrent: 2,
		DomainMinIntervalMs: 1000,
		DefaultOptions: model.DownloadOptions{
			MaxRetries:      5,
			RetryBaseDelayS: 1,
			RetryMaxDelayS:  60,
			FileNamingMode:  model.NamingOriginal,
		},
	}
}

// Load reads settings.json from configDir, applying a .env file in the
// same directory (if present) and then process environment overrides.
// A missing or corrupted file yields the defaults, never an error, so
// first-run and crash-recovered installs always have a usable config.
func Load(configDir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	filePath := filepath.Join(configDir, "settings.json")
	cfg := Default()
	cfg.filePath = filePath

	data, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			cfg = Default()
		}
	}
	cfg.filePath = filePath

	applyEnvOverrides(cfg)

	if cfg.DefaultOptions.Clamp() {
		cfg.clampedOnLoad = true
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGEDL_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("FORGEDL_OUTPUT_FOLDER"); v != "" {
		cfg.OutputFolder = v
	}
	if v := os.Getenv("FORGEDL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("FORGEDL_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("FORGEDL_BANDWIDTH_LIMIT_KBPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultOptions.BandwidthLimitKbps = n
		}
	}
}

// Save writes the current config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// Update executes fn with the mutex held, for atomic read-modify-write.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Get returns a snapshot of the config safe to read without the lock.
func (c *Config) Get() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		StateDir:            c.StateDir,
		OutputFolder:        c.OutputFolder,
		Workers:             c.Workers,
		APIPort:             c.APIPort,
		DomainMaxConcurrent: c.DomainMaxConcurrent,
		DomainMinIntervalMs: c.DomainMinIntervalMs,
		DefaultOptions:      c.DefaultOptions,
	}
}

// ConsumeClampNotice reports whether loading this config clamped an
// out-of-range default, and clears the flag. main calls it right after
// Load and writes a warning to the process log; no LOG event is
// published on the bus.
func (c *Config) ConsumeClampNotice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.clampedOnLoad
	c.clampedOnLoad = false
	return v
}
