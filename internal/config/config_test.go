package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if cfg.APIPort != 8765 {
		t.Errorf("APIPort = %d, want 8765", cfg.APIPort)
	}
	if cfg.DomainMaxConcurrent != 2 {
		t.Errorf("DomainMaxConcurrent = %d, want 2", cfg.DomainMaxConcurrent)
	}
	if cfg.DefaultOptions.MaxRetries != 5 {
		t.Errorf("DefaultOptions.MaxRetries = %d, want 5", cfg.DefaultOptions.MaxRetries)
	}
	if cfg.StateDir == "" {
		t.Error("StateDir should default to a non-empty XDG path")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() should not error for missing file: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("should return defaults, got Workers = %d", cfg.Workers)
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "settings.json")

	data := `{
		"workers": 8,
		"apiPort": 9090,
		"defaultOptions": {"max_retries": 2}
	}`
	os.WriteFile(filePath, []byte(data), 0644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.DefaultOptions.MaxRetries != 2 {
		t.Errorf("DefaultOptions.MaxRetries = %d, want 2", cfg.DefaultOptions.MaxRetries)
	}
}

func TestLoad_CorruptedFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "settings.json")
	os.WriteFile(filePath, []byte("not valid json {{{"), 0644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() should not error for corrupted file: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("corrupted file should return defaults, got Workers = %d", cfg.Workers)
	}
}

func TestLoad_ClampsOutOfRangeDefaults(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "settings.json")
	data := `{"defaultOptions": {"bandwidth_limit_kbps": -500, "max_retries": -1}}`
	os.WriteFile(filePath, []byte(data), 0644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DefaultOptions.BandwidthLimitKbps != 0 {
		t.Errorf("BandwidthLimitKbps = %d, want clamped to 0", cfg.DefaultOptions.BandwidthLimitKbps)
	}
	if cfg.DefaultOptions.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want clamped to 0", cfg.DefaultOptions.MaxRetries)
	}
	if !cfg.ConsumeClampNotice() {
		t.Error("expected ConsumeClampNotice to report true after a clamped load")
	}
	if cfg.ConsumeClampNotice() {
		t.Error("expected ConsumeClampNotice to clear the flag after being read once")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "settings.json")
	os.WriteFile(filePath, []byte(`{"workers": 3}`), 0644)

	t.Setenv("FORGEDL_WORKERS", "12")
	t.Setenv("FORGEDL_API_PORT", "9999")
	t.Setenv("FORGEDL_BANDWIDTH_LIMIT_KBPS", "2048")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Workers != 12 {
		t.Errorf("Workers = %d, want 12 from env override", cfg.Workers)
	}
	if cfg.APIPort != 9999 {
		t.Errorf("APIPort = %d, want 9999 from env override", cfg.APIPort)
	}
	if cfg.DefaultOptions.BandwidthLimitKbps != 2048 {
		t.Errorf("BandwidthLimitKbps = %d, want 2048 from env override", cfg.DefaultOptions.BandwidthLimitKbps)
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.filePath = filepath.Join(dir, "settings.json")
	cfg.Workers = 9

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	data, err := os.ReadFile(cfg.filePath)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	var saved Config
	json.Unmarshal(data, &saved)
	if saved.Workers != 9 {
		t.Errorf("saved Workers = %d, want 9", saved.Workers)
	}
}

func TestConfig_ThreadSafety(t *testing.T) {
	cfg := Default()
	cfg.filePath = filepath.Join(t.TempDir(), "settings.json")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			cfg.Get()
		}
		close(done)
	}()

	for i := 0; i < 100; i++ {
		cfg.Update(func(c *Config) {
			c.Workers = 5
		})
	}
	<-done
}

func TestConfig_Get_ReturnsIndependentSnapshot(t *testing.T) {
	cfg := Default()
	cfg.DefaultOptions.MaxRetries = 7

	snap := cfg.Get()
	if snap.DefaultOptions.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", snap.DefaultOptions.MaxRetries)
	}

	cfg.Update(func(c *Config) { c.DefaultOptions.MaxRetries = 1 })
	if snap.DefaultOptions.MaxRetries != 7 {
		t.Error("snapshot should not change after Config is mutated")
	}
}
