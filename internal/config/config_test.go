package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8100 {
		t.Errorf("expected default port 8100, got %d", cfg.Server.Port)
	}

	if cfg.Server.APIKey != "" {
		t.Error("expected auth to be disabled by default")
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got '%s'", cfg.Logging.Level)
	}

	if cfg.CogLoad.DefaultBaselineMs != 3000 {
		t.Errorf("expected default baseline 3000ms, got %v", cfg.CogLoad.DefaultBaselineMs)
	}

	if cfg.Router.ColdStartThreshold != 50 {
		t.Errorf("expected cold start threshold 50, got %d", cfg.Router.ColdStartThreshold)
	}

	if cfg.Router.Alpha != 1.5 {
		t.Errorf("expected alpha 1.5, got %v", cfg.Router.Alpha)
	}

	weightSum := cfg.Story.ForgettingWeight + cfg.Story.RecencyWeight +
		cfg.Story.ProductionGapWeight + cfg.Story.VarietyWeight + cfg.Story.ThematicWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		t.Errorf("expected story weights to sum to 1.0, got %v", weightSum)
	}

	if cfg.Churn.ChurnThreshold != 0.7 {
		t.Errorf("expected churn threshold 0.7, got %v", cfg.Churn.ChurnThreshold)
	}

	if cfg.ColdStart.Clusters != 20 {
		t.Errorf("expected 20 clusters, got %d", cfg.ColdStart.Clusters)
	}

	if cfg.Cache.TTL != 3600 {
		t.Errorf("expected cache TTL 3600, got %d", cfg.Cache.TTL)
	}
}

func TestLoadFromPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".synapse", "config.yaml")

	// Load config (should create default)
	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	if cfg.Server.Port != 8100 {
		t.Errorf("expected default port 8100, got %d", cfg.Server.Port)
	}

	// Load again to test reading existing file
	cfg2, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load existing config: %v", err)
	}

	if cfg2.Server.Port != cfg.Server.Port {
		t.Error("config values changed on reload")
	}
}

func TestSaveToPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".synapse", "config.yaml")

	cfg := Default()
	cfg.Server.Port = 9200
	cfg.Data.URL = "http://postgrest.internal:3000"
	cfg.Logging.Format = "console"

	if err := cfg.SaveToPath(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}

	if loaded.Server.Port != 9200 {
		t.Errorf("expected port 9200, got %d", loaded.Server.Port)
	}

	if loaded.Data.URL != "http://postgrest.internal:3000" {
		t.Errorf("expected saved data URL, got '%s'", loaded.Data.URL)
	}

	if loaded.Logging.Format != "console" {
		t.Errorf("expected format 'console', got '%s'", loaded.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "empty data url",
			mutate:  func(c *Config) { c.Data.URL = "" },
			wantErr: true,
		},
		{
			name:    "empty redis addr",
			mutate:  func(c *Config) { c.Redis.Addr = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "text" },
			wantErr: true,
		},
		{
			name:    "zero baseline",
			mutate:  func(c *Config) { c.CogLoad.DefaultBaselineMs = 0 },
			wantErr: true,
		},
		{
			name:    "window smaller than trend window",
			mutate:  func(c *Config) { c.CogLoad.Window = 4 },
			wantErr: true,
		},
		{
			name:    "decay above one",
			mutate:  func(c *Config) { c.Router.Decay = 1.5 },
			wantErr: true,
		},
		{
			name:    "new word ratio above hard cap",
			mutate:  func(c *Config) { c.Story.MaxNewWordRatio = 0.2 },
			wantErr: true,
		},
		{
			name:    "churn threshold above one",
			mutate:  func(c *Config) { c.Churn.ChurnThreshold = 1.2 },
			wantErr: true,
		},
		{
			name:    "inverted complexity bounds",
			mutate:  func(c *Config) { c.Complexity.MinComplexity = 5 },
			wantErr: true,
		},
		{
			name:    "unknown llm provider",
			mutate:  func(c *Config) { c.LLM.Provider = "mistral" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "path with tilde",
			input:    "~/.synapse/registry.db",
			expected: filepath.Join(homeDir, ".synapse", "registry.db"),
		},
		{
			name:     "absolute path",
			input:    "/var/lib/synapse/registry.db",
			expected: "/var/lib/synapse/registry.db",
		},
		{
			name:     "relative path",
			input:    "./registry.db",
			expected: "./registry.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandPath(tt.input)
			if result != tt.expected {
				t.Errorf("expandPath(%s) = %s, expected %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestConfigSerialization(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	original := Default()
	original.Server.APIKey = "secret-key-123"
	original.Data.Timeout = 20 * time.Second
	original.Story.CacheTTL = 900
	original.Scheduler.Specs = map[string]string{"dkt": "30 2 * * *"}
	original.Logging.Level = "debug"

	if err := original.SaveToPath(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Server.APIKey != "secret-key-123" {
		t.Errorf("API key mismatch: got %s", loaded.Server.APIKey)
	}

	if loaded.Data.Timeout != 20*time.Second {
		t.Errorf("data timeout mismatch: got %v, want 20s", loaded.Data.Timeout)
	}

	if loaded.Story.CacheTTL != 900 {
		t.Errorf("story cache TTL mismatch: got %d, want 900", loaded.Story.CacheTTL)
	}

	if loaded.Scheduler.Specs["dkt"] != "30 2 * * *" {
		t.Errorf("scheduler override mismatch: got %q", loaded.Scheduler.Specs["dkt"])
	}

	if loaded.Logging.Level != "debug" {
		t.Errorf("log level mismatch: got %s, want debug", loaded.Logging.Level)
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	cfg := Default()
	if err := cfg.SaveToPath(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	os.Setenv("SYNAPSE_SERVER_PORT", "9999")
	defer os.Unsetenv("SYNAPSE_SERVER_PORT")

	loaded, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Server.Port != 9999 {
		t.Errorf("expected env override port 9999, got %d", loaded.Server.Port)
	}
}
