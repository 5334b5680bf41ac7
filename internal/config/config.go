package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the Synapse inference platform.
// It is loaded from ~/.synapse/config.yaml and can be overridden by environment variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Data       DataConfig       `mapstructure:"data" yaml:"data"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Registry   RegistryConfig   `mapstructure:"registry" yaml:"registry"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	CogLoad    CogLoadConfig    `mapstructure:"cogload" yaml:"cogload"`
	Router     RouterConfig     `mapstructure:"router" yaml:"router"`
	Tracer     TracerConfig     `mapstructure:"tracer" yaml:"tracer"`
	Story      StoryConfig      `mapstructure:"story" yaml:"story"`
	Churn      ChurnConfig      `mapstructure:"churn" yaml:"churn"`
	Complexity ComplexityConfig `mapstructure:"complexity" yaml:"complexity"`
	ColdStart  ColdStartConfig  `mapstructure:"coldstart" yaml:"coldstart"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the listen port
	Port int `mapstructure:"port" yaml:"port"`
	// APIKey is the shared secret expected in X-Api-Key. Empty disables auth (dev mode).
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// ReadTimeout bounds request reads
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout bounds response writes
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DataConfig points at the PostgREST data plane.
type DataConfig struct {
	// URL is the PostgREST base URL
	URL string `mapstructure:"url" yaml:"url"`
	// Schema is the exposed Postgres schema
	Schema string `mapstructure:"schema" yaml:"schema"`
	// ServiceKey is the service-role bearer token
	ServiceKey string `mapstructure:"service_key" yaml:"service_key,omitempty"`
	// Timeout bounds each request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RedisConfig contains connection settings for the prediction cache and task queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// RegistryConfig locates the local artifact registry.
type RegistryConfig struct {
	// Path is the SQLite database file
	Path string `mapstructure:"path" yaml:"path"`
}

// CacheConfig tunes the prediction cache.
type CacheConfig struct {
	// TTL is the default prediction lifetime in seconds
	TTL int `mapstructure:"ttl" yaml:"ttl"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "json" or "console"
	Format string `mapstructure:"format" yaml:"format"`
}

// CogLoadConfig tunes the cognitive load tracker.
type CogLoadConfig struct {
	// DefaultBaselineMs is used when a user has no recorded baselines
	DefaultBaselineMs float64 `mapstructure:"default_baseline_ms" yaml:"default_baseline_ms"`
	// Window caps the per-session event window
	Window int `mapstructure:"window" yaml:"window"`
	// TrendWindow is the number of recent loads the trend slope is fit over
	TrendWindow int `mapstructure:"trend_window" yaml:"trend_window"`
}

// RouterConfig tunes activity routing.
type RouterConfig struct {
	// ColdStartThreshold is the event count below which rule-based routing applies
	ColdStartThreshold int `mapstructure:"cold_start_threshold" yaml:"cold_start_threshold"`
	// PPOMinSessions is the global session count required before the policy network serves
	PPOMinSessions int `mapstructure:"ppo_min_sessions" yaml:"ppo_min_sessions"`
	// Alpha is the LinUCB exploration coefficient
	Alpha float64 `mapstructure:"alpha" yaml:"alpha"`
	// Decay is the LinUCB forgetting factor applied to A on update
	Decay float64 `mapstructure:"decay" yaml:"decay"`
	// MaxTargetWords caps drill enrichment payloads
	MaxTargetWords int `mapstructure:"max_target_words" yaml:"max_target_words"`
}

// TracerConfig tunes the knowledge tracer.
type TracerConfig struct {
	// MinEvents is the history size below which the tracer reports fallback
	MinEvents int `mapstructure:"min_events" yaml:"min_events"`
	// FallbackDays bounds the accuracy window used when no model is available
	FallbackDays int `mapstructure:"fallback_days" yaml:"fallback_days"`
	// FallbackLimit caps events scanned for fallback knowledge
	FallbackLimit int `mapstructure:"fallback_limit" yaml:"fallback_limit"`
}

// StoryConfig tunes story word selection.
type StoryConfig struct {
	ForgettingWeight    float64 `mapstructure:"forgetting_weight" yaml:"forgetting_weight"`
	RecencyWeight       float64 `mapstructure:"recency_weight" yaml:"recency_weight"`
	ProductionGapWeight float64 `mapstructure:"production_gap_weight" yaml:"production_gap_weight"`
	VarietyWeight       float64 `mapstructure:"variety_weight" yaml:"variety_weight"`
	ThematicWeight      float64 `mapstructure:"thematic_weight" yaml:"thematic_weight"`
	// RecencySessionWindow is how many recent sessions count toward the recency penalty
	RecencySessionWindow int `mapstructure:"recency_session_window" yaml:"recency_session_window"`
	// StoryRecencyDays is the variety lookback for story-mode appearances
	StoryRecencyDays int `mapstructure:"story_recency_days" yaml:"story_recency_days"`
	// MaxNewWordRatio caps due words as a fraction of the target count
	MaxNewWordRatio float64 `mapstructure:"max_new_word_ratio" yaml:"max_new_word_ratio"`
	// MinNewWords guarantees at least this many due slots
	MinNewWords int `mapstructure:"min_new_words" yaml:"min_new_words"`
	// EngagementDecay is the EMA retention factor for topic preferences
	EngagementDecay float64 `mapstructure:"engagement_decay" yaml:"engagement_decay"`
	// CacheTTL is the select-words cache lifetime in seconds
	CacheTTL int `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// ChurnConfig tunes churn and abandonment prediction.
type ChurnConfig struct {
	// ChurnThreshold triggers pre-session notification hooks
	ChurnThreshold float64 `mapstructure:"churn_threshold" yaml:"churn_threshold"`
	// AbandonmentThreshold triggers mid-session rescue interventions
	AbandonmentThreshold float64 `mapstructure:"abandonment_threshold" yaml:"abandonment_threshold"`
	// MinTrainingSamples gates the pre-session model
	MinTrainingSamples int `mapstructure:"min_training_samples" yaml:"min_training_samples"`
	// MidMinTrainingSamples gates the mid-session model
	MidMinTrainingSamples int `mapstructure:"mid_min_training_samples" yaml:"mid_min_training_samples"`
	// LookbackDays bounds history considered for training
	LookbackDays int `mapstructure:"lookback_days" yaml:"lookback_days"`
	// MinUsersForTraining gates training runs
	MinUsersForTraining int `mapstructure:"min_users_for_training" yaml:"min_users_for_training"`
	// CheckIntervalWords is how often the app should re-check mid-session risk
	CheckIntervalWords int `mapstructure:"check_interval_words" yaml:"check_interval_words"`
	// MinSessionWords is the event count below which no risk check runs
	MinSessionWords int `mapstructure:"min_session_words" yaml:"min_session_words"`
}

// ComplexityConfig tunes session complexity planning.
type ComplexityConfig struct {
	MinComplexity int `mapstructure:"min_complexity" yaml:"min_complexity"`
	MaxComplexity int `mapstructure:"max_complexity" yaml:"max_complexity"`
	MinWordCount  int `mapstructure:"min_word_count" yaml:"min_word_count"`
	MaxWordCount  int `mapstructure:"max_word_count" yaml:"max_word_count"`
	// MinDurationMinutes and MaxDurationMinutes clamp the recommended duration
	MinDurationMinutes float64 `mapstructure:"min_duration_minutes" yaml:"min_duration_minutes"`
	MaxDurationMinutes float64 `mapstructure:"max_duration_minutes" yaml:"max_duration_minutes"`
	// MinSessionsForTraining gates the classifier
	MinSessionsForTraining int `mapstructure:"min_sessions_for_training" yaml:"min_sessions_for_training"`
}

// ColdStartConfig tunes learner clustering.
type ColdStartConfig struct {
	// Clusters is the k-means k (capped at the user count)
	Clusters int `mapstructure:"clusters" yaml:"clusters"`
	// MinEventsForTraining is the per-user history required for inclusion
	MinEventsForTraining int `mapstructure:"min_events_for_training" yaml:"min_events_for_training"`
	// GraduationThreshold is the event count at which a user leaves cold start
	GraduationThreshold int `mapstructure:"graduation_threshold" yaml:"graduation_threshold"`
	// MinUsersForTraining gates training runs
	MinUsersForTraining int `mapstructure:"min_users_for_training" yaml:"min_users_for_training"`
	// MaxIterations bounds k-means
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// Seed fixes centroid initialization for reproducible clusters
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// LLMConfig selects the feedback explanation provider.
type LLMConfig struct {
	// Provider is "gemini", "openai", or "ollama"
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Model is the provider-specific model name
	Model string `mapstructure:"model" yaml:"model"`
	// BaseURL overrides the provider endpoint (required for ollama)
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// APIKey authenticates hosted providers
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Timeout bounds each generation request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SchedulerConfig can override individual retrain cron specs. Keys are task
// names (dkt, churn, complexity, rl_router, cold_start); values are cron
// expressions. Unset tasks keep the embedded schedule.
type SchedulerConfig struct {
	Specs map[string]string `mapstructure:"specs" yaml:"specs,omitempty"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	synapseDir := filepath.Join(homeDir, ".synapse")

	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8100,
			APIKey:       "",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Data: DataConfig{
			URL:     "http://127.0.0.1:3000",
			Schema:  "public",
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Registry: RegistryConfig{
			Path: filepath.Join(synapseDir, "registry.db"),
		},
		Cache: CacheConfig{
			TTL: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		CogLoad: CogLoadConfig{
			DefaultBaselineMs: 3000,
			Window:            500,
			TrendWindow:       8,
		},
		Router: RouterConfig{
			ColdStartThreshold: 50,
			PPOMinSessions:     10000,
			Alpha:              1.5,
			Decay:              0.999,
			MaxTargetWords:     20,
		},
		Tracer: TracerConfig{
			MinEvents:     50,
			FallbackDays:  30,
			FallbackLimit: 500,
		},
		Story: StoryConfig{
			ForgettingWeight:     0.4,
			RecencyWeight:        0.2,
			ProductionGapWeight:  0.2,
			VarietyWeight:        0.1,
			ThematicWeight:       0.1,
			RecencySessionWindow: 2,
			StoryRecencyDays:     7,
			MaxNewWordRatio:      0.05,
			MinNewWords:          1,
			EngagementDecay:      0.95,
			CacheTTL:             1800,
		},
		Churn: ChurnConfig{
			ChurnThreshold:        0.7,
			AbandonmentThreshold:  0.65,
			MinTrainingSamples:    500,
			MidMinTrainingSamples: 200,
			LookbackDays:          90,
			MinUsersForTraining:   30,
			CheckIntervalWords:    5,
			MinSessionWords:       5,
		},
		Complexity: ComplexityConfig{
			MinComplexity:          1,
			MaxComplexity:          5,
			MinWordCount:           20,
			MaxWordCount:           120,
			MinDurationMinutes:     3.0,
			MaxDurationMinutes:     25.0,
			MinSessionsForTraining: 100,
		},
		ColdStart: ColdStartConfig{
			Clusters:             20,
			MinEventsForTraining: 500,
			GraduationThreshold:  50,
			MinUsersForTraining:  50,
			MaxIterations:        300,
			Seed:                 42,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2",
			BaseURL:  "http://127.0.0.1:11434",
			Timeout:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Specs: map[string]string{},
		},
	}
}

// Load reads configuration from the default location (~/.synapse/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".synapse", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: SYNAPSE_DATA_SERVICE_KEY, SYNAPSE_SERVER_PORT
	v.SetEnvPrefix("SYNAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Registry.Path = expandPath(cfg.Registry.Path)

	return &cfg, nil
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".synapse", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// ListenAddr returns the host:port pair the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Data.URL == "" {
		return fmt.Errorf("data.url cannot be empty")
	}
	if c.Data.Schema == "" {
		return fmt.Errorf("data.schema cannot be empty")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format '%s', must be 'json' or 'console'", c.Logging.Format)
	}

	if c.CogLoad.DefaultBaselineMs <= 0 {
		return fmt.Errorf("cogload.default_baseline_ms must be positive")
	}
	if c.CogLoad.Window < c.CogLoad.TrendWindow {
		return fmt.Errorf("cogload.window (%d) cannot be smaller than cogload.trend_window (%d)",
			c.CogLoad.Window, c.CogLoad.TrendWindow)
	}

	if c.Router.Alpha <= 0 {
		return fmt.Errorf("router.alpha must be positive")
	}
	if c.Router.Decay <= 0 || c.Router.Decay > 1 {
		return fmt.Errorf("router.decay must be in (0, 1], got %v", c.Router.Decay)
	}

	weightSum := c.Story.ForgettingWeight + c.Story.RecencyWeight +
		c.Story.ProductionGapWeight + c.Story.VarietyWeight + c.Story.ThematicWeight
	if weightSum <= 0 {
		return fmt.Errorf("story scoring weights must sum to a positive value")
	}
	if c.Story.MaxNewWordRatio <= 0 || c.Story.MaxNewWordRatio > 0.10 {
		return fmt.Errorf("story.max_new_word_ratio must be in (0, 0.10], got %v", c.Story.MaxNewWordRatio)
	}

	if c.Churn.ChurnThreshold < 0 || c.Churn.ChurnThreshold > 1 {
		return fmt.Errorf("churn.churn_threshold must be in [0, 1]")
	}
	if c.Churn.AbandonmentThreshold < 0 || c.Churn.AbandonmentThreshold > 1 {
		return fmt.Errorf("churn.abandonment_threshold must be in [0, 1]")
	}

	if c.Complexity.MinComplexity >= c.Complexity.MaxComplexity {
		return fmt.Errorf("complexity.min_complexity must be below max_complexity")
	}
	if c.Complexity.MinWordCount >= c.Complexity.MaxWordCount {
		return fmt.Errorf("complexity.min_word_count must be below max_word_count")
	}

	if c.ColdStart.Clusters < 1 {
		return fmt.Errorf("coldstart.clusters must be at least 1")
	}

	validProviders := map[string]bool{"gemini": true, "openai": true, "ollama": true}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid llm provider '%s', must be one of: gemini, openai, ollama", c.LLM.Provider)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
