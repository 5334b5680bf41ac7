// Package logging provides structured logging for the Synapse platform.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level to emit ("debug", "info", "warn", "error")
	Level string
	// Format is "json" or "console"
	Format string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
	}
}

// New creates a zerolog logger according to cfg. Console format writes
// human-readable lines; anything else writes JSON to stderr.
func New(cfg *Config) zerolog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var out io.Writer = os.Stderr
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(out).With().
		Timestamp().
		Str("app", "synapse").
		Logger()
}

// ParseLevel parses a level string, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	globalLogger = New(DefaultConfig())
	globalMu     sync.RWMutex
)

// SetGlobal installs the global logger instance.
func SetGlobal(l zerolog.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger instance.
func Global() zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Component returns the global logger with a component field set.
func Component(name string) zerolog.Logger {
	return Global().With().Str("component", name).Logger()
}

// Timed logs how long an operation took at debug level.
//
//	defer logging.Timed(log, "train dkt")()
func Timed(l zerolog.Logger, op string) func() {
	start := time.Now()
	return func() {
		l.Debug().Str("op", op).Dur("took", time.Since(start)).Msg("operation finished")
	}
}
