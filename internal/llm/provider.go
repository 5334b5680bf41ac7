// Package llm wraps the explanation providers behind one Generate
// interface. Gemini, OpenAI, and Ollama are supported; the provider is
// chosen by configuration.
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fluentloop/synapse/internal/config"
)

// Generation parameters shared by every provider.
const (
	maxTokens   = 300
	temperature = 0.7

	// maxErrorBodySize caps how much of an error response is read, so a
	// misbehaving endpoint cannot exhaust memory.
	maxErrorBodySize = 1 * 1024 * 1024
)

// Result is one completed generation.
type Result struct {
	Text             string `json:"text"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	LatencyMs        int64  `json:"latencyMs"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
}

// Provider generates text from a prompt.
type Provider interface {
	Generate(ctx context.Context, prompt string) (Result, error)
	Name() string
	Model() string
}

// New builds the configured provider. Hosted providers require an API
// key; ollama requires a base URL.
func New(cfg config.LLMConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini", "google":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: gemini provider requires an api key")
		}
		return newGemini(cfg), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an api key")
		}
		return newOpenAI(cfg), nil
	case "ollama":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm: ollama provider requires a base url")
		}
		return newOllama(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, maxBytes))
	return body
}

// statusError turns a non-2xx response into an error carrying a
// truncated body excerpt.
func statusError(provider string, resp *http.Response) error {
	body := readLimitedBody(resp.Body, maxErrorBodySize)
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return fmt.Errorf("llm: %s returned %d: %s", provider, resp.StatusCode, excerpt)
}
