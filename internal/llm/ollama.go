package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fluentloop/synapse/internal/config"
)

// ollama talks to a local ollama daemon. It reports no token counts
// because the generate endpoint does not return usage numbers.
type ollama struct {
	model   string
	baseURL string
	client  *http.Client
}

func newOllama(cfg config.LLMConfig) *ollama {
	return &ollama{
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (o *ollama) Name() string  { return "ollama" }
func (o *ollama) Model() string { return o.model }

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

func (o *ollama) Generate(ctx context.Context, prompt string) (Result, error) {
	payload, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			NumPredict:  maxTokens,
			Temperature: temperature,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm: encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("llm: build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm: ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError("ollama", resp)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("llm: decode ollama response: %w", err)
	}

	return Result{
		Text:      strings.TrimSpace(out.Response),
		Provider:  o.Name(),
		Model:     o.model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
