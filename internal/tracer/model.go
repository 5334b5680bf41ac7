// Package tracer estimates per-word recall with a half-life regression
// model fitted to the interaction event stream.
//
// Memory of a word decays exponentially: p = 2^(-Δt/h), where Δt is days
// since the word was last encountered and h is its retention half-life.
// The model predicts h from the learner's history with the word,
// ĥ = 2^(w·x) over [bias, log1p(correct recalls), log1p(lapses), prior
// error rate]. Forgetting forecasts at fixed horizons come from observed
// lapse rates at matching review gaps, scaled per word by (1 - pRecall).
//
// Learners with fewer than tracer.min_events events get a fallback
// response; callers that need something even when no artifact exists use
// FallbackKnowledge, which is plain windowed accuracy.
package tracer

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// serviceName keys the registry artifact, the cache namespace, the task
// queue entry, and the prediction log rows for this service.
const serviceName = "dkt"

// Feature vector layout. One learned weight per position.
const (
	featBias = iota
	featRight
	featWrong
	featDifficulty
	featureDim
)

// Half-life clamp, in days. Below the floor every gap reads as total
// forgetting; above the ceiling the word is effectively permanent.
const (
	minHalfLife = 15.0 / (24 * 60)
	maxHalfLife = 274.0
)

// Horizon keys for the forget forecasts.
const (
	Horizon48h = "48h"
	Horizon7d  = "7d"
)

// defaultForecasts apply when the artifact predates a horizon or training
// had too few long-gap samples to estimate one.
var defaultForecasts = map[string]float64{
	Horizon48h: 0.3,
	Horizon7d:  0.5,
}

// Model is one trained half-life regression artifact.
type Model struct {
	Version          string             `json:"version"`
	TrainedAt        time.Time          `json:"trainedAt"`
	Weights          []float64          `json:"weights"`
	HorizonForecasts map[string]float64 `json:"horizonForecasts"`
}

// features builds the regression input from a word's prior recall counts.
func features(right, wrong int) []float64 {
	x := make([]float64, featureDim)
	x[featBias] = 1
	x[featRight] = math.Log1p(float64(right))
	x[featWrong] = math.Log1p(float64(wrong))
	if seen := right + wrong; seen > 0 {
		x[featDifficulty] = float64(wrong) / float64(seen)
	}
	return x
}

// halfLife predicts the clamped retention half-life in days.
func halfLife(weights, x []float64) float64 {
	var dot float64
	for i, w := range weights {
		dot += w * x[i]
	}
	h := math.Exp2(dot)
	return math.Min(math.Max(h, minHalfLife), maxHalfLife)
}

// Recall returns the probability a word with the given history is still
// recallable elapsedDays after it was last seen.
func (m *Model) Recall(right, wrong int, elapsedDays float64) float64 {
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	return math.Exp2(-elapsedDays / halfLife(m.Weights, features(right, wrong)))
}

// Forecast returns the forget prior for a horizon, falling back to the
// packaged default when the artifact lacks it.
func (m *Model) Forecast(horizon string) float64 {
	if v, ok := m.HorizonForecasts[horizon]; ok && v > 0 {
		return v
	}
	return defaultForecasts[horizon]
}

// Encode serializes the model for the artifact registry.
func (m *Model) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode tracer artifact: %w", err)
	}
	return payload, nil
}

// DecodeModel parses a registry payload and validates its shape.
func DecodeModel(payload []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode tracer artifact: %w", err)
	}
	if len(m.Weights) != featureDim {
		return nil, fmt.Errorf("tracer artifact has %d weights, want %d", len(m.Weights), featureDim)
	}
	return &m, nil
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
