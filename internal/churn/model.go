// Package churn estimates disengagement risk: pre-session churn (will
// the learner come back for the next session) and mid-session
// abandonment (will they quit the one they are in). Both run a logistic
// model when a trained artifact is serving and a tuned heuristic
// otherwise, and the abandonment path picks a rescue intervention when
// risk crosses the threshold.
package churn

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// serviceName keys the cache namespace and the prediction log rows.
// The two registry artifacts live under their own slugs because they
// are trained and versioned independently.
const (
	serviceName = "churn"
	preSlug     = "churn_pre"
	midSlug     = "churn_mid"
)

// Model is a standardized logistic regression. Weights[0] is the bias;
// Weights[1:] align with the feature vector after z-scoring by
// Mean/Std.
type Model struct {
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trainedAt"`
	Weights   []float64 `json:"weights"`
	Mean      []float64 `json:"mean"`
	Std       []float64 `json:"std"`
	Samples   int       `json:"samples"`
}

// Prob returns the positive-class probability for a raw feature vector.
func (m *Model) Prob(x []float64) float64 {
	z := m.Weights[0]
	for i, v := range x {
		std := m.Std[i]
		if std == 0 {
			std = 1
		}
		z += m.Weights[i+1] * ((v - m.Mean[i]) / std)
	}
	return sigmoid(z)
}

// Encode serializes the model for the artifact registry.
func (m *Model) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode churn artifact: %w", err)
	}
	return payload, nil
}

// DecodeModel parses a registry payload and validates it against the
// expected feature width.
func DecodeModel(payload []byte, dim int) (*Model, error) {
	var m Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode churn artifact: %w", err)
	}
	if len(m.Weights) != dim+1 || len(m.Mean) != dim || len(m.Std) != dim {
		return nil, fmt.Errorf("churn artifact shaped for %d features, want %d", len(m.Weights)-1, dim)
	}
	return &m, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
