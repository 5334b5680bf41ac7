package complexity

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// numLevels is the classifier's output width, one class per complexity
// level.
const numLevels = 5

// Model is a standardized softmax classifier. Each row of Weights is
// one level's logit: bias first, then coefficients aligned with the
// z-scored feature vector.
type Model struct {
	Version   string      `json:"version"`
	TrainedAt time.Time   `json:"trainedAt"`
	Weights   [][]float64 `json:"weights"`
	Mean      []float64   `json:"mean"`
	Std       []float64   `json:"std"`
	Samples   int         `json:"samples"`
}

// Classify returns the predicted complexity level (1-based) and the
// winning class probability.
func (m *Model) Classify(x []float64) (int, float64) {
	z := make([]float64, len(x))
	for i, v := range x {
		std := m.Std[i]
		if std == 0 {
			std = 1
		}
		z[i] = (v - m.Mean[i]) / std
	}

	probs := softmax(logits(m.Weights, z))
	best, bestProb := 0, probs[0]
	for k, p := range probs {
		if p > bestProb {
			best, bestProb = k, p
		}
	}
	return best + 1, bestProb
}

func logits(weights [][]float64, z []float64) []float64 {
	out := make([]float64, len(weights))
	for k, row := range weights {
		dot := row[0]
		for j, zj := range z {
			dot += row[j+1] * zj
		}
		out[k] = dot
	}
	return out
}

// softmax with the max subtracted for stability.
func softmax(l []float64) []float64 {
	maxL := l[0]
	for _, v := range l[1:] {
		if v > maxL {
			maxL = v
		}
	}
	out := make([]float64, len(l))
	var sum float64
	for k, v := range l {
		out[k] = math.Exp(v - maxL)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

// Encode serializes the model for the artifact registry.
func (m *Model) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode complexity artifact: %w", err)
	}
	return payload, nil
}

// DecodeModel parses a registry payload and validates its shape.
func DecodeModel(payload []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode complexity artifact: %w", err)
	}
	if len(m.Weights) != numLevels || len(m.Mean) != featureDim || len(m.Std) != featureDim {
		return nil, fmt.Errorf("complexity artifact has %d classes, want %d", len(m.Weights), numLevels)
	}
	for k, row := range m.Weights {
		if len(row) != featureDim+1 {
			return nil, fmt.Errorf("complexity artifact class %d has %d weights, want %d", k, len(row), featureDim+1)
		}
	}
	return &m, nil
}
