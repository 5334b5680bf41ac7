package coldstart

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/fluentloop/synapse/internal/store"
)

const (
	serviceName = "cold_start"
)

// Model is a fitted clustering artifact: the discovered column layout,
// the scaler, the centroids in scaled space, and the per-cluster
// profiles frozen at training time.
type Model struct {
	Version   string                       `json:"version"`
	TrainedAt time.Time                    `json:"trainedAt"`
	Columns   *columns                     `json:"columns"`
	Mean      []float64                    `json:"mean"`
	Std       []float64                    `json:"std"`
	Centroids [][]float64                  `json:"centroids"`
	Profiles  map[int]store.ClusterProfile `json:"profiles"`
	Users     int                          `json:"users"`
	Inertia   float64                      `json:"inertia"`
}

// Scale z-scores a raw feature vector into centroid space.
func (m *Model) Scale(vec []float64) []float64 {
	z := make([]float64, len(vec))
	for i, v := range vec {
		std := m.Std[i]
		if std == 0 {
			std = 1
		}
		z[i] = (v - m.Mean[i]) / std
	}
	return z
}

// Nearest returns the closest centroid and its euclidean distance in
// scaled space.
func (m *Model) Nearest(z []float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for cid, centroid := range m.Centroids {
		if d := floats.Distance(z, centroid, 2); d < bestDist {
			best, bestDist = cid, d
		}
	}
	return best, bestDist
}

// Encode serializes the model for the artifact registry.
func (m *Model) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode cold start artifact: %w", err)
	}
	return payload, nil
}

// DecodeModel parses a registry payload and validates its shape.
func DecodeModel(payload []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode cold start artifact: %w", err)
	}
	if m.Columns == nil || len(m.Columns.Names) == 0 || len(m.Centroids) == 0 {
		return nil, fmt.Errorf("cold start artifact is missing columns or centroids")
	}
	dim := m.Columns.dim()
	if len(m.Mean) != dim || len(m.Std) != dim {
		return nil, fmt.Errorf("cold start artifact scaler has %d columns, want %d", len(m.Mean), dim)
	}
	for cid, centroid := range m.Centroids {
		if len(centroid) != dim {
			return nil, fmt.Errorf("cold start centroid %d has %d columns, want %d", cid, len(centroid), dim)
		}
	}
	m.Columns.reindex()
	return &m, nil
}
