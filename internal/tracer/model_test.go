package tracer

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFeatures(t *testing.T) {
	tests := []struct {
		name         string
		right, wrong int
		want         []float64
	}{
		{name: "unseen word", right: 0, wrong: 0, want: []float64{1, 0, 0, 0}},
		{name: "mixed history", right: 3, wrong: 1, want: []float64{1, math.Log1p(3), math.Log1p(1), 0.25}},
		{name: "all lapses", right: 0, wrong: 4, want: []float64{1, 0, math.Log1p(4), 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := features(tt.right, tt.wrong)
			if len(got) != featureDim {
				t.Fatalf("features dim = %d, want %d", len(got), featureDim)
			}
			for i := range tt.want {
				if !almostEqual(got[i], tt.want[i]) {
					t.Errorf("feature[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHalfLifeClamp(t *testing.T) {
	x := features(0, 0)

	if h := halfLife(make([]float64, featureDim), x); !almostEqual(h, 1) {
		t.Errorf("zero weights half-life = %v, want 1 day", h)
	}
	if h := halfLife([]float64{100, 0, 0, 0}, x); h != maxHalfLife {
		t.Errorf("huge exponent half-life = %v, want clamp at %v", h, maxHalfLife)
	}
	if h := halfLife([]float64{-100, 0, 0, 0}, x); h != minHalfLife {
		t.Errorf("tiny exponent half-life = %v, want clamp at %v", h, minHalfLife)
	}
}

func TestRecallDecay(t *testing.T) {
	m := &Model{Weights: make([]float64, featureDim)}

	tests := []struct {
		name    string
		elapsed float64
		want    float64
	}{
		{name: "just seen", elapsed: 0, want: 1},
		{name: "one half-life", elapsed: 1, want: 0.5},
		{name: "two half-lives", elapsed: 2, want: 0.25},
		{name: "negative gap treated as zero", elapsed: -5, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Recall(0, 0, tt.elapsed); !almostEqual(got, tt.want) {
				t.Errorf("Recall(0,0,%v) = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestRecallRewardsHistory(t *testing.T) {
	// A positive weight on prior correct recalls must stretch the
	// half-life, so a practiced word survives the same gap better.
	m := &Model{Weights: []float64{0, 1, 0, 0}}

	practiced := m.Recall(3, 0, 1)
	fresh := m.Recall(0, 0, 1)
	if practiced <= fresh {
		t.Errorf("practiced recall %v should beat fresh recall %v", practiced, fresh)
	}
}

func TestForecast(t *testing.T) {
	withForecasts := &Model{
		Weights:          make([]float64, featureDim),
		HorizonForecasts: map[string]float64{Horizon48h: 0.42},
	}
	if got := withForecasts.Forecast(Horizon48h); !almostEqual(got, 0.42) {
		t.Errorf("Forecast(48h) = %v, want trained 0.42", got)
	}
	if got := withForecasts.Forecast(Horizon7d); !almostEqual(got, defaultForecasts[Horizon7d]) {
		t.Errorf("Forecast(7d) = %v, want default %v", got, defaultForecasts[Horizon7d])
	}

	empty := &Model{Weights: make([]float64, featureDim)}
	if got := empty.Forecast(Horizon48h); !almostEqual(got, defaultForecasts[Horizon48h]) {
		t.Errorf("Forecast(48h) on empty map = %v, want default %v", got, defaultForecasts[Horizon48h])
	}

	zeroed := &Model{
		Weights:          make([]float64, featureDim),
		HorizonForecasts: map[string]float64{Horizon7d: 0},
	}
	if got := zeroed.Forecast(Horizon7d); !almostEqual(got, defaultForecasts[Horizon7d]) {
		t.Errorf("zero-valued forecast should fall back to default, got %v", got)
	}
}

func TestModelRoundTrip(t *testing.T) {
	m := &Model{
		Version:          "20260215-031500",
		TrainedAt:        time.Date(2026, 2, 15, 3, 15, 0, 0, time.UTC),
		Weights:          []float64{0.5, 0.8, -0.4, -0.2},
		HorizonForecasts: map[string]float64{Horizon48h: 0.31, Horizon7d: 0.55},
	}

	payload, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeModel(payload)
	if err != nil {
		t.Fatalf("DecodeModel: %v", err)
	}
	if got.Version != m.Version || !got.TrainedAt.Equal(m.TrainedAt) {
		t.Errorf("round trip lost identity: %+v", got)
	}
	for i := range m.Weights {
		if !almostEqual(got.Weights[i], m.Weights[i]) {
			t.Errorf("weight[%d] = %v, want %v", i, got.Weights[i], m.Weights[i])
		}
	}
}

func TestDecodeModelRejectsBadPayloads(t *testing.T) {
	if _, err := DecodeModel([]byte(`{"weights":[1,2]}`)); err == nil {
		t.Error("short weight vector should be rejected")
	}
	if _, err := DecodeModel([]byte(`not json`)); err == nil {
		t.Error("garbage payload should be rejected")
	}
}

func TestRound4(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.12345, 0.1235},
		{0.11114, 0.1111},
		{0.5, 0.5},
		{0, 0},
	}
	for _, tt := range tests {
		if got := round4(tt.in); !almostEqual(got, tt.want) {
			t.Errorf("round4(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
