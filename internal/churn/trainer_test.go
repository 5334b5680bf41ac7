package churn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/store"
)

type fakeTrainStore struct {
	sums      []store.SessionSummary
	snapshots []store.AbandonmentSnapshot
	summaries map[string]store.SessionSummary
}

func (f *fakeTrainStore) SessionSummariesSince(ctx context.Context, since time.Time, limit int) ([]store.SessionSummary, error) {
	var out []store.SessionSummary
	for _, sum := range f.sums {
		if !sum.StartedAt.After(since) {
			continue
		}
		out = append(out, sum)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTrainStore) AbandonmentSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]store.AbandonmentSnapshot, error) {
	var out []store.AbandonmentSnapshot
	for _, snap := range f.snapshots {
		if !snap.CreatedAt.After(since) {
			continue
		}
		out = append(out, snap)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTrainStore) SessionSummary(ctx context.Context, sessionID string) (store.SessionSummary, error) {
	sum, ok := f.summaries[sessionID]
	if !ok {
		return store.SessionSummary{}, store.ErrNotFound
	}
	return sum, nil
}

func TestBuildPreExamplesLabels(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeTrainStore{sums: []store.SessionSummary{
		// u1 returned within a day, then vanished long ago.
		session("u1", now.AddDate(0, 0, -30), true),
		session("u1", now.AddDate(0, 0, -29), true),
		// u2's only session was this morning: censored, no example.
		session("u2", now.Add(-6*time.Hour), true),
	}}
	tr := NewTrainer(db, nil, newTestPredictor(&fakeStore{}), nil, zerolog.Nop())

	xs, ys, users, err := tr.buildPreExamples(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, users, "censored users contribute nothing")
	require.Len(t, xs, 2)
	assert.Equal(t, 0.0, ys[0], "came back next day")
	assert.Equal(t, 1.0, ys[1], "never returned after the window")

	// The retained example carries the gap the label saw: one day for
	// the return, the window edge for the churn.
	assert.InDelta(t, 1.0, xs[0][0], 1e-6)
	assert.InDelta(t, 2.0, xs[1][0], 1e-6)
}

func TestBuildMidExamplesJoinsOutcomes(t *testing.T) {
	now := time.Now().UTC()
	features := func(errs float64) json.RawMessage {
		raw, _ := json.Marshal(midFeatures{ConsecutiveErrors: errs, CognitiveLoad: 0.5, WordsRemaining: 8}.asMap())
		return raw
	}
	db := &fakeTrainStore{
		snapshots: []store.AbandonmentSnapshot{
			{SessionID: "done", Features: features(0), CreatedAt: now.AddDate(0, 0, -3)},
			{SessionID: "quit", Features: features(4), CreatedAt: now.AddDate(0, 0, -2)},
			{SessionID: "open", Features: features(1), CreatedAt: now.AddDate(0, 0, -1)},
		},
		summaries: map[string]store.SessionSummary{
			"done": {SessionID: "done", CompletedSession: true},
			"quit": {SessionID: "quit", CompletedSession: false},
		},
	}
	tr := NewTrainer(db, nil, newTestPredictor(&fakeStore{}), nil, zerolog.Nop())

	xs, ys, err := tr.buildMidExamples(context.Background())
	require.NoError(t, err)
	require.Len(t, xs, 2, "sessions without a summary are skipped")
	assert.Equal(t, 0.0, ys[0])
	assert.Equal(t, 1.0, ys[1])
	assert.Equal(t, 4.0, xs[1][0], "stored feature maps reassemble in training order")
}

func TestFitLogisticSeparates(t *testing.T) {
	var xs [][]float64
	var ys []float64
	for i := 0; i < 200; i++ {
		quiet := midFeatures{ConsecutiveErrors: 0, CognitiveLoad: 0.4, WordsRemaining: 10}
		spiral := midFeatures{ConsecutiveErrors: 5, ResponseTimeTrend: 2000, CognitiveLoad: 0.8, WordsRemaining: 15}
		xs = append(xs, quiet.vector(), spiral.vector())
		ys = append(ys, 0, 1)
	}

	model, loss, err := fitLogistic(xs, ys, midFeatureDim)
	require.NoError(t, err)
	assert.Less(t, loss, 0.1)
	assert.Equal(t, 400, model.Samples)

	low := model.Prob(midFeatures{ConsecutiveErrors: 0, CognitiveLoad: 0.4, WordsRemaining: 10}.vector())
	high := model.Prob(midFeatures{ConsecutiveErrors: 5, ResponseTimeTrend: 2000, CognitiveLoad: 0.8, WordsRemaining: 15}.vector())
	assert.Less(t, low, 0.2)
	assert.Greater(t, high, 0.8)
}

func TestModelCodecRoundTrip(t *testing.T) {
	model := &Model{
		Version:   "20260826-030000",
		TrainedAt: time.Now().UTC(),
		Weights:   []float64{0.1, -0.4, 0.3, 0.2, -0.1, 0.5},
		Mean:      []float64{1, 2, 3, 4, 5},
		Std:       []float64{1, 1, 2, 2, 1},
		Samples:   321,
	}
	payload, err := model.Encode()
	require.NoError(t, err)

	decoded, err := DecodeModel(payload, midFeatureDim)
	require.NoError(t, err)
	assert.Equal(t, model.Weights, decoded.Weights)
	assert.Equal(t, 321, decoded.Samples)

	_, err = DecodeModel(payload, preFeatureDim)
	assert.Error(t, err, "width mismatch is rejected")
}
