package churn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	sums    []store.SessionSummary
	summary *store.SessionSummary
	events  []store.InteractionEvent
	words   []store.UserWord
	profile store.Profile

	churnRows    []store.ChurnPrediction
	snapshots    []store.AbandonmentSnapshot
	intervention []store.RescueIntervention
}

func (f *fakeStore) SessionSummaries(ctx context.Context, userID string, limit int) ([]store.SessionSummary, error) {
	return f.sums, nil
}

func (f *fakeStore) SessionSummary(ctx context.Context, sessionID string) (store.SessionSummary, error) {
	if f.summary == nil {
		return store.SessionSummary{}, store.ErrNotFound
	}
	return *f.summary, nil
}

func (f *fakeStore) EventsForSession(ctx context.Context, sessionID string) ([]store.InteractionEvent, error) {
	return f.events, nil
}

func (f *fakeStore) UserWords(ctx context.Context, userID, language string) ([]store.UserWord, error) {
	return f.words, nil
}

func (f *fakeStore) Profile(ctx context.Context, userID string) (store.Profile, error) {
	if f.profile.ID == "" {
		return store.Profile{}, store.ErrNotFound
	}
	return f.profile, nil
}

func (f *fakeStore) SaveChurnPrediction(ctx context.Context, p store.ChurnPrediction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.churnRows = append(f.churnRows, p)
	return "pred-1", nil
}

func (f *fakeStore) SaveAbandonmentSnapshot(ctx context.Context, snap store.AbandonmentSnapshot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return "snap-1", nil
}

func (f *fakeStore) SaveIntervention(ctx context.Context, iv store.RescueIntervention) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intervention = append(f.intervention, iv)
	return "iv-1", nil
}

func newTestPredictor(db *fakeStore) *Predictor {
	return NewPredictor(db, nil, config.Default().Churn, zerolog.Nop())
}

func TestPredictChurnNoHistory(t *testing.T) {
	db := &fakeStore{}
	p := newTestPredictor(db)

	pred, err := p.PredictChurn(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, pred.ChurnProbability)
	assert.False(t, pred.UsingModel)
	assert.False(t, pred.TriggerNotification)
	assert.Nil(t, pred.NotificationHook)
	assert.Equal(t, "heuristic", pred.ModelVersion)
	assert.Equal(t, "pred-1", pred.PredictionID)
	require.Len(t, db.churnRows, 1)
}

func TestPredictChurnActiveLearner(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeStore{sums: []store.SessionSummary{
		session("u1", now.Add(-20*time.Hour), true),
		session("u1", now.AddDate(0, 0, -2), true),
		session("u1", now.AddDate(0, 0, -3), true),
		session("u1", now.AddDate(0, 0, -4), true),
	}}
	p := newTestPredictor(db)

	pred, err := p.PredictChurn(context.Background(), "u1")
	require.NoError(t, err)
	assert.Less(t, pred.ChurnProbability, 0.7)
	assert.False(t, pred.TriggerNotification)
	assert.False(t, pred.UsingModel)
	assert.NotEmpty(t, pred.Features)

	require.Len(t, db.churnRows, 1)
	row := db.churnRows[0]
	assert.Equal(t, now.Format("2006-01-02"), row.PredictionDate)
	assert.Equal(t, pred.ChurnProbability, row.ChurnProbability)
}

func TestPredictChurnTriggersNotification(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeStore{
		sums:    []store.SessionSummary{session("u1", now.AddDate(0, 0, -10), false)},
		words:   wordRows(120),
		profile: store.Profile{ID: "u1", TargetLanguage: "French"},
	}
	p := newTestPredictor(db)

	pred, err := p.PredictChurn(context.Background(), "u1")
	require.NoError(t, err)
	// 10 days quiet, no streak, no habit: 0.85 + 0.15 clamped to 1.0.
	assert.Equal(t, 1.0, pred.ChurnProbability)
	assert.True(t, pred.TriggerNotification)
	require.NotNil(t, pred.NotificationHook)
	assert.NotContains(t, *pred.NotificationHook, "{", "all placeholders substituted")

	require.Len(t, db.churnRows, 1)
	assert.True(t, db.churnRows[0].TriggerNotification)
	require.NotNil(t, db.churnRows[0].NotificationHook)
}

func TestPredictChurnUsesModelWhenBacked(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeStore{sums: []store.SessionSummary{session("u1", now.AddDate(0, 0, -2), true)}}
	p := newTestPredictor(db)

	// Under-backed artifact stays on the heuristic.
	p.installPre(&Model{
		Version: "v-small", Weights: make([]float64, preFeatureDim+1),
		Mean: make([]float64, preFeatureDim), Std: make([]float64, preFeatureDim),
		Samples: 10,
	})
	pred, err := p.PredictChurn(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, pred.UsingModel)
	assert.Equal(t, "heuristic", pred.ModelVersion)

	p.installPre(&Model{
		Version: "v-full", Weights: make([]float64, preFeatureDim+1),
		Mean: make([]float64, preFeatureDim), Std: make([]float64, preFeatureDim),
		Samples: 800,
	})
	pred, err = p.PredictChurn(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, pred.UsingModel)
	assert.Equal(t, "v-full", pred.ModelVersion)
	assert.Equal(t, 0.5, pred.ChurnProbability, "zero weights sit at the decision boundary")
}

func TestPredictAbandonmentEmptySession(t *testing.T) {
	db := &fakeStore{}
	p := newTestPredictor(db)

	risk, err := p.PredictAbandonment(context.Background(), "u1", "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.3, risk.AbandonmentProbability)
	assert.False(t, risk.ShouldIntervene)
	assert.Equal(t, 5, risk.CheckAgainInWords)
	require.Len(t, db.snapshots, 1)
	assert.Zero(t, db.snapshots[0].WordsCompletedSoFar)
}

func TestPredictAbandonmentIntervenes(t *testing.T) {
	now := time.Now().UTC()
	no := false
	var events []store.InteractionEvent
	for i := 0; i < 8; i++ {
		events = append(events, store.InteractionEvent{
			Correct:        &no,
			ResponseTimeMs: 3000,
			CreatedAt:      now.Add(time.Duration(i-8) * time.Minute),
		})
	}
	db := &fakeStore{events: events}
	p := newTestPredictor(db)

	risk, err := p.PredictAbandonment(context.Background(), "u1", "sess-1", 30)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, risk.AbandonmentProbability, 0.65)
	assert.True(t, risk.ShouldIntervene)
	require.NotNil(t, risk.Intervention)
	assert.Equal(t, "shorten_session", risk.Intervention.Type, "tied scores resolve by priority order")

	require.Len(t, db.snapshots, 1)
	snap := db.snapshots[0]
	assert.Equal(t, 8, snap.WordsCompletedSoFar)
	require.NotNil(t, snap.RecommendedIntervention)
	assert.Equal(t, "shorten_session", *snap.RecommendedIntervention)

	require.Len(t, db.intervention, 1)
	assert.Equal(t, risk.AbandonmentProbability, db.intervention[0].TriggerProbability)
}

func TestPredictAbandonmentCalmSession(t *testing.T) {
	now := time.Now().UTC()
	yes := true
	events := []store.InteractionEvent{
		{Correct: &yes, ResponseTimeMs: 1500, CreatedAt: now.Add(-3 * time.Minute)},
		{Correct: &yes, ResponseTimeMs: 1400, CreatedAt: now.Add(-2 * time.Minute)},
		{Correct: &yes, ResponseTimeMs: 1450, CreatedAt: now.Add(-time.Minute)},
	}
	db := &fakeStore{events: events}
	p := newTestPredictor(db)

	risk, err := p.PredictAbandonment(context.Background(), "u1", "sess-1", 20)
	require.NoError(t, err)
	assert.Less(t, risk.AbandonmentProbability, 0.65)
	assert.False(t, risk.ShouldIntervene)
	assert.Nil(t, risk.Intervention)
	assert.Empty(t, db.intervention)
}
