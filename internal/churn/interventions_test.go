package churn

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/store"
)

func wordRows(n int) []store.UserWord {
	words := make([]store.UserWord, n)
	for i := range words {
		words[i] = store.UserWord{ID: "w", UserID: "u1", Status: "known"}
	}
	return words
}

func interventionPredictor(totalWords int) *Predictor {
	return NewPredictor(&fakeStore{words: wordRows(totalWords)}, nil, config.Default().Churn, zerolog.Nop())
}

func TestPickInterventionShorten(t *testing.T) {
	p := interventionPredictor(0)

	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		WordsRemaining: 12, CognitiveLoad: 0.8,
	})
	require.NotNil(t, iv)
	assert.Equal(t, "shorten_session", iv.Type)
	assert.InDelta(t, 1.0, iv.Score, 1e-9, "long remainder plus high load stacks both bonuses")
	assert.Equal(t, 6, iv.Payload["newWordTarget"])
	assert.Equal(t, 0.5, iv.Payload["shortenFactor"])
}

func TestPickInterventionErrorRunBeatsShorten(t *testing.T) {
	p := interventionPredictor(0)

	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		ConsecutiveErrors: 4, WordsRemaining: 8, CognitiveLoad: 0.5,
	})
	require.NotNil(t, iv)
	// switch_easier_content 0.9 beats shorten_session 0.8.
	assert.Equal(t, "switch_easier_content", iv.Type)
	assert.InDelta(t, 0.9, iv.Score, 1e-9)
	assert.Equal(t, 0.7, iv.Payload["easyRecognitionThreshold"])
}

func TestPickInterventionPriorityBreaksTies(t *testing.T) {
	p := interventionPredictor(0)

	// shorten_session (0.8+0.1 remaining) ties switch_easier_content
	// (0.7+0.2 errors) at 0.9; priority order keeps shorten first.
	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		ConsecutiveErrors: 4, WordsRemaining: 12, CognitiveLoad: 0.5,
	})
	require.NotNil(t, iv)
	assert.Equal(t, "shorten_session", iv.Type)
	assert.InDelta(t, 0.9, iv.Score, 1e-9)
}

func TestPickInterventionSwitchModule(t *testing.T) {
	p := interventionPredictor(0)

	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		ResponseTimeTrend: 1800, WordsRemaining: 2, CognitiveLoad: 0.5,
	})
	require.NotNil(t, iv)
	assert.Equal(t, "switch_module", iv.Type)
	assert.InDelta(t, 0.75, iv.Score, 1e-9)
	assert.Equal(t, "flashcard", iv.Payload["suggestedModule"])
}

func TestPickInterventionCelebratesMilestone(t *testing.T) {
	p := interventionPredictor(490)

	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		WordsRemaining: 2, CognitiveLoad: 0.5,
	})
	require.NotNil(t, iv)
	assert.Equal(t, "celebrate_micro_progress", iv.Type)
	assert.InDelta(t, 0.7, iv.Score, 1e-9)
	assert.Equal(t, 500, iv.Payload["nextMilestone"])
}

func TestPickInterventionSuggestBreak(t *testing.T) {
	p := interventionPredictor(0)

	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		SessionDurationMs: 36 * 60000, WordsRemaining: 2, CognitiveLoad: 0.5,
	})
	require.NotNil(t, iv)
	assert.Equal(t, "suggest_break", iv.Type)
	assert.InDelta(t, 0.7, iv.Score, 1e-9)
	assert.Equal(t, 5, iv.Payload["breakMinutes"])
}

func TestPickInterventionNothingApplies(t *testing.T) {
	p := interventionPredictor(0)

	iv := p.pickIntervention(context.Background(), "u1", midFeatures{
		WordsRemaining: 2, CognitiveLoad: 0.5,
	})
	assert.Nil(t, iv)
}

func TestNearMilestone(t *testing.T) {
	m, ok := nearMilestone(980)
	assert.True(t, ok)
	assert.Equal(t, 1000, m)

	m, ok = nearMilestone(1020)
	assert.True(t, ok)
	assert.Equal(t, 1000, m)

	_, ok = nearMilestone(600)
	assert.False(t, ok)
}
