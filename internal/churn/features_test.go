package churn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluentloop/synapse/internal/store"
)

func session(userID string, startedAt time.Time, completed bool) store.SessionSummary {
	return store.SessionSummary{
		UserID:           userID,
		SessionID:        "sess-" + startedAt.Format("0102-1504"),
		StartedAt:        startedAt,
		CompletedSession: completed,
	}
}

func TestHeuristicChurnTiers(t *testing.T) {
	cases := []struct {
		name string
		f    preFeatures
		want float64
	}{
		{"practiced yesterday", preFeatures{DaysSinceLastSession: 0.5, AvgSessionsPerWeek: 4}, 0.15},
		{"two days quiet", preFeatures{DaysSinceLastSession: 2, AvgSessionsPerWeek: 4}, 0.40},
		{"week fading", preFeatures{DaysSinceLastSession: 6, AvgSessionsPerWeek: 4}, 0.65},
		{"gone", preFeatures{DaysSinceLastSession: 12, AvgSessionsPerWeek: 4}, 0.85},
		{"streak protects", preFeatures{DaysSinceLastSession: 2, CurrentStreakDays: 5, AvgSessionsPerWeek: 4}, 0.30},
		{"streak discount capped", preFeatures{DaysSinceLastSession: 12, CurrentStreakDays: 30, AvgSessionsPerWeek: 4}, 0.65},
		{"sparse habit", preFeatures{DaysSinceLastSession: 2, AvgSessionsPerWeek: 0.5}, 0.55},
		{"light habit", preFeatures{DaysSinceLastSession: 2, AvgSessionsPerWeek: 2}, 0.45},
		{"clamped high", preFeatures{DaysSinceLastSession: 30, AvgSessionsPerWeek: 0}, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, heuristicChurn(tc.f), 1e-9)
		})
	}
}

func TestStreakDays(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	var sums []store.SessionSummary
	for d := 1; d <= 4; d++ {
		sums = append(sums, session("u1", now.AddDate(0, 0, -d), true))
	}
	assert.Equal(t, 4, streakDays(sums, now))

	// A hole two days back cuts the streak at one.
	gapped := []store.SessionSummary{
		session("u1", now.AddDate(0, 0, -1), true),
		session("u1", now.AddDate(0, 0, -3), true),
	}
	assert.Equal(t, 1, streakDays(gapped, now))

	// A session today alone is no streak yet.
	today := []store.SessionSummary{session("u1", now.Add(-time.Hour), true)}
	assert.Equal(t, 0, streakDays(today, now))
}

func TestBuildPreFeatures(t *testing.T) {
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC) // a Wednesday morning
	load := 0.72
	last := session("u1", now.Add(-36*time.Hour), true)
	last.EstimatedCognitiveLoad = &load

	f := buildPreFeatures([]store.SessionSummary{
		last,
		session("u1", now.AddDate(0, 0, -10), false),
		session("u1", now.AddDate(0, 0, -40), true),
	}, now)

	assert.InDelta(t, 1.5, f.DaysSinceLastSession, 1e-9)
	assert.Equal(t, 0.72, f.LastSessionLoad)
	assert.Equal(t, 1.0, f.LastSessionDone)
	assert.InDelta(t, 0.5, f.AvgSessionsPerWeek, 1e-9, "two sessions inside 28 days")
	assert.Equal(t, float64(time.Wednesday), f.DayOfWeek)
	assert.Equal(t, 1.0, f.Morning)
	assert.Zero(t, f.Night)
}

func TestTrailingErrorsAndTrend(t *testing.T) {
	yes, no := true, false
	mk := func(correct *bool, rt float64) store.InteractionEvent {
		return store.InteractionEvent{Correct: correct, ResponseTimeMs: rt}
	}

	events := []store.InteractionEvent{
		mk(&yes, 2000), mk(&yes, 2200), mk(&yes, 1800),
		mk(&no, 4000), mk(&no, 5000), mk(&no, 6000),
	}
	assert.Equal(t, 3, trailingErrors(events))
	assert.InDelta(t, 3000, responseTimeTrend(events), 1e-9)

	assert.Equal(t, 0, trailingErrors([]store.InteractionEvent{mk(&yes, 1000)}))
	assert.Zero(t, responseTimeTrend(events[:2]), "no trend under three events")
}

func TestHeuristicAbandonmentTiers(t *testing.T) {
	cases := []struct {
		name string
		f    midFeatures
		want float64
	}{
		{"calm session", midFeatures{CognitiveLoad: 0.5, WordsRemaining: 8}, 0.10},
		{"one slip", midFeatures{ConsecutiveErrors: 1, CognitiveLoad: 0.5, WordsRemaining: 8}, 0.25},
		{"error run", midFeatures{ConsecutiveErrors: 3, CognitiveLoad: 0.5, WordsRemaining: 8}, 0.50},
		{"spiralling", midFeatures{ConsecutiveErrors: 5, CognitiveLoad: 0.5, WordsRemaining: 8}, 0.75},
		{"slowing hard", midFeatures{ResponseTimeTrend: 2500, CognitiveLoad: 0.5, WordsRemaining: 8}, 0.30},
		{"overloaded", midFeatures{CognitiveLoad: 0.9, WordsRemaining: 8}, 0.19},
		{"marathon", midFeatures{SessionDurationMs: 31 * 60000, CognitiveLoad: 0.5, WordsRemaining: 8}, 0.25},
		{"almost done", midFeatures{ConsecutiveErrors: 3, CognitiveLoad: 0.5, WordsRemaining: 2}, 0.35},
		{"home stretch", midFeatures{ConsecutiveErrors: 3, CognitiveLoad: 0.5, WordsRemaining: 5}, 0.42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, heuristicAbandonment(tc.f), 1e-9)
		})
	}
}

func TestBuildMidFeatures(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	yes := true
	events := make([]store.InteractionEvent, 0, 6)
	for i := 0; i < 6; i++ {
		events = append(events, store.InteractionEvent{
			Correct:        &yes,
			ResponseTimeMs: 2000,
			FatigueProxy:   0.65,
			CreatedAt:      now.Add(time.Duration(i-10) * time.Minute),
		})
	}

	f := buildMidFeatures(events, 20, now)
	assert.Equal(t, 14.0, f.WordsRemaining)
	assert.Equal(t, 0.65, f.CognitiveLoad)
	assert.InDelta(t, 10*60000, f.SessionDurationMs, 1e-6)

	// Unknown plan length assumes the learner is halfway through.
	f = buildMidFeatures(events, 0, now)
	assert.Equal(t, 6.0, f.WordsRemaining)
}
