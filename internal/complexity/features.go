package complexity

import (
	"context"
	"time"

	"github.com/fluentloop/synapse/internal/store"
)

const featureDim = 8

// features is the planner's input vector.
type features struct {
	PRecallAvg           float64
	LastLoad             float64
	LastCompletion       float64
	StreakDays           float64
	DaysSinceLastSession float64
	AvgSessionsPerWeek   float64
	AvgSessionMinutes    float64
	TotalSessions        float64
}

func (f features) vector() []float64 {
	return []float64{
		f.PRecallAvg, f.LastLoad, f.LastCompletion, f.StreakDays,
		f.DaysSinceLastSession, f.AvgSessionsPerWeek, f.AvgSessionMinutes,
		f.TotalSessions,
	}
}

func (f features) asMap() map[string]float64 {
	return map[string]float64{
		"pRecallAvg":               round4(f.PRecallAvg),
		"lastSessionCognitiveLoad": round4(f.LastLoad),
		"lastSessionCompletion":    f.LastCompletion,
		"streakDays":               f.StreakDays,
		"daysSinceLastSession":     round4(f.DaysSinceLastSession),
		"avgSessionsPerWeek":       round4(f.AvgSessionsPerWeek),
		"avgSessionMinutes":        round4(f.AvgSessionMinutes),
		"totalSessions":            f.TotalSessions,
	}
}

// buildFeatures assembles the vector from the session history (most
// recent first) and the tracer. Every tracer failure degrades to the
// recall default; planning never fails on a cold tracer.
func (p *Planner) buildFeatures(ctx context.Context, userID string, sums []store.SessionSummary, now time.Time) features {
	f := featuresFromSessions(sums, now)
	f.PRecallAvg = defaultRecall
	if state, err := p.dkt.KnowledgeState(ctx, userID); err == nil && !state.UsingFallback && len(state.WordStates) > 0 {
		var sum float64
		for _, ws := range state.WordStates {
			sum += ws.PRecall
		}
		f.PRecallAvg = sum / float64(len(state.WordStates))
	}
	return f
}

// featuresFromSessions derives the history-only features, shared with
// the trainer.
func featuresFromSessions(sums []store.SessionSummary, now time.Time) features {
	f := features{
		PRecallAvg:           defaultRecall,
		LastLoad:             defaultLoad,
		LastCompletion:       defaultCompletion,
		DaysSinceLastSession: defaultDaysSince,
		TotalSessions:        float64(len(sums)),
	}
	if len(sums) == 0 {
		return f
	}

	last := sums[0]
	f.DaysSinceLastSession = now.Sub(last.StartedAt).Hours() / 24
	if last.EstimatedCognitiveLoad != nil {
		f.LastLoad = *last.EstimatedCognitiveLoad
	}
	if last.CompletedSession {
		f.LastCompletion = 1
	} else {
		f.LastCompletion = 0
	}
	f.StreakDays = float64(streakDays(sums, now))

	recent := 0
	var totalMin float64
	cutoff := now.AddDate(0, 0, -28)
	for _, sum := range sums {
		totalMin += sum.SessionDurationMs / 60000
		if sum.StartedAt.After(cutoff) {
			recent++
		}
	}
	f.AvgSessionsPerWeek = float64(recent) / 4
	f.AvgSessionMinutes = totalMin / float64(len(sums))
	return f
}

// streakDays counts consecutive practice days back from yesterday.
func streakDays(sums []store.SessionSummary, now time.Time) int {
	seen := make(map[string]bool, len(sums))
	for _, sum := range sums {
		seen[sum.StartedAt.UTC().Format("2006-01-02")] = true
	}
	streak := 0
	day := now.UTC().AddDate(0, 0, -1)
	for seen[day.Format("2006-01-02")] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}
