package churn

import (
	"time"

	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

const (
	preFeatureDim = 10
	midFeatureDim = 5

	// streakLookback bounds the session history scanned for the streak.
	streakLookback = 60

	// defaultLoad stands in when no cognitive load estimate exists.
	defaultLoad = 0.5
)

// preFeatures is the pre-session churn feature vector.
type preFeatures struct {
	DaysSinceLastSession float64
	CurrentStreakDays    float64
	LastSessionLoad      float64
	LastSessionDone      float64
	AvgSessionsPerWeek   float64
	DayOfWeek            float64
	Morning              float64
	Afternoon            float64
	Evening              float64
	Night                float64
}

func (f preFeatures) vector() []float64 {
	return []float64{
		f.DaysSinceLastSession, f.CurrentStreakDays, f.LastSessionLoad,
		f.LastSessionDone, f.AvgSessionsPerWeek, f.DayOfWeek,
		f.Morning, f.Afternoon, f.Evening, f.Night,
	}
}

func (f preFeatures) asMap() map[string]float64 {
	return map[string]float64{
		"daysSinceLastSession":     round4(f.DaysSinceLastSession),
		"currentStreakDays":        f.CurrentStreakDays,
		"lastSessionCognitiveLoad": round4(f.LastSessionLoad),
		"lastSessionCompletion":    f.LastSessionDone,
		"avgSessionsPerWeek":       round4(f.AvgSessionsPerWeek),
		"dayOfWeek":                f.DayOfWeek,
		"morning":                  f.Morning,
		"afternoon":                f.Afternoon,
		"evening":                  f.Evening,
		"night":                    f.Night,
	}
}

// buildPreFeatures derives the churn vector from the learner's session
// history, most recent first, as of now.
func buildPreFeatures(sums []store.SessionSummary, now time.Time) preFeatures {
	last := sums[0]
	f := preFeatures{
		DaysSinceLastSession: now.Sub(last.StartedAt).Hours() / 24,
		CurrentStreakDays:    float64(streakDays(sums, now)),
		LastSessionLoad:      defaultLoad,
		AvgSessionsPerWeek:   sessionsPerWeek(sums, now),
		DayOfWeek:            float64(now.Weekday()),
	}
	if last.EstimatedCognitiveLoad != nil {
		f.LastSessionLoad = *last.EstimatedCognitiveLoad
	}
	if last.CompletedSession {
		f.LastSessionDone = 1
	}
	switch types.TimeBucket(now.Hour()) {
	case "morning":
		f.Morning = 1
	case "afternoon":
		f.Afternoon = 1
	case "evening":
		f.Evening = 1
	default:
		f.Night = 1
	}
	return f
}

// streakDays counts consecutive practice days walking back from
// yesterday. Today is deliberately excluded so an unbroken streak does
// not read as broken before the learner's daily session.
func streakDays(sums []store.SessionSummary, now time.Time) int {
	seen := make(map[string]bool, len(sums))
	for i, sum := range sums {
		if i >= streakLookback {
			break
		}
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

// sessionsPerWeek averages the last 28 days of sessions over 4 weeks.
func sessionsPerWeek(sums []store.SessionSummary, now time.Time) float64 {
	cutoff := now.AddDate(0, 0, -28)
	n := 0
	for _, sum := range sums {
		if sum.StartedAt.After(cutoff) {
			n++
		}
	}
	return float64(n) / 4
}

// heuristicChurn is the rule fallback served until a model trains.
func heuristicChurn(f preFeatures) float64 {
	var p float64
	switch {
	case f.DaysSinceLastSession <= 1:
		p = 0.15
	case f.DaysSinceLastSession <= 3:
		p = 0.40
	case f.DaysSinceLastSession <= 7:
		p = 0.65
	default:
		p = 0.85
	}
	p -= min(f.CurrentStreakDays*0.02, 0.2)
	if f.AvgSessionsPerWeek < 1 {
		p += 0.15
	} else if f.AvgSessionsPerWeek < 3 {
		p += 0.05
	}
	return round4(clamp01(p))
}

// midFeatures is the mid-session abandonment feature vector.
type midFeatures struct {
	ConsecutiveErrors float64
	ResponseTimeTrend float64
	SessionDurationMs float64
	CognitiveLoad     float64
	WordsRemaining    float64
}

func (f midFeatures) vector() []float64 {
	return []float64{
		f.ConsecutiveErrors, f.ResponseTimeTrend, f.SessionDurationMs,
		f.CognitiveLoad, f.WordsRemaining,
	}
}

func (f midFeatures) asMap() map[string]float64 {
	return map[string]float64{
		"consecutiveErrors": f.ConsecutiveErrors,
		"responseTimeTrend": round4(f.ResponseTimeTrend),
		"sessionDurationMs": f.SessionDurationMs,
		"cognitiveLoad":     round4(f.CognitiveLoad),
		"wordsRemaining":    f.WordsRemaining,
	}
}

// buildMidFeatures derives the abandonment vector from the session's
// event stream, oldest first. totalWords comes from the session plan
// when known; zero falls back to twice the words completed.
func buildMidFeatures(events []store.InteractionEvent, totalWords int, now time.Time) midFeatures {
	done := len(events)
	if totalWords <= 0 {
		totalWords = done * 2
	}

	f := midFeatures{
		ConsecutiveErrors: float64(trailingErrors(events)),
		ResponseTimeTrend: responseTimeTrend(events),
		CognitiveLoad:     sessionLoad(events),
		WordsRemaining:    float64(max(totalWords-done, 0)),
	}
	if done > 0 {
		f.SessionDurationMs = now.Sub(events[0].CreatedAt).Seconds() * 1000
	}
	return f
}

// trailingErrors counts the unbroken run of incorrect answers at the
// end of the session.
func trailingErrors(events []store.InteractionEvent) int {
	n := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].WasCorrect() {
			break
		}
		n++
	}
	return n
}

// responseTimeTrend is the average of the last three response times
// minus the average of the first three. Positive means the learner is
// slowing down. Sessions under three events have no trend.
func responseTimeTrend(events []store.InteractionEvent) float64 {
	if len(events) < 3 {
		return 0
	}
	var head, tail float64
	for i := 0; i < 3; i++ {
		head += events[i].ResponseTimeMs
		tail += events[len(events)-3+i].ResponseTimeMs
	}
	return (tail - head) / 3
}

// sessionLoad reads the in-session fatigue proxy from the latest event
// that carries one.
func sessionLoad(events []store.InteractionEvent) float64 {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].FatigueProxy > 0 {
			return events[i].FatigueProxy
		}
	}
	return defaultLoad
}

// heuristicAbandonment is the rule fallback for mid-session risk.
func heuristicAbandonment(f midFeatures) float64 {
	var p float64
	switch {
	case f.ConsecutiveErrors >= 5:
		p = 0.75
	case f.ConsecutiveErrors >= 3:
		p = 0.50
	case f.ConsecutiveErrors >= 1:
		p = 0.25
	default:
		p = 0.10
	}

	switch {
	case f.ResponseTimeTrend > 2000:
		p += 0.20
	case f.ResponseTimeTrend > 1000:
		p += 0.10
	case f.ResponseTimeTrend > 500:
		p += 0.05
	}

	p += max(f.CognitiveLoad-0.6, 0) * 0.3

	minutes := f.SessionDurationMs / 60000
	switch {
	case minutes > 30:
		p += 0.15
	case minutes > 20:
		p += 0.08
	}

	switch {
	case f.WordsRemaining <= 3:
		p -= 0.15
	case f.WordsRemaining <= 5:
		p -= 0.08
	}

	return round4(clamp01(p))
}
