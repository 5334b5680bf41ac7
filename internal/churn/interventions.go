package churn

import (
	"context"
	"math"
)

// vocabMilestones are the word counts worth celebrating.
var vocabMilestones = []int{100, 250, 500, 750, 1000, 1500, 2000}

// milestoneWindow is how close (in words) a learner must be to a
// milestone for the celebration bonus.
const milestoneWindow = 20

// Intervention is one candidate rescue action for a session at risk.
type Intervention struct {
	Type    string         `json:"type"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// pickIntervention scores every applicable rescue action against the
// session state and returns the strongest one. At least suggest_break
// or celebrate_micro_progress usually applies; a session with no
// applicable action at all returns nil.
func (p *Predictor) pickIntervention(ctx context.Context, userID string, f midFeatures) *Intervention {
	totalWords := 0
	if words, err := p.db.UserWords(ctx, userID, ""); err == nil {
		totalWords = len(words)
	}

	var candidates []Intervention

	if f.WordsRemaining > 3 {
		score := 0.8
		if f.WordsRemaining > 10 {
			score += 0.1
		}
		if f.CognitiveLoad > 0.7 {
			score += 0.1
		}
		candidates = append(candidates, Intervention{
			Type:  "shorten_session",
			Score: score,
			Payload: map[string]any{
				"newWordTarget": max(1, int(math.Floor(f.WordsRemaining*0.5))),
				"shortenFactor": 0.5,
			},
		})
	}

	if f.ConsecutiveErrors >= 2 {
		score := 0.7
		if f.ConsecutiveErrors >= 4 {
			score += 0.2
		}
		candidates = append(candidates, Intervention{
			Type:  "switch_easier_content",
			Score: score,
			Payload: map[string]any{
				"easyRecognitionThreshold": 0.7,
			},
		})
	}

	if f.ResponseTimeTrend > 500 || f.CognitiveLoad > 0.75 {
		score := 0.6
		if f.ResponseTimeTrend > 1500 {
			score += 0.15
		}
		candidates = append(candidates, Intervention{
			Type:  "switch_module",
			Score: score,
			Payload: map[string]any{
				"suggestedModule": "flashcard",
			},
		})
	}

	if totalWords > 0 {
		score := 0.5
		if milestone, near := nearMilestone(totalWords); near {
			score += 0.2
			candidates = append(candidates, Intervention{
				Type:  "celebrate_micro_progress",
				Score: score,
				Payload: map[string]any{
					"totalWords":    totalWords,
					"nextMilestone": milestone,
				},
			})
		} else {
			candidates = append(candidates, Intervention{
				Type:  "celebrate_micro_progress",
				Score: score,
				Payload: map[string]any{
					"totalWords": totalWords,
				},
			})
		}
	}

	if f.SessionDurationMs >= 25*60000 {
		score := 0.55
		if f.SessionDurationMs >= 35*60000 {
			score += 0.15
		}
		candidates = append(candidates, Intervention{
			Type:  "suggest_break",
			Score: score,
			Payload: map[string]any{
				"breakMinutes": 5,
			},
		})
	}

	if len(candidates) == 0 {
		return nil
	}

	// Declaration order is the fixed priority order, so the first max
	// wins ties.
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return &best
}

// nearMilestone reports the closest vocabulary milestone within the
// celebration window.
func nearMilestone(totalWords int) (int, bool) {
	for _, m := range vocabMilestones {
		if totalWords >= m-milestoneWindow && totalWords <= m+milestoneWindow {
			return m, true
		}
	}
	return 0, false
}
