// Package feedback detects why a learner keeps missing a word and
// composes a personalized explanation, with an LLM provider filling in
// the prose when one is reachable.
package feedback

import (
	"github.com/fluentloop/synapse/internal/store"
)

// Trigger thresholds. Feedback fires on repeated in-session errors or
// on a word that stays unrecognised despite heavy exposure.
const (
	sessionErrorRepeatThreshold = 2
	exposureCountThreshold      = 5
	recognitionScoreThreshold   = 0.4
)

// TriggerResult says whether feedback should be generated and why.
type TriggerResult struct {
	ShouldFire       bool    `json:"shouldFire"`
	Reason           string  `json:"reason"`
	ErrorCount       int     `json:"errorCountInSession"`
	ExposureCount    int     `json:"exposureCount"`
	RecognitionScore float64 `json:"recognitionScore"`
}

// checkTrigger evaluates the two trigger conditions for a word given
// its SRS row and this session's interactions with it.
func checkTrigger(word store.UserWord, sessionEvents []store.InteractionEvent) TriggerResult {
	errors := 0
	for _, ev := range sessionEvents {
		if !ev.WasCorrect() {
			errors++
		}
	}
	score := recognitionScore(word)

	res := TriggerResult{
		ErrorCount:       errors,
		ExposureCount:    word.ExposureCount,
		RecognitionScore: round3(score),
	}
	if errors >= sessionErrorRepeatThreshold {
		res.ShouldFire = true
		res.Reason = "session_repeat_errors"
		return res
	}
	if word.ExposureCount > exposureCountThreshold && score < recognitionScoreThreshold {
		res.ShouldFire = true
		res.Reason = "high_exposure_low_recognition"
		return res
	}
	res.Reason = "no_trigger"
	return res
}

// statusWeights maps SRS status to its recognition contribution.
var statusWeights = map[string]float64{
	"new":      0.0,
	"learning": 0.2,
	"known":    0.6,
	"mastered": 0.9,
}

// recognitionScore approximates recognition on a 0..1 scale from the
// SM-2 ease factor (1.3..2.5 normalised), the production score (0..100)
// and the status weight, blended 40/30/30.
func recognitionScore(word store.UserWord) float64 {
	ease := clamp01((word.Ease() - 1.3) / 1.2)
	prod := word.ProductionScore / 100.0
	return 0.40*ease + 0.30*prod + 0.30*statusWeights[word.Status]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
