package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluentloop/synapse/internal/store"
)

func TestTriggerSessionRepeatErrors(t *testing.T) {
	word := store.UserWord{Status: "learning"}
	events := []store.InteractionEvent{
		ev(false, "typing", "flashcards", 2000),
		ev(true, "typing", "flashcards", 2000),
		ev(false, "typing", "flashcards", 2500),
	}
	res := checkTrigger(word, events)
	assert.True(t, res.ShouldFire)
	assert.Equal(t, "session_repeat_errors", res.Reason)
	assert.Equal(t, 2, res.ErrorCount)
}

func TestTriggerHighExposureLowRecognition(t *testing.T) {
	ease := 1.3
	word := store.UserWord{
		Status:          "new",
		EaseFactor:      &ease,
		ExposureCount:   8,
		ProductionScore: 10,
	}
	// One error is below the repeat threshold; the exposure condition
	// fires instead. Score: 0.40*0 + 0.30*0.1 + 0.30*0 = 0.03.
	res := checkTrigger(word, []store.InteractionEvent{ev(false, "typing", "flashcards", 2000)})
	assert.True(t, res.ShouldFire)
	assert.Equal(t, "high_exposure_low_recognition", res.Reason)
	assert.InDelta(t, 0.03, res.RecognitionScore, 1e-9)
}

func TestTriggerNoFire(t *testing.T) {
	word := store.UserWord{Status: "mastered", ExposureCount: 20, ProductionScore: 90}
	res := checkTrigger(word, []store.InteractionEvent{ev(true, "typing", "flashcards", 1500)})
	assert.False(t, res.ShouldFire)
	assert.Equal(t, "no_trigger", res.Reason)
}

func TestRecognitionScoreDefaultsEase(t *testing.T) {
	// Missing ease factor reads as the SM-2 default 2.5, which
	// normalises to 1.0.
	word := store.UserWord{Status: "known", ProductionScore: 50}
	score := recognitionScore(word)
	assert.InDelta(t, 0.40*1.0+0.30*0.5+0.30*0.6, score, 1e-9)
}
