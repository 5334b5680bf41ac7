// Package types holds the small set of domain values shared across services.
package types

import "time"

// Action is an activity the router can recommend.
type Action string

const (
	ActionStoryEngine          Action = "story_engine"
	ActionAnkiDrill            Action = "anki_drill"
	ActionGrammarLesson        Action = "grammar_lesson"
	ActionPronunciationSession Action = "pronunciation_session"
	ActionConjugationDrill     Action = "conjugation_drill"
	ActionRest                 Action = "rest"
)

// Actions lists every routable action. Index order is the arm/logit order
// used by the bandit and the policy network, so it must stay stable.
var Actions = []Action{
	ActionStoryEngine,
	ActionAnkiDrill,
	ActionGrammarLesson,
	ActionPronunciationSession,
	ActionConjugationDrill,
	ActionRest,
}

// ActionIndex returns the arm index for an action, or -1 when unknown.
func ActionIndex(a Action) int {
	for i, v := range Actions {
		if v == a {
			return i
		}
	}
	return -1
}

// ModuleSources are the learning modules events can originate from.
var ModuleSources = []string{
	"flashcard",
	"sentence_build",
	"listening",
	"story",
	"conversation",
	"grammar_drill",
	"pronunciation",
	"placement_test",
}

// TimeBuckets partition the day for feature engineering.
var TimeBuckets = []string{"morning", "afternoon", "evening", "night"}

// TimeBucket maps an hour of day to its bucket name.
func TimeBucket(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// CEFRLevels in ascending order. Ordinal position is the feature encoding.
var CEFRLevels = []string{"A0", "A1", "A2", "B1", "B2", "C1", "C2"}

// GoalCategories accepted on signup profiles.
var GoalCategories = []string{"conversational", "formal", "travel", "business"}

// WordState is the per-word output of the knowledge tracer.
type WordState struct {
	WordID     string  `json:"wordId"`
	PRecall    float64 `json:"pRecall"`
	PForget48h float64 `json:"pForget48h"`
	PForget7d  float64 `json:"pForget7d"`
}

// KnowledgeState is the tracer's response for one learner.
type KnowledgeState struct {
	WordStates     []WordState        `json:"wordStates"`
	ConceptMastery map[string]float64 `json:"conceptMastery"`
	EventCount     int                `json:"eventCount"`
	UsingFallback  bool               `json:"usingFallback"`
}

// DaysBetween returns whole days from a to b, never negative.
func DaysBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}
