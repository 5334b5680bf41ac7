package feedback

import (
	"fmt"
	"math"

	"github.com/fluentloop/synapse/internal/store"
)

// Pattern names, checked in order. The first match wins.
const (
	PatternEarlyLearning     = "early_learning"
	PatternProductionGap     = "production_gap"
	PatternContextualization = "contextualization"
	PatternSlowRecognition   = "slow_recognition"
	PatternGeneralDifficulty = "general_difficulty"
)

// Pattern is one detected error pattern with supporting evidence. The
// description is written for the LLM prompt and doubles as the
// pattern-only explanation when no provider is reachable.
type Pattern struct {
	Name        string  `json:"pattern"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// modeAccuracy aggregates correctness per input mode or module source.
type modeAccuracy struct {
	correct int
	total   int
}

// detectPattern analyses the learner's full interaction history with a
// word, most recent first.
func detectPattern(events []store.InteractionEvent) Pattern {
	if len(events) < 3 {
		return Pattern{
			Name:        PatternEarlyLearning,
			Description: "Not enough interaction data to detect a specific pattern yet.",
			Confidence:  0,
		}
	}

	modeStats := aggregate(events, func(ev store.InteractionEvent) string { return ev.InputMode })
	moduleStats := aggregate(events, func(ev store.InteractionEvent) string { return ev.ModuleSource })

	if p, ok := checkProductionGap(modeStats); ok {
		return p
	}
	if p, ok := checkContextualization(moduleStats); ok {
		return p
	}
	if p, ok := checkSlowRecognition(events); ok {
		return p
	}

	correct := 0
	for _, ev := range events {
		if ev.WasCorrect() {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(events))
	return Pattern{
		Name: PatternGeneralDifficulty,
		Description: fmt.Sprintf(
			"The learner struggles with this word across all exercise types (accuracy: %.0f%% over %d attempts).",
			accuracy*100, len(events)),
		Confidence: 0.7,
	}
}

func aggregate(events []store.InteractionEvent, keyOf func(store.InteractionEvent) string) map[string]*modeAccuracy {
	stats := make(map[string]*modeAccuracy)
	for _, ev := range events {
		key := keyOf(ev)
		if key == "" {
			key = "unknown"
		}
		s := stats[key]
		if s == nil {
			s = &modeAccuracy{}
			stats[key] = s
		}
		s.total++
		if ev.WasCorrect() {
			s.correct++
		}
	}
	return stats
}

// checkProductionGap flags a learner who recognises the word passively
// but cannot produce it when typing or speaking.
func checkProductionGap(stats map[string]*modeAccuracy) (Pattern, bool) {
	passive := []string{"multiple_choice", "reading"}
	active := []string{"typing", "speaking"}

	passiveAcc, passiveTotal := groupAccuracy(stats, passive)
	activeAcc, activeTotal := groupAccuracy(stats, active)
	if passiveTotal < 2 || activeTotal < 2 {
		return Pattern{}, false
	}

	gap := passiveAcc - activeAcc
	if gap < 0.35 {
		return Pattern{}, false
	}
	return Pattern{
		Name: PatternProductionGap,
		Description: fmt.Sprintf(
			"The learner recognises this word in multiple-choice and reading (%.0f%% accuracy) "+
				"but struggles to produce it when typing or speaking (%.0f%% accuracy). "+
				"This is a production gap: they know the meaning but cannot actively recall "+
				"the spelling or pronunciation.",
			passiveAcc*100, activeAcc*100),
		Confidence: round2(math.Min(1, gap/0.5)),
	}, true
}

// checkContextualization flags a learner who knows the word in isolated
// drills but loses it inside story context.
func checkContextualization(stats map[string]*modeAccuracy) (Pattern, bool) {
	isolated := []string{"flashcards", "cloze", "conjugation", "foundation"}
	story := []string{"story_engine", "free_reading"}

	isoAcc, isoTotal := groupAccuracy(stats, isolated)
	storyAcc, storyTotal := groupAccuracy(stats, story)
	if isoTotal < 2 || storyTotal < 2 {
		return Pattern{}, false
	}

	gap := isoAcc - storyAcc
	if gap < 0.30 {
		return Pattern{}, false
	}
	return Pattern{
		Name: PatternContextualization,
		Description: fmt.Sprintf(
			"The learner knows this word in isolated drills (%.0f%% accuracy in flashcards/cloze) "+
				"but struggles when it appears in story context (%.0f%% accuracy). "+
				"They need help connecting the word to real sentence usage.",
			isoAcc*100, storyAcc*100),
		Confidence: round2(math.Min(1, gap/0.5)),
	}, true
}

// checkSlowRecognition flags recognition without automaticity. The
// answers are mostly right but the correct ones take over five seconds.
func checkSlowRecognition(events []store.InteractionEvent) (Pattern, bool) {
	var rts []float64
	correct := 0
	for _, ev := range events {
		if !ev.WasCorrect() {
			continue
		}
		correct++
		if ev.ResponseTimeMs > 0 {
			rts = append(rts, ev.ResponseTimeMs)
		}
	}
	if correct < 3 || len(rts) < 3 {
		return Pattern{}, false
	}
	accuracy := float64(correct) / float64(len(events))
	if accuracy < 0.7 {
		return Pattern{}, false
	}

	avg := 0.0
	for _, rt := range rts {
		avg += rt
	}
	avg /= float64(len(rts))
	if avg <= 5000 {
		return Pattern{}, false
	}
	return Pattern{
		Name: PatternSlowRecognition,
		Description: fmt.Sprintf(
			"The learner usually gets this word correct (%.0f%% accuracy) but takes a long time "+
				"to answer (average %.1fs). They recognise the word but haven't built automaticity. "+
				"The recall is effortful, not instant.",
			accuracy*100, avg/1000),
		Confidence: round2(math.Min(1, (avg-5000)/5000)),
	}, true
}

func groupAccuracy(stats map[string]*modeAccuracy, keys []string) (float64, int) {
	correct, total := 0, 0
	for _, k := range keys {
		if s, ok := stats[k]; ok {
			correct += s.correct
			total += s.total
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(correct) / float64(total), total
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
