package router

import (
	"fmt"

	"github.com/fluentloop/synapse/internal/types"
)

// choice is one routing recommendation before persistence.
type choice struct {
	module        types.Action
	targetWords   []string
	targetConcept string
	reason        string
	confidence    float64
}

const (
	grammarMasteryThreshold = 0.3
	restLoadThreshold       = 0.85
)

// ruleRoute is the deterministic cascade used below the cold-start event
// threshold and whenever no learned policy can serve. Rules fire in
// priority order; the first match wins.
func (e *Engine) ruleRoute(st *learnerState) choice {
	if st.avgProduction < lowProductionThreshold || len(st.lowProductionWordIDs) > 0 {
		targets := capWords(st.lowProductionWordIDs, e.cfg.MaxTargetWords)
		return choice{
			module:      types.ActionConjugationDrill,
			targetWords: targets,
			reason: fmt.Sprintf(
				"Production score (%.0f%%) is below threshold (%.0f%%); drilling %d weak words.",
				st.avgProduction*100, lowProductionThreshold*100, len(targets)),
			confidence: 0.7,
		}
	}

	if st.avgPronunciation < lowPronunciationThreshold || len(st.lowPronunciationWordIDs) > 0 {
		targets := capWords(st.lowPronunciationWordIDs, e.cfg.MaxTargetWords)
		return choice{
			module:      types.ActionPronunciationSession,
			targetWords: targets,
			reason: fmt.Sprintf(
				"Pronunciation score (%.0f%%) is below threshold (%.0f%%); practising %d words.",
				st.avgPronunciation*100, lowPronunciationThreshold*100, len(targets)),
			confidence: 0.7,
		}
	}

	if st.weakestConceptTag != "" && st.weakestConceptScore < grammarMasteryThreshold {
		return choice{
			module:        types.ActionGrammarLesson,
			targetConcept: st.weakestConceptTag,
			reason: fmt.Sprintf(
				"Grammar concept '%s' has mastery (%.0f%%) below threshold (%.0f%%).",
				st.weakestConceptTag, st.weakestConceptScore*100, grammarMasteryThreshold*100),
			confidence: 0.65,
		}
	}

	if st.lastSessionLoad > restLoadThreshold {
		return choice{
			module: types.ActionRest,
			reason: fmt.Sprintf(
				"Cognitive load from last session was high (%.0f%%); suggesting a break to avoid burnout.",
				st.lastSessionLoad*100),
			confidence: 0.6,
		}
	}

	return choice{
		module:     types.ActionStoryEngine,
		reason:     "Default recommendation: immersive story practice.",
		confidence: 0.5,
	}
}

func capWords(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}
