package story

import (
	"math"
	"sort"
	"time"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/store"
)

const (
	// easeFloor and easeCeil bound the SRS ease range projected onto the
	// 0-100 recognition scale.
	easeFloor = 1.3
	easeCeil  = 3.0

	// overdueSaturationDays is where the forgetting fallback maxes out:
	// a word two weeks past its review counts as certainly forgotten.
	overdueSaturationDays = 14.0

	// frequencyCeiling is the rank at which the known-fill frequency
	// bonus reaches zero. Words with no rank are treated as rare.
	frequencyCeiling = 5000.0
)

// ScoreComponents is the per-signal breakdown behind a due word's score.
type ScoreComponents struct {
	Forgetting    float64 `json:"forgetting"`
	Recency       float64 `json:"recency"`
	ProductionGap float64 `json:"productionGap"`
	Variety       float64 `json:"variety"`
	Thematic      float64 `json:"thematic"`
}

// ScoredWord is one due-pool candidate with its ranking breakdown.
type ScoredWord struct {
	WordID     string          `json:"wordId"`
	Word       string          `json:"word"`
	Lemma      string          `json:"lemma,omitempty"`
	Status     string          `json:"status"`
	Score      float64         `json:"score"`
	Components ScoreComponents `json:"components"`
}

// signals carries the per-request context every scoring component reads.
type signals struct {
	now time.Time
	// forgetProbs maps user_words row ids to the tracer's pForget48h.
	// Empty when the tracer is untrained or unreachable.
	forgetProbs map[string]float64
	// recentSessions holds reviewed-word sets, most recent session first.
	recentSessions []map[string]bool
	// storyRecent holds word ids the story engine surfaced lately.
	storyRecent map[string]bool
	pref        []float64
}

// scoreDueWords ranks the due pool, strongest candidate first. Totals
// mix the raw component values; the stored breakdown is rounded for the
// response.
func scoreDueWords(words []store.UserWord, sig signals, cfg config.StoryConfig) []ScoredWord {
	scored := make([]ScoredWord, 0, len(words))
	for _, w := range words {
		forget := forgettingRisk(w, sig.forgetProbs, sig.now)
		recency := recencyPenalty(w.ID, sig.recentSessions)
		gap := productionGap(w)
		variety := varietyBonus(w.ID, sig.storyRecent)
		thematic := Relevance(sig.pref, w.Tags)

		total := cfg.ForgettingWeight*forget +
			cfg.RecencyWeight*recency +
			cfg.ProductionGapWeight*gap +
			cfg.VarietyWeight*variety +
			cfg.ThematicWeight*thematic

		scored = append(scored, ScoredWord{
			WordID: w.ID,
			Word:   w.Word,
			Lemma:  w.Lemma,
			Status: w.Status,
			Score:  round(total, 6),
			Components: ScoreComponents{
				Forgetting:    round(forget, 4),
				Recency:       round(recency, 4),
				ProductionGap: round(gap, 4),
				Variety:       round(variety, 4),
				Thematic:      round(thematic, 4),
			},
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// forgettingRisk is the probability the learner loses the word within
// 48 hours. The tracer supplies it when trained; otherwise overdue time
// stands in, saturating two weeks past the scheduled review. Words with
// no review date sit at moderate risk.
func forgettingRisk(w store.UserWord, forgetProbs map[string]float64, now time.Time) float64 {
	if p, ok := forgetProbs[w.ID]; ok {
		return p
	}
	if w.NextReview == nil {
		return 0.5
	}
	overdue := now.Sub(*w.NextReview).Hours() / 24
	if overdue <= 0 {
		return 0.0
	}
	return min(overdue/overdueSaturationDays, 1.0)
}

// recencyPenalty discounts words the learner just reviewed. Appearing
// in the most recent session zeroes the component; a word absent from
// the whole window keeps the full 1.0.
func recencyPenalty(wordID string, recentSessions []map[string]bool) float64 {
	for i, session := range recentSessions {
		if session[wordID] {
			return float64(i) / float64(len(recentSessions))
		}
	}
	return 1.0
}

// productionGap measures recognition running ahead of production: the
// ease factor projected onto a 0-100 scale, minus the stored production
// score. A word the learner recognizes instantly but cannot produce
// scores near 1.0.
func productionGap(w store.UserWord) float64 {
	recognition := min(max((w.Ease()-easeFloor)/(easeCeil-easeFloor)*100, 0), 100)
	gap := max(recognition-w.ProductionScore, 0) / 100
	return min(gap, 1.0)
}

// varietyBonus rewards words the story engine has not surfaced lately.
func varietyBonus(wordID string, storyRecent map[string]bool) float64 {
	if storyRecent[wordID] {
		return 0.0
	}
	return 1.0
}

// knownFillScore ranks known-pool candidates by thematic fit plus small
// variety and frequency nudges. Common words are favoured slightly
// because they keep the surrounding prose readable.
func knownFillScore(w store.UserWord, sig signals) float64 {
	score := Relevance(sig.pref, w.Tags)
	if !sig.storyRecent[w.ID] {
		score += 0.1
	}
	rank := frequencyCeiling
	if w.FrequencyRank != nil && *w.FrequencyRank > 0 {
		rank = float64(*w.FrequencyRank)
	}
	score += max(0, 0.1*(1-rank/frequencyCeiling))
	return score
}

// round to n decimal places.
func round(v float64, places int) float64 {
	f := math.Pow(10, float64(places))
	return math.Round(v*f) / f
}
