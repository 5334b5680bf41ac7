// Package coldstart segments mature learners into k-means clusters and
// assigns new signups to the nearest one, so brand-new users inherit
// the habits of learners who look like them.
package coldstart

import (
	"sort"

	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// Feature groups, in column order: native language one-hots, target
// language one-hots, CEFR ordinal, goal multi-hots, average session
// minutes, preferred time-of-day one-hots, module preference
// distribution, forgetting steepness. Language sets are discovered from
// the training cohort; everything else is fixed-width.

// columns is the ordered feature layout discovered at training time.
type columns struct {
	Names []string `json:"names"`
	index map[string]int
}

// newColumns builds the layout from the cohort's language sets.
func newColumns(nativeLangs, targetLangs []string) *columns {
	var names []string
	for _, lang := range sortedUnique(nativeLangs) {
		names = append(names, "native_"+lang)
	}
	for _, lang := range sortedUnique(targetLangs) {
		names = append(names, "target_"+lang)
	}
	names = append(names, "cefr_ordinal")
	for _, goal := range types.GoalCategories {
		names = append(names, "goal_"+goal)
	}
	names = append(names, "avg_session_length_min")
	for _, bucket := range types.TimeBuckets {
		names = append(names, "time_"+bucket)
	}
	for _, mod := range types.ModuleSources {
		names = append(names, "module_pref_"+mod)
	}
	names = append(names, "forgetting_steepness")

	c := &columns{Names: names}
	c.reindex()
	return c
}

// reindex rebuilds the lookup map, needed after JSON decoding.
func (c *columns) reindex() {
	c.index = make(map[string]int, len(c.Names))
	for i, name := range c.Names {
		c.index[name] = i
	}
}

func (c *columns) dim() int { return len(c.Names) }

// set writes a value if the column exists; unknown categories are
// silently dropped so stale vocabularies never panic.
func (c *columns) set(vec []float64, name string, v float64) {
	if i, ok := c.index[name]; ok {
		vec[i] = v
	}
}

// userVector encodes a mature learner's aggregated row.
func (c *columns) userVector(u store.TrainingUser) []float64 {
	vec := make([]float64, c.dim())
	c.set(vec, "native_"+u.NativeLanguage, 1)
	c.set(vec, "target_"+u.TargetLanguage, 1)
	c.set(vec, "cefr_ordinal", float64(cefrOrdinal(u.ProficiencyLevel)))
	for _, goal := range u.Goals {
		c.set(vec, "goal_"+goal, 1)
	}
	c.set(vec, "avg_session_length_min", u.AvgSessionLengthMs/60000)
	c.set(vec, "time_"+u.PreferredTimeOfDay, 1)
	for mod, frac := range u.ModuleDistribution {
		c.set(vec, "module_pref_"+mod, frac)
	}
	if u.ForgettingSteepness != nil {
		c.set(vec, "forgetting_steepness", *u.ForgettingSteepness)
	}
	return vec
}

// signupVector encodes what a brand-new learner declared at signup.
// Behavioral columns stay zero; after scaling that lands them on the
// training mean, which is the right prior for an unknown.
func (c *columns) signupVector(p store.Profile, goals []string) []float64 {
	vec := make([]float64, c.dim())
	c.set(vec, "native_"+p.NativeLanguage, 1)
	c.set(vec, "target_"+p.TargetLanguage, 1)
	c.set(vec, "cefr_ordinal", float64(cefrOrdinal(p.ProficiencyLevel)))
	for _, goal := range goals {
		c.set(vec, "goal_"+goal, 1)
	}
	return vec
}

// cefrOrdinal is the level's index in the CEFR ladder, defaulting to
// A1 for unknown values.
func cefrOrdinal(level string) int {
	for i, l := range types.CEFRLevels {
		if l == level {
			return i
		}
	}
	return 1
}

var cefrComplexity = map[string]int{
	"A0": 1, "A1": 1, "A2": 2, "B1": 3, "B2": 4, "C1": 5, "C2": 5,
}

// complexityFor maps a CEFR level to the 1-5 complexity scale.
func complexityFor(level string) int {
	if c, ok := cefrComplexity[level]; ok {
		return c
	}
	return 2
}

var cefrVocabBand = map[string]string{
	"A0": "top_500", "A1": "top_500", "A2": "top_1000", "B1": "top_2000",
	"B2": "top_3000", "C1": "top_5000", "C2": "top_8000",
}

// vocabBandFor maps a CEFR level to the estimated starting vocabulary
// frequency band.
func vocabBandFor(level string) string {
	if b, ok := cefrVocabBand[level]; ok {
		return b
	}
	return "top_1000"
}

func sortedUnique(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	var out []string
	for _, v := range vals {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
