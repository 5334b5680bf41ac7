package story

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// EmbeddingDim is the width of topic and preference vectors.
const EmbeddingDim = 16

// Topic is one canonical taxonomy entry, exposed to the signup
// interest picker.
type Topic struct {
	Tag   string `json:"tag"`
	Label string `json:"label"`
}

// taxonomy assigns every canonical topic a hand-crafted 16-dim
// embedding. Related topics share mass on common dimensions, so food
// lands near daily life and animals near nature under cosine
// similarity.
var taxonomy = []struct {
	tag   string
	label string
	vec   []float64
}{
	{"daily_life", "Daily Life & Routines",
		[]float64{1.0, 0.3, 0.0, 0.0, 0.0, 0.0, 0.0, 0.2, 0.1, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0}},
	{"food_cooking", "Food & Cooking",
		[]float64{0.6, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.3, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0}},
	{"travel", "Travel & Geography",
		[]float64{0.2, 0.0, 1.0, 0.3, 0.0, 0.0, 0.0, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0}},
	{"culture_arts", "Culture & Arts",
		[]float64{0.0, 0.0, 0.3, 1.0, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 0.3, 0.0, 0.0, 0.0, 0.0, 0.0}},
	{"nature_environment", "Nature & Environment",
		[]float64{0.0, 0.0, 0.4, 0.0, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 0.0}},
	{"sports_health", "Sports & Health",
		[]float64{0.2, 0.0, 0.0, 0.0, 0.2, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.3, 0.0, 0.0, 0.0}},
	{"entertainment", "Entertainment & Media",
		[]float64{0.0, 0.0, 0.0, 0.4, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 0.2, 0.0, 0.0, 0.3, 0.0, 0.0}},
	{"family_relationships", "Family & Relationships",
		[]float64{0.4, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.2, 0.0}},
	{"work_career", "Work & Career",
		[]float64{0.3, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.3}},
	{"technology", "Technology & Science",
		[]float64{0.0, 0.0, 0.0, 0.0, 0.2, 0.0, 0.2, 0.0, 0.3, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.2}},
	{"history", "History & Society",
		[]float64{0.0, 0.0, 0.2, 0.4, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0}},
	{"animals", "Animals & Pets",
		[]float64{0.2, 0.0, 0.0, 0.0, 0.5, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 0.0}},
	{"shopping_fashion", "Shopping & Fashion",
		[]float64{0.3, 0.0, 0.0, 0.2, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0}},
	{"education", "Education & Learning",
		[]float64{0.0, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 0.0, 0.3, 0.2, 0.0, 0.0, 0.0, 0.0, 1.0, 0.0}},
	{"emotions_personality", "Emotions & Personality",
		[]float64{0.2, 0.0, 0.0, 0.2, 0.0, 0.0, 0.0, 0.4, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0}},
}

// topicVectors holds the L2-normalized embeddings keyed by tag, built
// once at package load.
var topicVectors = func() map[string][]float64 {
	m := make(map[string][]float64, len(taxonomy))
	for _, t := range taxonomy {
		v := append([]float64(nil), t.vec...)
		normalize(v)
		m[t.tag] = v
	}
	return m
}()

// normalize scales v to unit L2 norm in place. Zero vectors stay zero.
func normalize(v []float64) {
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
}

// hasSignal reports whether pref carries a usable preference direction.
func hasSignal(pref []float64) bool {
	return len(pref) == EmbeddingDim && floats.Norm(pref, 2) > 0
}

// Topics returns the taxonomy in declaration order.
func Topics() []Topic {
	out := make([]Topic, len(taxonomy))
	for i, t := range taxonomy {
		out[i] = Topic{Tag: t.tag, Label: t.label}
	}
	return out
}

// InitialPreference builds the signup preference vector as the
// normalized mean of the selected topics' embeddings. Unknown tags are
// skipped; when none remain the zero vector is returned and relevance
// scoring stays neutral until engagement arrives.
func InitialPreference(selected []string) []float64 {
	pref := make([]float64, EmbeddingDim)
	n := 0
	for _, tag := range selected {
		if vec, ok := topicVectors[tag]; ok {
			floats.Add(pref, vec)
			n++
		}
	}
	if n == 0 {
		return pref
	}
	floats.Scale(1/float64(n), pref)
	normalize(pref)
	return pref
}

// Engagement is one story segment dwell record. Longer dwell on a
// segment signals interest in its topics.
type Engagement struct {
	TopicTags       []string
	TimeOnSegmentMs float64
}

// UpdatePreference folds engagement into the preference vector with one
// EMA step: new = decay*current + (1-decay)*engagement. Dwell times are
// log1p-damped so a single long segment cannot swamp the profile.
// Records without known tags or positive dwell contribute nothing; when
// every record is empty the current vector comes back unchanged.
func UpdatePreference(current []float64, records []Engagement, decay float64) []float64 {
	if len(current) != EmbeddingDim {
		// Vectors stored before a taxonomy resize are padded or cut.
		resized := make([]float64, EmbeddingDim)
		copy(resized, current)
		current = resized
	}

	engagement := make([]float64, EmbeddingDim)
	totalWeight := 0.0
	for _, rec := range records {
		if len(rec.TopicTags) == 0 || rec.TimeOnSegmentMs <= 0 {
			continue
		}
		weight := math.Log1p(rec.TimeOnSegmentMs / 1000)
		for _, tag := range rec.TopicTags {
			vec, ok := topicVectors[tag]
			if !ok {
				continue
			}
			floats.AddScaled(engagement, weight, vec)
			totalWeight += weight
		}
	}
	if totalWeight <= 0 {
		return current
	}
	floats.Scale(1/totalWeight, engagement)

	updated := make([]float64, EmbeddingDim)
	for i := range updated {
		updated[i] = decay*current[i] + (1-decay)*engagement[i]
	}
	normalize(updated)
	return updated
}

// Relevance scores how well a word's topic tags match the preference
// vector: the max cosine similarity across tags, clamped to [0, 1]. A
// learner with no preference signal scores every word 0.5. Untagged
// words, and words whose tags all fall outside the taxonomy, score 0.3.
func Relevance(pref []float64, tags []string) float64 {
	if !hasSignal(pref) {
		return 0.5
	}
	if len(tags) == 0 {
		return 0.3
	}
	best := -1.0
	for _, tag := range tags {
		vec, ok := topicVectors[tag]
		if !ok {
			continue
		}
		if sim := floats.Dot(pref, vec); sim > best {
			best = sim
		}
	}
	if best < 0 {
		return 0.3
	}
	return min(max(best, 0), 1)
}

// BiasTags returns the k taxonomy tags most aligned with the preference
// vector, used to steer story topic choice. Empty for learners with no
// preference signal.
func BiasTags(pref []float64, k int) []string {
	if !hasSignal(pref) {
		return []string{}
	}
	type tagSim struct {
		tag string
		sim float64
	}
	sims := make([]tagSim, len(taxonomy))
	for i, t := range taxonomy {
		sims[i] = tagSim{t.tag, floats.Dot(pref, topicVectors[t.tag])}
	}
	sort.SliceStable(sims, func(i, j int) bool { return sims[i].sim > sims[j].sim })

	if k > len(sims) {
		k = len(sims)
	}
	tags := make([]string, k)
	for i := range tags {
		tags[i] = sims[i].tag
	}
	return tags
}
