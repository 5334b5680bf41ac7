package story

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestTaxonomyShape(t *testing.T) {
	topics := Topics()
	assert.Len(t, topics, 15)
	for _, topic := range topics {
		vec, ok := topicVectors[topic.Tag]
		require.True(t, ok, topic.Tag)
		assert.Len(t, vec, EmbeddingDim)
		assert.InDelta(t, 1.0, floats.Norm(vec, 2), 1e-9, "embeddings are unit length")
	}
}

func TestInitialPreference(t *testing.T) {
	pref := InitialPreference([]string{"food_cooking", "travel"})
	assert.InDelta(t, 1.0, floats.Norm(pref, 2), 1e-9)

	// Similarity to picked topics beats an unrelated one.
	food := Relevance(pref, []string{"food_cooking"})
	tech := Relevance(pref, []string{"technology"})
	assert.Greater(t, food, tech)

	// Unknown tags are dropped; nothing left means the zero vector.
	zero := InitialPreference([]string{"quantum_basket_weaving"})
	assert.False(t, hasSignal(zero))
	assert.Len(t, zero, EmbeddingDim)
}

func TestUpdatePreferenceEMA(t *testing.T) {
	current := InitialPreference([]string{"daily_life"})
	updated := UpdatePreference(current, []Engagement{
		{TopicTags: []string{"animals"}, TimeOnSegmentMs: 60000},
	}, 0.95)

	assert.InDelta(t, 1.0, floats.Norm(updated, 2), 1e-9)
	assert.Greater(t, Relevance(updated, []string{"animals"}), Relevance(current, []string{"animals"}))
	// One story must not overturn the standing profile.
	assert.Greater(t, Relevance(updated, []string{"daily_life"}), Relevance(updated, []string{"animals"}))
}

func TestUpdatePreferenceIgnoresEmptyRecords(t *testing.T) {
	current := InitialPreference([]string{"history"})

	same := UpdatePreference(current, []Engagement{
		{TopicTags: nil, TimeOnSegmentMs: 30000},
		{TopicTags: []string{"history"}, TimeOnSegmentMs: 0},
	}, 0.95)
	assert.Equal(t, current, same)
}

func TestUpdatePreferenceResizesStaleVector(t *testing.T) {
	stale := []float64{0.5, 0.5}
	updated := UpdatePreference(stale, []Engagement{
		{TopicTags: []string{"travel"}, TimeOnSegmentMs: 20000},
	}, 0.9)
	assert.Len(t, updated, EmbeddingDim)
	assert.True(t, hasSignal(updated))
}

func TestRelevanceNeutralAndUntagged(t *testing.T) {
	noSignal := make([]float64, EmbeddingDim)
	assert.Equal(t, 0.5, Relevance(noSignal, []string{"travel"}))

	pref := InitialPreference([]string{"travel"})
	assert.Equal(t, 0.3, Relevance(pref, nil))
	assert.Equal(t, 0.3, Relevance(pref, []string{"not_a_topic"}))
	assert.InDelta(t, 1.0, Relevance(pref, []string{"travel"}), 1e-9)
}

func TestBiasTags(t *testing.T) {
	pref := InitialPreference([]string{"sports_health"})
	tags := BiasTags(pref, 3)
	require.Len(t, tags, 3)
	assert.Equal(t, "sports_health", tags[0])

	assert.Empty(t, BiasTags(make([]float64, EmbeddingDim), 3))
	assert.Len(t, BiasTags(pref, 100), len(Topics()), "k clamps to the taxonomy size")
}
