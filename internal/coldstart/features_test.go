package coldstart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/store"
)

func TestColumnLayout(t *testing.T) {
	cols := newColumns([]string{"es", "en", "es"}, []string{"fr"})

	// 2 native + 1 target + cefr + 4 goals + session length + 4 time
	// buckets + 8 modules + steepness.
	require.Equal(t, 22, cols.dim())

	assert.Equal(t, "native_en", cols.Names[0], "languages sort alphabetically")
	assert.Equal(t, "native_es", cols.Names[1])
	assert.Equal(t, "target_fr", cols.Names[2])
	assert.Equal(t, "cefr_ordinal", cols.Names[3])
	assert.Equal(t, "goal_conversational", cols.Names[4])
	assert.Equal(t, "avg_session_length_min", cols.Names[8])
	assert.Equal(t, "time_morning", cols.Names[9])
	assert.Equal(t, "module_pref_flashcard", cols.Names[13])
	assert.Equal(t, "forgetting_steepness", cols.Names[21])
}

func TestUserVector(t *testing.T) {
	cols := newColumns([]string{"en"}, []string{"es"})
	steep := 1.4
	u := store.TrainingUser{
		NativeLanguage:      "en",
		TargetLanguage:      "es",
		ProficiencyLevel:    "B1",
		Goals:               []string{"travel", "business"},
		AvgSessionLengthMs:  12 * 60 * 1000,
		PreferredTimeOfDay:  "evening",
		ModuleDistribution:  map[string]float64{"flashcard": 0.6, "story": 0.4},
		ForgettingSteepness: &steep,
	}

	vec := cols.userVector(u)
	assert.Equal(t, 1.0, vec[cols.index["native_en"]])
	assert.Equal(t, 1.0, vec[cols.index["target_es"]])
	assert.Equal(t, 3.0, vec[cols.index["cefr_ordinal"]])
	assert.Equal(t, 1.0, vec[cols.index["goal_travel"]])
	assert.Equal(t, 1.0, vec[cols.index["goal_business"]])
	assert.Equal(t, 0.0, vec[cols.index["goal_conversational"]])
	assert.Equal(t, 12.0, vec[cols.index["avg_session_length_min"]])
	assert.Equal(t, 1.0, vec[cols.index["time_evening"]])
	assert.Equal(t, 0.6, vec[cols.index["module_pref_flashcard"]])
	assert.Equal(t, 0.4, vec[cols.index["module_pref_story"]])
	assert.Equal(t, 1.4, vec[cols.index["forgetting_steepness"]])
}

func TestSignupVectorLeavesBehaviorZero(t *testing.T) {
	cols := newColumns([]string{"en"}, []string{"es"})
	vec := cols.signupVector(store.Profile{
		NativeLanguage: "en", TargetLanguage: "es", ProficiencyLevel: "A2",
	}, []string{"conversational"})

	assert.Equal(t, 1.0, vec[cols.index["native_en"]])
	assert.Equal(t, 2.0, vec[cols.index["cefr_ordinal"]])
	assert.Equal(t, 1.0, vec[cols.index["goal_conversational"]])
	assert.Equal(t, 0.0, vec[cols.index["avg_session_length_min"]])
	assert.Equal(t, 0.0, vec[cols.index["time_morning"]])
	assert.Equal(t, 0.0, vec[cols.index["forgetting_steepness"]])
}

func TestUnknownCategoriesDropSilently(t *testing.T) {
	cols := newColumns([]string{"en"}, []string{"es"})
	u := store.TrainingUser{
		NativeLanguage:     "zz",
		TargetLanguage:     "es",
		ProficiencyLevel:   "X9",
		Goals:              []string{"speedrunning"},
		ModuleDistribution: map[string]float64{"vr_immersion": 1.0},
	}
	vec := cols.userVector(u)
	assert.Equal(t, 0.0, vec[cols.index["native_en"]])
	assert.Equal(t, 1.0, vec[cols.index["cefr_ordinal"]], "unknown CEFR defaults to A1")
}

func TestCEFRMappings(t *testing.T) {
	assert.Equal(t, 1, complexityFor("A0"))
	assert.Equal(t, 3, complexityFor("B1"))
	assert.Equal(t, 5, complexityFor("C2"))
	assert.Equal(t, 2, complexityFor("unknown"))

	assert.Equal(t, "top_500", vocabBandFor("A1"))
	assert.Equal(t, "top_3000", vocabBandFor("B2"))
	assert.Equal(t, "top_1000", vocabBandFor("unknown"))

	assert.Equal(t, 0, cefrOrdinal("A0"))
	assert.Equal(t, 6, cefrOrdinal("C2"))
	assert.Equal(t, 1, cefrOrdinal("nope"))
}
