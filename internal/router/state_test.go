package router

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// State vector
// ═══════════════════════════════════════════════════════════════════════════════

func TestDefaultStateVector(t *testing.T) {
	// Noon on a Monday: the hour sine is ~0, its cosine -1, and the
	// weekday dims sit at the Monday origin.
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	x := defaultState("u1", now).vector()

	if len(x) != StateDim {
		t.Fatalf("vector has %d dims, want %d", len(x), StateDim)
	}
	for i := 0; i <= 8; i++ {
		if x[i] != 0.5 {
			t.Errorf("dim %d = %v, want neutral 0.5", i, x[i])
		}
	}
	if x[11] != 1.0 {
		t.Errorf("mastery dim = %v, want 1.0 when no concepts exist yet", x[11])
	}
	if x[13] != 0.25 {
		t.Errorf("minutes dim = %v, want 15/60", x[13])
	}
	if x[14] != 1.0 {
		t.Errorf("recency dim = %v, want the 30-day default capped at 1", x[14])
	}
	for i := 15; i <= 18; i++ {
		if x[i] != 0 {
			t.Errorf("count dim %d = %v, want 0 with no words", i, x[i])
		}
	}
	if math.Abs(x[19]) > 1e-9 || math.Abs(x[20]-(-1)) > 1e-9 {
		t.Errorf("hour dims = %v, %v, want ~0 and -1 at noon", x[19], x[20])
	}
	if math.Abs(x[21]) > 1e-9 || math.Abs(x[22]-1) > 1e-9 {
		t.Errorf("weekday dims = %v, %v, want 0 and 1 on Monday", x[21], x[22])
	}
	if x[23] != 1.0 {
		t.Errorf("completion dim = %v, want 1.0 default", x[23])
	}
}

func TestFillModuleDims(t *testing.T) {
	x := make([]float64, StateDim)

	// "flashcard" is a session module source, not a routable action, so
	// it clamps to index zero.
	fillModuleDims(x, []string{"rest", "flashcard"})
	if x[6] != 1.0 {
		t.Errorf("rest = %v, want 1.0 (last action index)", x[6])
	}
	if x[7] != 0.0 {
		t.Errorf("unknown module = %v, want 0", x[7])
	}
	if x[8] != 0.5 {
		t.Errorf("missing history = %v, want neutral 0.5", x[8])
	}

	fillModuleDims(x, []string{"anki_drill"})
	if math.Abs(x[6]-0.2) > 1e-9 {
		t.Errorf("anki_drill = %v, want 1/5", x[6])
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}

	if got := percentile(sorted, 0.25); math.Abs(got-1.75) > 1e-9 {
		t.Errorf("p25 = %v, want 1.75", got)
	}
	if got := percentile(sorted, 0.5); math.Abs(got-2.5) > 1e-9 {
		t.Errorf("p50 = %v, want 2.5", got)
	}
	if got := percentile(sorted, 1.0); got != 4 {
		t.Errorf("p100 = %v, want 4", got)
	}
	if got := percentile([]float64{7}, 0.75); got != 7 {
		t.Errorf("single sample = %v, want 7", got)
	}
}

func TestFillRecallStats(t *testing.T) {
	st := defaultState("u1", time.Now())
	ks := types.KnowledgeState{WordStates: []types.WordState{
		{WordID: "w1", PRecall: 0.8},
		{WordID: "w2", PRecall: 0.2},
		{WordID: "w3", PRecall: 0.6},
		{WordID: "w4", PRecall: 0.4},
	}}

	fillRecallStats(st, ks)

	if st.recallMean != 0.5 {
		t.Errorf("mean = %v, want 0.5", st.recallMean)
	}
	if st.recallStd != 0.2236 {
		t.Errorf("std = %v, want 0.2236", st.recallStd)
	}
	if st.recallMin != 0.2 || st.recallMax != 0.8 {
		t.Errorf("min/max = %v/%v, want 0.2/0.8", st.recallMin, st.recallMax)
	}
	if st.recallP25 != 0.35 || st.recallP75 != 0.65 {
		t.Errorf("p25/p75 = %v/%v, want 0.35/0.65", st.recallP25, st.recallP75)
	}
}

func TestFillRecallStatsEmptyKeepsDefaults(t *testing.T) {
	st := defaultState("u1", time.Now())
	fillRecallStats(st, types.KnowledgeState{})

	if st.recallMean != 0.5 || st.recallStd != 0.5 {
		t.Errorf("empty tracer response must not disturb the neutral defaults, got mean=%v std=%v",
			st.recallMean, st.recallStd)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Word and session features
// ═══════════════════════════════════════════════════════════════════════════════

func TestFillWordStats(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	st := defaultState("u1", now)
	past := now.Add(-time.Hour)
	future := now.Add(48 * time.Hour)

	words := []store.UserWord{
		{ID: "row-1", WordID: "w1", ProductionScore: 30, PronunciationScore: 80, NextReview: &past},
		{ID: "row-2", WordID: "w2", ProductionScore: 90, PronunciationScore: 20, NextReview: &future},
		{ID: "row-3", WordID: "w3", ProductionScore: 60, PronunciationScore: 80},
	}

	fillWordStats(st, words)

	if st.totalWords != 3 {
		t.Fatalf("totalWords = %d, want 3", st.totalWords)
	}
	if st.avgProduction != 0.6 {
		t.Errorf("avgProduction = %v, want 0.6", st.avgProduction)
	}
	if st.avgPronunciation != 0.6 {
		t.Errorf("avgPronunciation = %v, want 0.6", st.avgPronunciation)
	}
	// Weak-word lists carry the user_words row id, the key that
	// interaction events point at.
	if len(st.lowProductionWordIDs) != 1 || st.lowProductionWordIDs[0] != "row-1" {
		t.Errorf("low production rows = %v, want [row-1]", st.lowProductionWordIDs)
	}
	if len(st.lowPronunciationWordIDs) != 1 || st.lowPronunciationWordIDs[0] != "row-2" {
		t.Errorf("low pronunciation rows = %v, want [row-2]", st.lowPronunciationWordIDs)
	}
	if st.dueWords != 1 {
		t.Errorf("dueWords = %d, want 1 (only past-due reviews count)", st.dueWords)
	}
}

func TestFillWordStatsCapsLowLists(t *testing.T) {
	st := defaultState("u1", time.Now())
	words := make([]store.UserWord, 30)
	for i := range words {
		words[i] = store.UserWord{ID: fmt.Sprintf("row-%d", i), ProductionScore: 10, PronunciationScore: 10}
	}

	fillWordStats(st, words)

	if len(st.lowProductionWordIDs) != maxLowWordIDs {
		t.Errorf("low production list = %d entries, want %d", len(st.lowProductionWordIDs), maxLowWordIDs)
	}
	if len(st.lowPronunciationWordIDs) != maxLowWordIDs {
		t.Errorf("low pronunciation list = %d entries, want %d", len(st.lowPronunciationWordIDs), maxLowWordIDs)
	}
}

func TestFillSessionStats(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	st := defaultState("u1", now)
	load := 0.8

	sessions := []store.SessionSummary{
		{ModuleSource: "story", StartedAt: now.Add(-36 * time.Hour), EstimatedCognitiveLoad: &load, CompletedSession: true},
		{ModuleSource: "flashcard", StartedAt: now.Add(-3 * 24 * time.Hour)},
		{ModuleSource: "story", StartedAt: now.Add(-5 * 24 * time.Hour), CompletedSession: true},
		{ModuleSource: "grammar_drill", StartedAt: now.Add(-6 * 24 * time.Hour), CompletedSession: true},
	}

	fillSessionStats(st, sessions, nil)

	if len(st.lastModules) != 3 || st.lastModules[0] != "story" || st.lastModules[1] != "flashcard" || st.lastModules[2] != "story" {
		t.Errorf("lastModules = %v, want the three newest", st.lastModules)
	}
	if st.lastSessionLoad != 0.8 {
		t.Errorf("lastSessionLoad = %v, want 0.8", st.lastSessionLoad)
	}
	if st.daysSinceLast != 1.5 {
		t.Errorf("daysSinceLast = %v, want 1.5", st.daysSinceLast)
	}
	if st.completionRate != 0.75 {
		t.Errorf("completionRate = %v, want 3/4", st.completionRate)
	}
}

func TestFillSessionStatsMinutesOverride(t *testing.T) {
	st := defaultState("u1", time.Now())
	mins := 7.5
	fillSessionStats(st, nil, &mins)
	if st.minutesAvail != 7.5 {
		t.Errorf("minutesAvail = %v, want the caller's 7.5", st.minutesAvail)
	}

	st = defaultState("u1", time.Now())
	zero := 0.0
	fillSessionStats(st, nil, &zero)
	if st.minutesAvail != defaultMinutes {
		t.Errorf("zero minutes should fall through to history, got %v", st.minutesAvail)
	}
}

func TestHistoricalMinutes(t *testing.T) {
	// 09:00 on a Monday: the estimate should prefer other morning
	// sessions over the afternoon outlier.
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	sessions := []store.SessionSummary{
		{StartedAt: now.AddDate(0, 0, -1), SessionDurationMs: 10 * 60000},
		{StartedAt: now.AddDate(0, 0, -2).Add(5 * time.Hour), SessionDurationMs: 60 * 60000},
		{StartedAt: now.AddDate(0, 0, -3), SessionDurationMs: 20 * 60000},
		{StartedAt: now.AddDate(0, 0, -90), SessionDurationMs: 200 * 60000}, // beyond the lookback
		{StartedAt: now.AddDate(0, 0, -4)},                                 // duration never recorded
	}

	if got := historicalMinutes(sessions, now); got != 15 {
		t.Errorf("bucket estimate = %v, want 15 from the two morning sessions", got)
	}
	if got := historicalMinutes(sessions[1:2], now); got != 60 {
		t.Errorf("overall fallback = %v, want 60", got)
	}
	if got := historicalMinutes(nil, now); got != defaultMinutes {
		t.Errorf("no history = %v, want the platform default", got)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Snapshot round trip
// ═══════════════════════════════════════════════════════════════════════════════

func TestSnapshotRoundTripAndVector(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	st := &learnerState{
		userID:                  "u1",
		eventCount:              120,
		recallMean:              0.42,
		recallStd:               0.1,
		recallMin:               0.2,
		recallMax:               0.9,
		recallP25:               0.3,
		recallP75:               0.6,
		lastModules:             []string{"story_engine", "anki_drill"},
		avgProduction:           0.55,
		avgPronunciation:        0.45,
		weakestConceptTag:       "subjunctive",
		weakestConceptScore:     0.25,
		lastSessionLoad:         0.7,
		minutesAvail:            30,
		daysSinceLast:           3,
		dueWords:                40,
		totalWords:              400,
		lowProductionWordIDs:    []string{"a", "b"},
		lowPronunciationWordIDs: []string{"c"},
		completionRate:          0.8,
		now:                     now,
	}

	raw, err := json.Marshal(st.snapshot())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatal(err)
	}
	if snap.RecallMean != 0.42 || snap.EventCount != 120 || snap.WeakestConceptTag != "subjunctive" {
		t.Fatalf("snapshot did not survive the round trip: %+v", snap)
	}

	got := snap.Vector(now)
	want := st.vector()

	// The snapshot rebuilds everything it persists; only the recall
	// distribution and the weak-word counts degrade to neutral.
	neutral := map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 17: true, 18: true}
	for i := range want {
		if neutral[i] {
			if got[i] != 0.5 {
				t.Errorf("dim %d = %v, want neutral 0.5", i, got[i])
			}
			continue
		}
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("dim %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshot(json.RawMessage(`{`)); err == nil {
		t.Fatal("truncated snapshot should not decode")
	}
}
