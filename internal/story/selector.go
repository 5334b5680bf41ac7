// Package story selects the vocabulary for generated stories. Nearly
// every slot is filled from words the learner already knows; the few
// remaining slots go to the due words most at risk of slipping away,
// and topic preferences learned from reading behaviour bias both picks.
package story

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// serviceName keys the cache namespace and the prediction log rows.
const serviceName = "story"

// defaultLanguage fills requests that omit the language code.
const defaultLanguage = "fr"

const (
	// storyModuleSource is the interaction_events module filter for the
	// variety lookback.
	storyModuleSource = "story"

	// dueHardCap bounds due words at this fraction of the target no
	// matter how far the complexity bonus pushes the allowance.
	dueHardCap = 0.10

	// knownPriorityShare of the fill comes from the top of the ranked
	// known pool; the rest is sampled randomly for variety.
	knownPriorityShare = 0.7

	// biasTagCount is how many aligned topics the response advertises.
	biasTagCount = 3

	// topScoreCount bounds the debug score list.
	topScoreCount = 5
)

// Datastore is the slice of the store the selector reads and writes.
type Datastore interface {
	UserWords(ctx context.Context, userID, language string) ([]store.UserWord, error)
	SessionSummaries(ctx context.Context, userID string, limit int) ([]store.SessionSummary, error)
	RecentModuleEvents(ctx context.Context, userID, module string, since time.Time, limit int) ([]store.InteractionEvent, error)
	TopicPreference(ctx context.Context, userID string) (store.TopicPreference, error)
	UpsertTopicPreference(ctx context.Context, pref store.TopicPreference) error
}

// KnowledgeSource supplies per-word forgetting probabilities.
type KnowledgeSource interface {
	KnowledgeState(ctx context.Context, userID string) (types.KnowledgeState, error)
}

// Selector assembles word plans for the story generator.
type Selector struct {
	db  Datastore
	dkt KnowledgeSource
	cfg config.StoryConfig
	log zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector builds a selector.
func NewSelector(db Datastore, dkt KnowledgeSource, cfg config.StoryConfig, log zerolog.Logger) *Selector {
	return &Selector{
		db:  db,
		dkt: dkt,
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectRequest asks for a word plan for one generated story.
type SelectRequest struct {
	UserID          string `json:"userId"`
	TargetWordCount int    `json:"targetWordCount"`
	ComplexityLevel int    `json:"storyComplexityLevel"`
	Language        string `json:"language"`
}

// SelectResult is the word plan handed to the story generator.
type SelectResult struct {
	DueWords       []ScoredWord `json:"dueWords"`
	KnownFillWords []string     `json:"knownFillWords"`
	ThematicBias   []string     `json:"thematicBias"`
	Debug          DebugInfo    `json:"debugInfo"`
}

// DueScore pairs a selected due word with its final score for the
// debug block.
type DueScore struct {
	WordID string  `json:"wordId"`
	Word   string  `json:"word"`
	Score  float64 `json:"score"`
}

// DebugInfo surfaces selection internals for tuning dashboards.
type DebugInfo struct {
	TotalUserWords     int        `json:"totalUserWords"`
	DuePoolSize        int        `json:"duePoolSize"`
	KnownPoolSize      int        `json:"knownPoolSize"`
	DKTCoverage        int        `json:"dktCoverage"`
	MaxDueAllowed      int        `json:"maxDueAllowed"`
	SelectedDueCount   int        `json:"selectedDueCount"`
	SelectedKnownCount int        `json:"selectedKnownCount"`
	KnownPercentage    float64    `json:"knownPercentage"`
	TopDueScores       []DueScore `json:"topDueScores"`
}

// SelectWords assembles the word plan: fetch the learner's vocabulary
// and context, partition it into due and known pools, rank both, and
// fill the target count under the known-word constraint.
func (s *Selector) SelectWords(ctx context.Context, req SelectRequest) (SelectResult, error) {
	if req.Language == "" {
		req.Language = defaultLanguage
	}
	now := time.Now().UTC()

	words, err := s.db.UserWords(ctx, req.UserID, req.Language)
	if err != nil {
		return SelectResult{}, fmt.Errorf("user words: %w", err)
	}
	if len(words) == 0 {
		s.log.Info().Str("user_id", req.UserID).Msg("no vocabulary yet, returning empty selection")
		return emptyResult(), nil
	}

	sig, err := s.gatherSignals(ctx, req.UserID, now)
	if err != nil {
		return SelectResult{}, err
	}

	duePool, knownPool := partition(words, now)
	scoredDue := scoreDueWords(duePool, sig, s.cfg)

	maxDue := s.dueAllowance(req.TargetWordCount, req.ComplexityLevel)
	selectedDue := scoredDue[:min(maxDue, len(scoredDue))]

	exclude := make(map[string]bool, len(selectedDue))
	for _, sw := range selectedDue {
		exclude[sw.WordID] = true
	}
	knownIDs := s.knownFill(knownPool, sig, req.TargetWordCount-len(selectedDue), exclude)

	dueCount, knownCount := len(selectedDue), len(knownIDs)
	debug := DebugInfo{
		TotalUserWords:     len(words),
		DuePoolSize:        len(duePool),
		KnownPoolSize:      len(knownPool),
		DKTCoverage:        len(sig.forgetProbs),
		MaxDueAllowed:      maxDue,
		SelectedDueCount:   dueCount,
		SelectedKnownCount: knownCount,
		KnownPercentage:    round(float64(knownCount)/float64(max(dueCount+knownCount, 1))*100, 1),
		TopDueScores:       topScores(selectedDue),
	}

	s.log.Info().
		Str("user_id", req.UserID).
		Int("due", dueCount).
		Int("known", knownCount).
		Int("target", req.TargetWordCount).
		Float64("known_pct", debug.KnownPercentage).
		Msg("story words selected")

	return SelectResult{
		DueWords:       selectedDue,
		KnownFillWords: knownIDs,
		ThematicBias:   BiasTags(sig.pref, biasTagCount),
		Debug:          debug,
	}, nil
}

// gatherSignals fetches the scoring context. The store reads run
// concurrently and fail the request; the tracer read degrades to an
// empty forget map because selection must survive an untrained or
// unreachable tracer.
func (s *Selector) gatherSignals(ctx context.Context, userID string, now time.Time) (signals, error) {
	sig := signals{now: now}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sig.forgetProbs = s.forgetProbs(gctx, userID)
		return nil
	})
	g.Go(func() error {
		sums, err := s.db.SessionSummaries(gctx, userID, s.cfg.RecencySessionWindow)
		if err != nil {
			return fmt.Errorf("recent sessions: %w", err)
		}
		sig.recentSessions = sessionWordSets(sums)
		return nil
	})
	g.Go(func() error {
		since := now.AddDate(0, 0, -s.cfg.StoryRecencyDays)
		events, err := s.db.RecentModuleEvents(gctx, userID, storyModuleSource, since, 0)
		if err != nil {
			return fmt.Errorf("story recency: %w", err)
		}
		sig.storyRecent = wordIDSet(events)
		return nil
	})
	g.Go(func() error {
		pref, err := s.preferenceVector(gctx, userID)
		if err != nil {
			return err
		}
		sig.pref = pref
		return nil
	})

	if err := g.Wait(); err != nil {
		return signals{}, err
	}
	return sig, nil
}

// forgetProbs asks the tracer for the learner's knowledge state. Any
// error, an open breaker included, or a fallback-mode answer yields an
// empty map, and the overdue heuristic carries the forgetting
// component instead.
func (s *Selector) forgetProbs(ctx context.Context, userID string) map[string]float64 {
	state, err := s.dkt.KnowledgeState(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("tracer unavailable, scoring without forget probabilities")
		return map[string]float64{}
	}
	if state.UsingFallback {
		return map[string]float64{}
	}
	probs := make(map[string]float64, len(state.WordStates))
	for _, ws := range state.WordStates {
		probs[ws.WordID] = ws.PForget48h
	}
	return probs
}

// preferenceVector loads the learner's stored preference vector.
func (s *Selector) preferenceVector(ctx context.Context, userID string) ([]float64, error) {
	row, err := s.db.TopicPreference(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return resolveVector(store.TopicPreference{}, false), nil
	}
	if err != nil {
		return nil, fmt.Errorf("topic preference: %w", err)
	}
	return resolveVector(row, true), nil
}

// resolveVector picks the usable preference vector out of a stored row.
// A vector with a stale width falls back to the signup topics; no
// signal at all yields the zero vector and neutral relevance.
func resolveVector(row store.TopicPreference, found bool) []float64 {
	if found && len(row.PreferenceVector) == EmbeddingDim {
		return row.PreferenceVector
	}
	if found && len(row.SelectedTopics) > 0 {
		return InitialPreference(row.SelectedTopics)
	}
	return make([]float64, EmbeddingDim)
}

// partition splits the vocabulary into the due pool and the known fill
// pool. A word whose ease has not reached its story introduction
// threshold stays out of stories entirely. New or past-review words are
// due; known, mastered, and learning words may fill. A learning word
// past its review date lands in both pools, and fill selection dedupes
// against the due picks.
func partition(words []store.UserWord, now time.Time) (due, known []store.UserWord) {
	for _, w := range words {
		if w.Ease() < w.StoryThreshold() {
			continue
		}
		isDue := w.NextReview != nil && !w.NextReview.After(now)
		if w.Status == "new" || isDue {
			due = append(due, w)
		}
		switch w.Status {
		case "known", "mastered", "learning":
			known = append(known, w)
		}
	}
	return due, known
}

// dueAllowance is how many due words the plan may carry. The base is
// MinNewWords or MaxNewWordRatio of the target, whichever is larger;
// complexity adds headroom, and the hard cap holds due words to a tenth
// of the story.
func (s *Selector) dueAllowance(target, complexity int) int {
	allowed := max(s.cfg.MinNewWords, int(float64(target)*s.cfg.MaxNewWordRatio))
	allowed += max(complexity-1, 0)
	return min(allowed, int(float64(target)*dueHardCap))
}

// knownFill picks count fill words from the known pool: the top share
// by score, then a random sample of whatever remains so back-to-back
// stories do not read identically.
func (s *Selector) knownFill(knownPool []store.UserWord, sig signals, count int, exclude map[string]bool) []string {
	type candidate struct {
		id    string
		score float64
	}
	candidates := make([]candidate, 0, len(knownPool))
	for _, w := range knownPool {
		if exclude[w.ID] {
			continue
		}
		candidates = append(candidates, candidate{w.ID, knownFillScore(w, sig)})
	}
	sortCandidates := func(i, j int) bool { return candidates[i].score > candidates[j].score }
	sort.SliceStable(candidates, sortCandidates)

	if count < 0 {
		count = 0
	}
	priorityCount := int(float64(count) * knownPriorityShare)
	taken := min(priorityCount, len(candidates))

	selected := make([]string, 0, count)
	for _, c := range candidates[:taken] {
		selected = append(selected, c.id)
	}

	rest := candidates[taken:]
	randomCount := min(count-priorityCount, len(rest))
	if randomCount > 0 {
		s.rngMu.Lock()
		perm := s.rng.Perm(len(rest))
		s.rngMu.Unlock()
		for _, idx := range perm[:randomCount] {
			selected = append(selected, rest[idx].id)
		}
	}
	return selected
}

// topScores extracts the debug score list from the selected due words.
func topScores(selected []ScoredWord) []DueScore {
	n := min(topScoreCount, len(selected))
	out := make([]DueScore, n)
	for i := 0; i < n; i++ {
		out[i] = DueScore{WordID: selected[i].WordID, Word: selected[i].Word, Score: selected[i].Score}
	}
	return out
}

// sessionWordSets converts session rollups into reviewed-word sets,
// most recent session first.
func sessionWordSets(sums []store.SessionSummary) []map[string]bool {
	sets := make([]map[string]bool, 0, len(sums))
	for _, sum := range sums {
		set := make(map[string]bool, len(sum.WordsReviewedIDs))
		for _, id := range sum.WordsReviewedIDs {
			set[id] = true
		}
		sets = append(sets, set)
	}
	return sets
}

// wordIDSet collects the distinct word ids behind a batch of events.
func wordIDSet(events []store.InteractionEvent) map[string]bool {
	set := make(map[string]bool, len(events))
	for _, e := range events {
		if e.WordID != "" {
			set[e.WordID] = true
		}
	}
	return set
}

func emptyResult() SelectResult {
	return SelectResult{
		DueWords:       []ScoredWord{},
		KnownFillWords: []string{},
		ThematicBias:   []string{},
		Debug:          DebugInfo{TopDueScores: []DueScore{}},
	}
}

// UpdatePreferences folds one finished story session into the learner's
// topic profile and bumps the per-topic dwell counters. The vector only
// moves for taxonomy tags; dwell counters accumulate for every tag the
// app reports.
func (s *Selector) UpdatePreferences(ctx context.Context, userID string, topicTags []string, timeOnSegmentMs float64, storyID string) error {
	row, err := s.db.TopicPreference(ctx, userID)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("topic preference: %w", err)
	}

	current := resolveVector(row, found)
	updated := UpdatePreference(current, []Engagement{{
		TopicTags:       topicTags,
		TimeOnSegmentMs: timeOnSegmentMs,
	}}, s.cfg.EngagementDecay)

	engagement := row.TopicEngagement
	if engagement == nil {
		engagement = make(map[string]float64, len(topicTags))
	}
	for _, tag := range topicTags {
		engagement[tag] += timeOnSegmentMs
	}

	if err := s.db.UpsertTopicPreference(ctx, store.TopicPreference{
		UserID:           userID,
		PreferenceVector: updated,
		SelectedTopics:   row.SelectedTopics,
		TopicEngagement:  engagement,
	}); err != nil {
		return err
	}

	s.log.Debug().
		Str("user_id", userID).
		Str("story_id", storyID).
		Strs("topics", topicTags).
		Float64("dwell_ms", timeOnSegmentMs).
		Msg("topic preferences updated")
	return nil
}

// InitPreferences seeds the learner's topic profile from the interests
// chosen at signup and returns the resulting vector.
func (s *Selector) InitPreferences(ctx context.Context, userID string, selected []string) ([]float64, error) {
	vec := InitialPreference(selected)
	err := s.db.UpsertTopicPreference(ctx, store.TopicPreference{
		UserID:           userID,
		PreferenceVector: vec,
		SelectedTopics:   selected,
		TopicEngagement:  map[string]float64{},
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}
