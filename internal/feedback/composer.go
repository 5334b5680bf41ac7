package feedback

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/llm"
	"github.com/fluentloop/synapse/internal/store"
)

const serviceName = "feedback"

// feedbackCacheWindow bounds how old a persisted explanation may be
// before it is regenerated.
const feedbackCacheWindow = 24 * time.Hour

// wordHistoryLimit caps how much interaction history feeds pattern
// detection.
const wordHistoryLimit = 100

// Datastore is the subset of the store the composer reads and writes.
type Datastore interface {
	Profile(ctx context.Context, userID string) (store.Profile, error)
	UserWordByID(ctx context.Context, wordID string) (store.UserWord, error)
	SessionEventsForWord(ctx context.Context, userID, wordID, sessionID string) ([]store.InteractionEvent, error)
	EventsForWord(ctx context.Context, userID, wordID string, limit int) ([]store.InteractionEvent, error)
	Translation(ctx context.Context, word, language string) (string, error)
	KnownWords(ctx context.Context, userID, language string, limit int) ([]store.UserWord, error)
	UserWordsByIDs(ctx context.Context, ids []string) ([]store.UserWord, error)
	GrammarLessonByTag(ctx context.Context, conceptTag string) (store.GrammarLesson, error)
	FeedbackCacheGet(ctx context.Context, userID, wordID, pattern string, since time.Time) (store.FeedbackCacheRow, error)
	FeedbackCachePut(ctx context.Context, row store.FeedbackCacheRow) (string, error)
}

// Composer runs the trigger, pattern, prompt, and generation pipeline.
// A nil provider degrades every response to pattern-only.
type Composer struct {
	db       Datastore
	provider llm.Provider
	log      zerolog.Logger
}

// NewComposer wires the feedback pipeline. provider may be nil when no
// LLM is configured.
func NewComposer(db Datastore, provider llm.Provider, log zerolog.Logger) *Composer {
	return &Composer{db: db, provider: provider, log: log.With().Str("component", "feedback").Logger()}
}

// Explanation is the composed word-error feedback.
type Explanation struct {
	Explanation        string  `json:"explanation"`
	ExampleSentence    string  `json:"exampleSentence"`
	PatternDetected    string  `json:"patternDetected"`
	PatternDescription string  `json:"patternDescription"`
	PatternConfidence  float64 `json:"patternConfidence"`
	TriggerReason      string  `json:"triggerReason"`
	Triggered          bool    `json:"triggered"`
	Cached             bool    `json:"cached"`
	UsingLLM           bool    `json:"usingLLM"`
	LLMProvider        string  `json:"llmProvider,omitempty"`
	LLMModel           string  `json:"llmModel,omitempty"`
	LatencyMs          int64   `json:"latencyMs"`
}

// Explain runs the full pipeline for one word. force skips the trigger
// check. A missing profile or word surfaces as store.ErrNotFound; an
// unreachable provider degrades to the pattern description instead of
// failing.
func (c *Composer) Explain(ctx context.Context, userID, wordID, sessionID string, force bool) (Explanation, error) {
	profile, err := c.db.Profile(ctx, userID)
	if err != nil {
		return Explanation{}, err
	}
	word, err := c.db.UserWordByID(ctx, wordID)
	if err != nil {
		return Explanation{}, err
	}

	triggerReason := "forced"
	if !force {
		sessionEvents, err := c.db.SessionEventsForWord(ctx, userID, wordID, sessionID)
		if err != nil {
			return Explanation{}, err
		}
		trig := checkTrigger(word, sessionEvents)
		if !trig.ShouldFire {
			return Explanation{
				PatternDetected: "none",
				TriggerReason:   trig.Reason,
			}, nil
		}
		triggerReason = trig.Reason
	}

	events, err := c.db.EventsForWord(ctx, userID, wordID, wordHistoryLimit)
	if err != nil {
		return Explanation{}, err
	}
	pattern := detectPattern(events)

	if row, err := c.db.FeedbackCacheGet(ctx, userID, wordID, pattern.Name, time.Now().Add(-feedbackCacheWindow)); err == nil {
		return Explanation{
			Explanation:        row.Explanation,
			ExampleSentence:    row.ExampleSentence,
			PatternDetected:    pattern.Name,
			PatternDescription: pattern.Description,
			PatternConfidence:  pattern.Confidence,
			TriggerReason:      triggerReason,
			Triggered:          true,
			Cached:             true,
			UsingLLM:           row.LLMProvider != "",
			LLMProvider:        row.LLMProvider,
			LLMModel:           row.LLMModel,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("feedback cache lookup failed")
	}

	prompt := buildExplainPrompt(explainPromptInput{
		TargetLanguage:    profile.TargetLanguage,
		NativeLanguage:    profile.NativeLanguage,
		CEFRLevel:         profile.ProficiencyLevel,
		TargetWord:        word.Word,
		NativeTranslation: c.translation(ctx, word.Word, profile.TargetLanguage),
		GrammarTags:       word.Tags,
		ErrorPattern:      pattern.Description,
		KnownSimilarWords: c.similarKnownWords(ctx, userID, profile.TargetLanguage, word.PartOfSpeech),
	})

	resp := Explanation{
		PatternDetected:    pattern.Name,
		PatternDescription: pattern.Description,
		PatternConfidence:  pattern.Confidence,
		TriggerReason:      triggerReason,
		Triggered:          true,
	}

	result, ok := c.generate(ctx, prompt)
	if !ok {
		resp.Explanation = pattern.Description
		return resp, nil
	}

	resp.Explanation, resp.ExampleSentence = parseExplainResponse(result.Text)
	resp.UsingLLM = true
	resp.LLMProvider = result.Provider
	resp.LLMModel = result.Model
	resp.LatencyMs = result.LatencyMs

	row := store.FeedbackCacheRow{
		UserID:          userID,
		WordID:          wordID,
		SessionID:       &sessionID,
		PatternDetected: pattern.Name,
		Explanation:     resp.Explanation,
		ExampleSentence: resp.ExampleSentence,
		PromptUsed:      prompt,
		LLMProvider:     result.Provider,
		LLMModel:        result.Model,
		LatencyMs:       int(result.LatencyMs),
	}
	if _, err := c.db.FeedbackCachePut(ctx, row); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Str("word_id", wordID).Msg("feedback cache write failed")
	}
	return resp, nil
}

// GrammarExamples is the composed grammar example-sentence response.
type GrammarExamples struct {
	Sentences      []string `json:"sentences"`
	GrammarConcept string   `json:"grammarConcept"`
	UsingLLM       bool     `json:"usingLLM"`
	LLMProvider    string   `json:"llmProvider,omitempty"`
	LLMModel       string   `json:"llmModel,omitempty"`
	LatencyMs      int64    `json:"latencyMs"`
}

// Examples generates up to three sentences demonstrating a grammar
// concept using only the learner's known vocabulary. An empty
// knownWordIDs falls back to the learner's known-word list.
func (c *Composer) Examples(ctx context.Context, userID, conceptTag string, knownWordIDs []string) (GrammarExamples, error) {
	profile, err := c.db.Profile(ctx, userID)
	if err != nil {
		return GrammarExamples{}, err
	}

	explanation := ""
	if lesson, err := c.db.GrammarLessonByTag(ctx, conceptTag); err == nil {
		explanation = lesson.Explanation
	} else if !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Str("concept", conceptTag).Msg("grammar lesson lookup failed")
	}

	var words []store.UserWord
	if len(knownWordIDs) > 0 {
		words, err = c.db.UserWordsByIDs(ctx, knownWordIDs)
	} else {
		words, err = c.db.KnownWords(ctx, userID, profile.TargetLanguage, 30)
	}
	if err != nil {
		return GrammarExamples{}, err
	}
	known := make([]string, 0, len(words))
	for _, w := range words {
		if w.Word != "" {
			known = append(known, w.Word)
		}
	}

	prompt := buildGrammarPrompt(grammarPromptInput{
		TargetLanguage:     profile.TargetLanguage,
		NativeLanguage:     profile.NativeLanguage,
		CEFRLevel:          profile.ProficiencyLevel,
		GrammarConcept:     conceptTag,
		GrammarExplanation: explanation,
		KnownWords:         known,
	})

	resp := GrammarExamples{Sentences: []string{}, GrammarConcept: conceptTag}
	result, ok := c.generate(ctx, prompt)
	if !ok {
		return resp, nil
	}
	resp.Sentences = parseGrammarResponse(result.Text)
	if resp.Sentences == nil {
		resp.Sentences = []string{}
	}
	resp.UsingLLM = true
	resp.LLMProvider = result.Provider
	resp.LLMModel = result.Model
	resp.LatencyMs = result.LatencyMs
	return resp, nil
}

// generate calls the provider, treating a nil provider or a failed call
// as an unavailable LLM rather than an error.
func (c *Composer) generate(ctx context.Context, prompt string) (llm.Result, bool) {
	if c.provider == nil {
		return llm.Result{}, false
	}
	result, err := c.provider.Generate(ctx, prompt)
	if err != nil {
		c.log.Warn().Err(err).Str("provider", c.provider.Name()).Msg("llm generation failed, degrading to pattern-only")
		return llm.Result{}, false
	}
	return result, true
}

func (c *Composer) translation(ctx context.Context, word, language string) string {
	translation, err := c.db.Translation(ctx, word, language)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn().Err(err).Str("word", word).Msg("translation lookup failed")
		}
		return ""
	}
	return translation
}

// similarKnownWords returns up to five known words for analogy, words
// sharing the target's part of speech first.
func (c *Composer) similarKnownWords(ctx context.Context, userID, language, partOfSpeech string) []string {
	words, err := c.db.KnownWords(ctx, userID, language, 20)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("known words lookup failed")
		return nil
	}
	var samePOS, other []string
	for _, w := range words {
		if partOfSpeech != "" && w.PartOfSpeech == partOfSpeech {
			samePOS = append(samePOS, w.Word)
		} else {
			other = append(other, w.Word)
		}
	}
	merged := append(samePOS, other...)
	if len(merged) > 5 {
		merged = merged[:5]
	}
	return merged
}
