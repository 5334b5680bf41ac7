package store

import (
	"encoding/json"
	"time"
)

// Row types mirror the Postgres tables exposed through PostgREST. Column
// names are snake_case on the wire; timestamps are timestamptz and decode
// as RFC3339. Nullable columns use pointers so a null survives the round
// trip instead of collapsing to a zero value.

// InteractionEvent is one learner interaction (answer, exposure, drill item).
type InteractionEvent struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	SessionID           string    `json:"session_id"`
	WordID              string    `json:"word_id,omitempty"`
	GrammarConceptID    string    `json:"grammar_concept_id,omitempty"`
	ModuleSource        string    `json:"module_source"`
	Correct             *bool     `json:"correct,omitempty"`
	ResponseTimeMs      float64   `json:"response_time_ms"`
	Sequence            int       `json:"session_sequence_number"`
	DaysSinceLastReview *float64  `json:"days_since_last_review,omitempty"`
	ConsecutiveCorrect  int       `json:"consecutive_correct_in_session,omitempty"`
	FatigueProxy        float64   `json:"session_fatigue_proxy,omitempty"`
	InputMode           string    `json:"input_mode,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// WasCorrect treats a missing correctness flag as incorrect.
func (e InteractionEvent) WasCorrect() bool {
	return e.Correct != nil && *e.Correct
}

// SessionSummary is the per-session rollup row. session_id is the client's
// session identifier and the lookup key; id is the row's own primary key.
type SessionSummary struct {
	ID                     string     `json:"id,omitempty"`
	SessionID              string     `json:"session_id"`
	UserID                 string     `json:"user_id"`
	ModuleSource           string     `json:"module_source"`
	TotalWords             int        `json:"total_words"`
	CorrectCount           int        `json:"correct_count"`
	CompletedSession       bool       `json:"completed_session"`
	SessionDurationMs      float64    `json:"session_duration_ms"`
	EstimatedCognitiveLoad *float64   `json:"estimated_cognitive_load"`
	WordsReviewedIDs       []string   `json:"words_reviewed_ids,omitempty"`
	StartedAt              time.Time  `json:"started_at"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`
}

// UserBaseline is the learner's global response-time baseline row.
type UserBaseline struct {
	UserID            string     `json:"user_id"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	TotalSessions     int        `json:"total_sessions"`
	LastSessionAt     *time.Time `json:"last_session_at,omitempty"`
}

// ModuleBaseline is a per-module response-time average, computed by the
// get_user_module_baselines database function.
type ModuleBaseline struct {
	ModuleSource      string  `json:"module_source"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// BucketBaseline is a per-(module, word status) response-time average,
// computed by the get_user_difficulty_baselines database function.
type BucketBaseline struct {
	ModuleSource      string  `json:"module_source"`
	WordStatus        string  `json:"word_status"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// ConceptMastery is one grammar concept's mastery score from the
// get_grammar_mastery_summary database function. Older deployments of the
// function emit grammar_tag instead of concept_tag.
type ConceptMastery struct {
	ConceptTag   string  `json:"concept_tag"`
	GrammarTag   string  `json:"grammar_tag,omitempty"`
	MasteryScore float64 `json:"mastery_score"`
}

// Tag returns whichever tag column the function populated.
func (c ConceptMastery) Tag() string {
	if c.ConceptTag != "" {
		return c.ConceptTag
	}
	if c.GrammarTag != "" {
		return c.GrammarTag
	}
	return "unknown"
}

// UserWord is one SRS vocabulary row. Production and pronunciation scores
// are stored 0-100; id is the row key that interaction_events.word_id
// points at, word_id references the shared vocab entry.
type UserWord struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	WordID             string     `json:"word_id,omitempty"`
	Word               string     `json:"word"`
	Lemma              string     `json:"lemma,omitempty"`
	Language           string     `json:"language"`
	Status             string     `json:"status"`
	PartOfSpeech       string     `json:"part_of_speech,omitempty"`
	EaseFactor         *float64   `json:"ease_factor,omitempty"`
	Interval           float64    `json:"interval,omitempty"`
	Repetitions        int        `json:"repetitions,omitempty"`
	NextReview         *time.Time `json:"next_review,omitempty"`
	LastReviewed       *time.Time `json:"last_reviewed,omitempty"`
	FrequencyRank      *int       `json:"frequency_rank,omitempty"`
	ExposureCount      int        `json:"exposure_count,omitempty"`
	ProductionScore    float64    `json:"production_score,omitempty"`
	PronunciationScore float64    `json:"pronunciation_score,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	IntroThreshold     *float64   `json:"story_introduction_threshold,omitempty"`
}

// Ease returns the ease factor with the SRS default applied.
func (w UserWord) Ease() float64 {
	if w.EaseFactor == nil || *w.EaseFactor == 0 {
		return 2.5
	}
	return *w.EaseFactor
}

// StoryThreshold returns the minimum ease required before the word may
// appear in generated stories.
func (w UserWord) StoryThreshold() float64 {
	if w.IntroThreshold == nil || *w.IntroThreshold == 0 {
		return 1.0
	}
	return *w.IntroThreshold
}

// WordStatusRow pairs a user_words row id with its SRS status. Used when
// only the status of a known word set is needed.
type WordStatusRow struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Profile is the learner's signup profile. The row id is the auth user id.
type Profile struct {
	ID               string `json:"id"`
	NativeLanguage   string `json:"native_language"`
	TargetLanguage   string `json:"target_language"`
	ProficiencyLevel string `json:"proficiency_level"`
}

// RoutingDecision is a persisted router recommendation.
type RoutingDecision struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	RecommendedModule string          `json:"recommended_module"`
	TargetWordIDs     []string        `json:"target_word_ids,omitempty"`
	TargetConcept     *string         `json:"target_concept,omitempty"`
	Reason            string          `json:"reason"`
	Confidence        float64         `json:"confidence"`
	StateSnapshot     json.RawMessage `json:"state_snapshot,omitempty"`
	AlgorithmUsed     string          `json:"algorithm_used"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RoutingReward is an observed reward for a past routing decision.
type RoutingReward struct {
	ID         string          `json:"id"`
	DecisionID string          `json:"decision_id"`
	UserID     string          `json:"user_id"`
	Reward     float64         `json:"reward"`
	Components json.RawMessage `json:"reward_components,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ChurnPrediction is a pre-session churn estimate, one row per user per
// prediction_date.
type ChurnPrediction struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	ChurnProbability    float64         `json:"churn_probability"`
	TriggerNotification bool            `json:"trigger_notification"`
	NotificationHook    *string         `json:"notification_hook,omitempty"`
	ModelVersion        string          `json:"model_version"`
	Features            json.RawMessage `json:"features,omitempty"`
	PredictionDate      string          `json:"prediction_date,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// AbandonmentSnapshot is one mid-session abandonment estimate.
type AbandonmentSnapshot struct {
	ID                      string          `json:"id"`
	UserID                  string          `json:"user_id"`
	SessionID               string          `json:"session_id"`
	WordsCompletedSoFar     int             `json:"words_completed_so_far"`
	AbandonmentProbability  float64         `json:"abandonment_probability"`
	RecommendedIntervention *string         `json:"recommended_intervention,omitempty"`
	Features                json.RawMessage `json:"features,omitempty"`
	ModelVersion            string          `json:"model_version"`
	CreatedAt               time.Time       `json:"created_at"`
}

// RescueIntervention is one delivered mid-session rescue action.
type RescueIntervention struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	SessionID          string          `json:"session_id"`
	InterventionType   string          `json:"intervention_type"`
	TriggerProbability float64         `json:"trigger_probability"`
	Payload            json.RawMessage `json:"intervention_payload,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TrainingUser is one aggregated learner row from the
// get_cold_start_training_data database function.
type TrainingUser struct {
	UserID              string             `json:"user_id"`
	NativeLanguage      string             `json:"native_language"`
	TargetLanguage      string             `json:"target_language"`
	ProficiencyLevel    string             `json:"proficiency_level"`
	Goals               []string           `json:"goals,omitempty"`
	AvgSessionLengthMs  float64            `json:"avg_session_length_ms"`
	PreferredTimeOfDay  string             `json:"preferred_time_of_day"`
	ModuleDistribution  map[string]float64 `json:"module_distribution,omitempty"`
	ForgettingSteepness *float64           `json:"forgetting_steepness,omitempty"`
	EventCount          int                `json:"event_count"`
}

// ClusterProfile describes one learner cluster from the latest clustering
// run. One row per centroid, replaced wholesale after each retrain.
type ClusterProfile struct {
	ClusterID              int                `json:"cluster_id"`
	Size                   int                `json:"size"`
	ModuleWeights          map[string]float64 `json:"recommended_module_weights"`
	DefaultComplexityLevel int                `json:"default_complexity_level"`
	RecommendedPath        []string           `json:"recommended_path"`
	EstimatedVocabStart    string             `json:"estimated_vocab_start"`
	AvgForgettingSteepness float64            `json:"avg_forgetting_steepness"`
	AvgSessionLengthMin    float64            `json:"avg_session_length_min"`
	DominantGoals          []string           `json:"dominant_goals"`
}

// ClusterAssignment is a cold-start cluster assignment. is_active flips to
// false once the learner graduates to personal models.
type ClusterAssignment struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"user_id"`
	ClusterID              int             `json:"cluster_id"`
	RecommendedPath        []string        `json:"recommended_path,omitempty"`
	DefaultComplexityLevel int             `json:"default_complexity_level"`
	EstimatedVocabStart    string          `json:"estimated_vocab_start,omitempty"`
	Confidence             float64         `json:"confidence"`
	AssignmentFeatures     json.RawMessage `json:"assignment_features,omitempty"`
	IsActive               bool            `json:"is_active"`
	CreatedAt              time.Time       `json:"created_at"`
}

// PredictionLogEntry is one inference response record.
type PredictionLogEntry struct {
	ID             string    `json:"id,omitempty"`
	Service        string    `json:"service"`
	Endpoint       string    `json:"endpoint"`
	UserID         string    `json:"user_id"`
	LatencyMs      float64   `json:"latency_ms"`
	CacheHit       bool      `json:"cache_hit"`
	ModelVersion   string    `json:"model_version,omitempty"`
	ResponseDigest string    `json:"response_digest,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TopicPreference stores a learner's thematic preference state.
type TopicPreference struct {
	UserID           string             `json:"user_id"`
	PreferenceVector []float64          `json:"preference_vector"`
	SelectedTopics   []string           `json:"selected_topics,omitempty"`
	TopicEngagement  map[string]float64 `json:"topic_engagement,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// SegmentEngagement is one story segment dwell record, the training signal
// for topic preferences.
type SegmentEngagement struct {
	StoryID         string    `json:"story_id"`
	TopicTags       []string  `json:"topic_tags,omitempty"`
	TimeOnSegmentMs float64   `json:"time_on_segment_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// GrammarLesson is a lesson row. The explanation seeds example-sentence
// prompts.
type GrammarLesson struct {
	ID          string `json:"id"`
	ConceptTag  string `json:"concept_tag"`
	Title       string `json:"title,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// FeedbackCacheRow caches one generated feedback explanation.
type FeedbackCacheRow struct {
	ID              string    `json:"id,omitempty"`
	UserID          string    `json:"user_id"`
	WordID          string    `json:"word_id"`
	SessionID       *string   `json:"session_id,omitempty"`
	PatternDetected string    `json:"pattern_detected"`
	Explanation     string    `json:"explanation"`
	ExampleSentence string    `json:"example_sentence"`
	PromptUsed      string    `json:"prompt_used,omitempty"`
	LLMProvider     string    `json:"llm_provider,omitempty"`
	LLMModel        string    `json:"llm_model,omitempty"`
	LatencyMs       int       `json:"latency_ms,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionPlan is a persisted complexity recommendation.
type SessionPlan struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ComplexityLevel int             `json:"predicted_complexity_level"`
	WordCount       int             `json:"recommended_word_count"`
	DurationMinutes float64         `json:"recommended_duration_minutes"`
	Confidence      float64         `json:"confidence"`
	InputFeatures   json.RawMessage `json:"input_features,omitempty"`
	ModelVersion    string          `json:"model_version"`
	CreatedAt       time.Time       `json:"created_at"`
}
