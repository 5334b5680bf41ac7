package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Insert payloads are built as maps so server-defaulted columns (id,
// created_at, prediction_date) never appear on the wire.

// round to n decimal places, matching what the dashboard queries expect.
func round(v float64, places int) float64 {
	f := math.Pow(10, float64(places))
	return math.Round(v*f) / f
}

// insertReturning inserts one payload and returns the new row id.
func insertReturning[T any](ctx context.Context, s *Store, table string, payload map[string]any, id func(T) string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var rows []T
	_, err := s.client.From(table).
		Insert(payload, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return "", classify("insert "+table, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("insert %s: empty representation", table)
	}
	return id(rows[0]), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ═══════════════════════════════════════════════════════════════════════════════

// SaveRoutingDecision persists a router recommendation and returns its id.
func (s *Store) SaveRoutingDecision(ctx context.Context, d RoutingDecision) (string, error) {
	payload := map[string]any{
		"user_id":            d.UserID,
		"recommended_module": d.RecommendedModule,
		"target_word_ids":    d.TargetWordIDs,
		"target_concept":     d.TargetConcept,
		"reason":             d.Reason,
		"confidence":         d.Confidence,
		"state_snapshot":     d.StateSnapshot,
		"algorithm_used":     d.AlgorithmUsed,
	}
	return insertReturning(ctx, s, "routing_decisions", payload, func(r RoutingDecision) string { return r.ID })
}

// SaveRoutingReward persists an observed reward for a past decision.
func (s *Store) SaveRoutingReward(ctx context.Context, r RoutingReward) (string, error) {
	payload := map[string]any{
		"decision_id":       r.DecisionID,
		"user_id":           r.UserID,
		"reward":            round(r.Reward, 4),
		"reward_components": r.Components,
	}
	return insertReturning(ctx, s, "routing_rewards", payload, func(r RoutingReward) string { return r.ID })
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHURN
// ═══════════════════════════════════════════════════════════════════════════════

// SaveChurnPrediction upserts today's pre-session churn estimate for the
// learner. One row per (user, prediction_date).
func (s *Store) SaveChurnPrediction(ctx context.Context, p ChurnPrediction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload := map[string]any{
		"user_id":              p.UserID,
		"churn_probability":    p.ChurnProbability,
		"trigger_notification": p.TriggerNotification,
		"notification_hook":    p.NotificationHook,
		"model_version":        p.ModelVersion,
		"features":             p.Features,
	}
	var rows []ChurnPrediction
	_, err := s.client.From("churn_predictions").
		Insert(payload, true, "user_id,prediction_date", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return "", classify("save churn prediction", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("save churn prediction: empty representation")
	}
	return rows[0].ID, nil
}

// SaveAbandonmentSnapshot persists a mid-session abandonment estimate.
func (s *Store) SaveAbandonmentSnapshot(ctx context.Context, snap AbandonmentSnapshot) (string, error) {
	payload := map[string]any{
		"user_id":                  snap.UserID,
		"session_id":               snap.SessionID,
		"words_completed_so_far":   snap.WordsCompletedSoFar,
		"abandonment_probability":  snap.AbandonmentProbability,
		"recommended_intervention": snap.RecommendedIntervention,
		"features":                 snap.Features,
		"model_version":            snap.ModelVersion,
	}
	return insertReturning(ctx, s, "session_abandonment_snapshots", payload, func(r AbandonmentSnapshot) string { return r.ID })
}

// SaveIntervention persists a delivered rescue intervention.
func (s *Store) SaveIntervention(ctx context.Context, iv RescueIntervention) (string, error) {
	payload := map[string]any{
		"user_id":              iv.UserID,
		"session_id":           iv.SessionID,
		"intervention_type":    iv.InterventionType,
		"trigger_probability":  iv.TriggerProbability,
		"intervention_payload": iv.Payload,
	}
	return insertReturning(ctx, s, "rescue_interventions", payload, func(r RescueIntervention) string { return r.ID })
}

// ═══════════════════════════════════════════════════════════════════════════════
// COLD START
// ═══════════════════════════════════════════════════════════════════════════════

// SaveAssignment persists a cold-start cluster assignment.
func (s *Store) SaveAssignment(ctx context.Context, a ClusterAssignment) (string, error) {
	payload := map[string]any{
		"user_id":                  a.UserID,
		"cluster_id":               a.ClusterID,
		"recommended_path":         a.RecommendedPath,
		"default_complexity_level": a.DefaultComplexityLevel,
		"estimated_vocab_start":    a.EstimatedVocabStart,
		"confidence":               round(a.Confidence, 4),
		"assignment_features":      a.AssignmentFeatures,
	}
	return insertReturning(ctx, s, "cold_start_assignments", payload, func(r ClusterAssignment) string { return r.ID })
}

// DeactivateAssignments marks all of the learner's cluster assignments
// inactive once they graduate to personal models.
func (s *Store) DeactivateAssignments(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From("cold_start_assignments").
		Update(map[string]any{"is_active": false}, "minimal", "").
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return classify("deactivate assignments", err)
	}
	return nil
}

// UpsertClusterProfiles replaces the learner cluster profiles after training.
func (s *Store) UpsertClusterProfiles(ctx context.Context, profiles []ClusterProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}
	_, _, err := s.client.From("learner_cluster_profiles").
		Insert(profiles, true, "cluster_id", "minimal", "").
		Execute()
	if err != nil {
		return classify("upsert cluster profiles", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS, PLANS, PREFERENCES
// ═══════════════════════════════════════════════════════════════════════════════

// UpdateSessionCognitiveLoad writes the final estimated load onto the
// session's summary row.
func (s *Store) UpdateSessionCognitiveLoad(ctx context.Context, sessionID string, load float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From("session_summaries").
		Update(map[string]any{"estimated_cognitive_load": round(load, 4)}, "minimal", "").
		Eq("session_id", sessionID).
		Execute()
	if err != nil {
		return classify("update session cognitive load", err)
	}
	return nil
}

// SaveSessionPlan persists a complexity recommendation and returns its id.
func (s *Store) SaveSessionPlan(ctx context.Context, p SessionPlan) (string, error) {
	payload := map[string]any{
		"user_id":                      p.UserID,
		"predicted_complexity_level":   p.ComplexityLevel,
		"recommended_word_count":       p.WordCount,
		"recommended_duration_minutes": round(p.DurationMinutes, 1),
		"confidence":                   round(p.Confidence, 4),
		"input_features":               p.InputFeatures,
		"model_version":                p.ModelVersion,
	}
	return insertReturning(ctx, s, "session_plans", payload, func(r SessionPlan) string { return r.ID })
}

// UpsertTopicPreference writes the learner's thematic preference state,
// replacing any existing row.
func (s *Store) UpsertTopicPreference(ctx context.Context, pref TopicPreference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := map[string]any{
		"user_id":           pref.UserID,
		"preference_vector": pref.PreferenceVector,
		"selected_topics":   pref.SelectedTopics,
		"topic_engagement":  pref.TopicEngagement,
		"updated_at":        ts(time.Now()),
	}
	_, _, err := s.client.From("user_topic_preferences").
		Insert(payload, true, "user_id", "minimal", "").
		Execute()
	if err != nil {
		return classify("upsert topic preference", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// FEEDBACK, LOGGING
// ═══════════════════════════════════════════════════════════════════════════════

// FeedbackCachePut stores a generated explanation for later reuse.
func (s *Store) FeedbackCachePut(ctx context.Context, row FeedbackCacheRow) (string, error) {
	payload := map[string]any{
		"user_id":          row.UserID,
		"word_id":          row.WordID,
		"session_id":       row.SessionID,
		"pattern_detected": row.PatternDetected,
		"explanation":      row.Explanation,
		"example_sentence": row.ExampleSentence,
		"prompt_used":      row.PromptUsed,
		"llm_provider":     row.LLMProvider,
		"llm_model":        row.LLMModel,
		"latency_ms":       row.LatencyMs,
	}
	return insertReturning(ctx, s, "llm_feedback_cache", payload, func(r FeedbackCacheRow) string { return r.ID })
}

// InsertPredictionLog writes a batch of prediction log entries.
func (s *Store) InsertPredictionLog(ctx context.Context, entries []PredictionLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	payloads := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, map[string]any{
			"service":         e.Service,
			"endpoint":        e.Endpoint,
			"user_id":         e.UserID,
			"latency_ms":      e.LatencyMs,
			"cache_hit":       e.CacheHit,
			"model_version":   e.ModelVersion,
			"response_digest": e.ResponseDigest,
			"created_at":      ts(e.CreatedAt),
		})
	}
	_, _, err := s.client.From("ml_prediction_log").
		Insert(payloads, false, "", "minimal", "").
		Execute()
	if err != nil {
		return classify("insert prediction log", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERASURE
// ═══════════════════════════════════════════════════════════════════════════════

// UserOwnedTables lists every table holding per-user rows this platform
// writes, in deletion order: reward rows go before the decisions they
// reference so foreign keys never block the sweep.
var UserOwnedTables = []string{
	"routing_rewards",
	"routing_decisions",
	"churn_predictions",
	"session_abandonment_snapshots",
	"rescue_interventions",
	"cold_start_assignments",
	"cognitive_load_events",
	"cognitive_load_sessions",
	"ml_prediction_log",
	"user_topic_preferences",
	"llm_feedback_cache",
	"session_plans",
}

// DeleteUserRows removes a user's rows from one table and returns the count.
func (s *Store) DeleteUserRows(ctx context.Context, table, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, count, err := s.client.From(table).
		Delete("", "exact").
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return 0, classify("delete user rows "+strconv.Quote(table), err)
	}
	return count, nil
}
