package store

import (
	"context"
	"strconv"
	"time"
)

// wordStatusChunk bounds IN-list sizes so filter expressions stay inside
// URL length limits.
const wordStatusChunk = 200

// ═══════════════════════════════════════════════════════════════════════════════
// INTERACTION EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// CountUserEvents returns the learner's total interaction event count.
func (s *Store) CountUserEvents(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, count, err := s.client.From("interaction_events").
		Select("id", "exact", true).
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return 0, classify("count user events", err)
	}
	return int(count), nil
}

// UserEvents returns the learner's full event history, oldest first.
// limit > 0 caps the scan for pathologically long histories.
func (s *Store) UserEvents(ctx context.Context, userID string, limit int) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	q := s.client.From("interaction_events").
		Select("*", "", false).
		Eq("user_id", userID).
		Order("created_at", ascending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&events); err != nil {
		return nil, classify("user events", err)
	}
	return events, nil
}

// RecentEvents returns the learner's events since the cutoff, newest first.
func (s *Store) RecentEvents(ctx context.Context, userID string, since time.Time, limit int) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	q := s.client.From("interaction_events").
		Select("*", "", false).
		Eq("user_id", userID).
		Gte("created_at", ts(since)).
		Order("created_at", descending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&events); err != nil {
		return nil, classify("recent events", err)
	}
	return events, nil
}

// EventsForSession returns a session's events in sequence order.
func (s *Store) EventsForSession(ctx context.Context, sessionID string) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	_, err := s.client.From("interaction_events").
		Select("*", "", false).
		Eq("session_id", sessionID).
		Order("session_sequence_number", ascending).
		ExecuteTo(&events)
	if err != nil {
		return nil, classify("events for session", err)
	}
	return events, nil
}

// EventsForWord returns the learner's history with one word, newest first.
func (s *Store) EventsForWord(ctx context.Context, userID, wordID string, limit int) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	q := s.client.From("interaction_events").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("word_id", wordID).
		Order("created_at", descending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&events); err != nil {
		return nil, classify("events for word", err)
	}
	return events, nil
}

// SessionEventsForWord returns the interactions with one word inside a
// single session, in presentation order.
func (s *Store) SessionEventsForWord(ctx context.Context, userID, wordID, sessionID string) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	_, err := s.client.From("interaction_events").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("word_id", wordID).
		Eq("session_id", sessionID).
		Order("session_sequence_number", ascending).
		ExecuteTo(&events)
	if err != nil {
		return nil, classify("session events for word", err)
	}
	return events, nil
}

// RecentModuleEvents returns events from one module since the cutoff,
// newest first.
func (s *Store) RecentModuleEvents(ctx context.Context, userID, module string, since time.Time, limit int) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	q := s.client.From("interaction_events").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("module_source", module).
		Gte("created_at", ts(since)).
		Order("created_at", descending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&events); err != nil {
		return nil, classify("recent module events", err)
	}
	return events, nil
}

// EventsSince returns events across all learners strictly after the cutoff,
// oldest first. Trainers page through history by passing the last row's
// created_at back in; rows sharing that exact timestamp with the cursor are
// skipped, which is acceptable for training reads.
func (s *Store) EventsSince(ctx context.Context, since time.Time, limit int) ([]InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []InteractionEvent
	q := s.client.From("interaction_events").
		Select("*", "", false).
		Gt("created_at", ts(since)).
		Order("created_at", ascending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&events); err != nil {
		return nil, classify("events since", err)
	}
	return events, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SessionSummaries returns the learner's sessions, newest first.
func (s *Store) SessionSummaries(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sums []SessionSummary
	q := s.client.From("session_summaries").
		Select("*", "", false).
		Eq("user_id", userID).
		Order("started_at", descending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&sums); err != nil {
		return nil, classify("session summaries", err)
	}
	return sums, nil
}

// SessionSummary returns one session by its client session id.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return SessionSummary{}, err
	}
	var sums []SessionSummary
	_, err := s.client.From("session_summaries").
		Select("*", "", false).
		Eq("session_id", sessionID).
		Limit(1, "").
		ExecuteTo(&sums)
	if err != nil {
		return SessionSummary{}, classify("session summary", err)
	}
	if len(sums) == 0 {
		return SessionSummary{}, ErrNotFound
	}
	return sums[0], nil
}

// SessionSummariesSince returns sessions across all users since the cutoff,
// oldest first. Used by trainers.
func (s *Store) SessionSummariesSince(ctx context.Context, since time.Time, limit int) ([]SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sums []SessionSummary
	q := s.client.From("session_summaries").
		Select("*", "", false).
		Gte("started_at", ts(since)).
		Order("started_at", ascending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&sums); err != nil {
		return nil, classify("session summaries since", err)
	}
	return sums, nil
}

// CountSessions returns the global session count.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, count, err := s.client.From("session_summaries").
		Select("id", "exact", true).
		Execute()
	if err != nil {
		return 0, classify("count sessions", err)
	}
	return int(count), nil
}

// EarliestSessionAfter returns the learner's first session started strictly
// after t, or ErrNotFound.
func (s *Store) EarliestSessionAfter(ctx context.Context, userID string, t time.Time) (SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return SessionSummary{}, err
	}
	var sums []SessionSummary
	_, err := s.client.From("session_summaries").
		Select("*", "", false).
		Eq("user_id", userID).
		Gt("started_at", ts(t)).
		Order("started_at", ascending).
		Limit(1, "").
		ExecuteTo(&sums)
	if err != nil {
		return SessionSummary{}, classify("earliest session after", err)
	}
	if len(sums) == 0 {
		return SessionSummary{}, ErrNotFound
	}
	return sums[0], nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASELINES
// ═══════════════════════════════════════════════════════════════════════════════

// GlobalBaseline returns the learner's global response-time baseline row,
// or ErrNotFound for learners with no baseline yet.
func (s *Store) GlobalBaseline(ctx context.Context, userID string) (UserBaseline, error) {
	if err := ctx.Err(); err != nil {
		return UserBaseline{}, err
	}
	var rows []UserBaseline
	_, err := s.client.From("user_baselines").
		Select("*", "", false).
		Eq("user_id", userID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return UserBaseline{}, classify("global baseline", err)
	}
	if len(rows) == 0 {
		return UserBaseline{}, ErrNotFound
	}
	return rows[0], nil
}

// ModuleBaselines returns the learner's per-module response-time averages.
func (s *Store) ModuleBaselines(ctx context.Context, userID string) ([]ModuleBaseline, error) {
	var rows []ModuleBaseline
	err := s.rpcInto(ctx, "get_user_module_baselines", map[string]string{"p_user_id": userID}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BucketBaselines returns the learner's per-(module, word status)
// response-time averages.
func (s *Store) BucketBaselines(ctx context.Context, userID string) ([]BucketBaseline, error) {
	var rows []BucketBaseline
	err := s.rpcInto(ctx, "get_user_difficulty_baselines", map[string]string{"p_user_id": userID}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEARNER STATE
// ═══════════════════════════════════════════════════════════════════════════════

// UserWords returns the learner's vocabulary. Language narrows the set when
// non-empty.
func (s *Store) UserWords(ctx context.Context, userID, language string) ([]UserWord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []UserWord
	q := s.client.From("user_words").
		Select("*", "", false).
		Eq("user_id", userID)
	if language != "" {
		q = q.Eq("language", language)
	}
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, classify("user words", err)
	}
	return rows, nil
}

// UserWordByID returns a single SRS vocabulary row by its primary key.
func (s *Store) UserWordByID(ctx context.Context, wordID string) (UserWord, error) {
	if err := ctx.Err(); err != nil {
		return UserWord{}, err
	}
	var rows []UserWord
	_, err := s.client.From("user_words").
		Select("*", "", false).
		Eq("id", wordID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return UserWord{}, classify("user word", err)
	}
	if len(rows) == 0 {
		return UserWord{}, ErrNotFound
	}
	return rows[0], nil
}

// KnownWords returns the learner's known and mastered vocabulary, most
// recently reviewed first.
func (s *Store) KnownWords(ctx context.Context, userID, language string, limit int) ([]UserWord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []UserWord
	q := s.client.From("user_words").
		Select("*", "", false).
		Eq("user_id", userID).
		In("status", []string{"known", "mastered"}).
		Order("last_reviewed", descending)
	if language != "" {
		q = q.Eq("language", language)
	}
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, classify("known words", err)
	}
	return rows, nil
}

// UserWordsByIDs resolves specific user_words rows.
func (s *Store) UserWordsByIDs(ctx context.Context, ids []string) ([]UserWord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []UserWord
	_, err := s.client.From("user_words").
		Select("*", "", false).
		In("id", ids).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("user words by ids", err)
	}
	return rows, nil
}

// Translation looks up a word's translation in the shared vocabulary
// table. Missing entries return ErrNotFound.
func (s *Store) Translation(ctx context.Context, word, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var rows []struct {
		Translation string `json:"translation"`
	}
	_, err := s.client.From("vocabulary").
		Select("translation", "", false).
		Eq("word", word).
		Eq("language", language).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return "", classify("translation", err)
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rows[0].Translation, nil
}

// GrammarLessonByTag returns the lesson content for a concept tag.
func (s *Store) GrammarLessonByTag(ctx context.Context, conceptTag string) (GrammarLesson, error) {
	if err := ctx.Err(); err != nil {
		return GrammarLesson{}, err
	}
	var rows []GrammarLesson
	_, err := s.client.From("grammar_lessons").
		Select("*", "", false).
		Eq("concept_tag", conceptTag).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return GrammarLesson{}, classify("grammar lesson", err)
	}
	if len(rows) == 0 {
		return GrammarLesson{}, ErrNotFound
	}
	return rows[0], nil
}

// WordStatuses resolves the learner's user_words row ids to their SRS
// statuses.
func (s *Store) WordStatuses(ctx context.Context, userID string, wordIDs []string) (map[string]string, error) {
	statuses := make(map[string]string, len(wordIDs))
	for start := 0; start < len(wordIDs); start += wordStatusChunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + wordStatusChunk
		if end > len(wordIDs) {
			end = len(wordIDs)
		}
		var rows []WordStatusRow
		_, err := s.client.From("user_words").
			Select("id, status", "", false).
			Eq("user_id", userID).
			In("id", wordIDs[start:end]).
			ExecuteTo(&rows)
		if err != nil {
			return nil, classify("word statuses", err)
		}
		for _, r := range rows {
			statuses[r.ID] = r.Status
		}
	}
	return statuses, nil
}

// Profile returns the learner's signup profile.
func (s *Store) Profile(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	var rows []Profile
	_, err := s.client.From("profiles").
		Select("*", "", false).
		Eq("id", userID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return Profile{}, classify("profile", err)
	}
	if len(rows) == 0 {
		return Profile{}, ErrNotFound
	}
	return rows[0], nil
}

// UserGoals returns the learner's declared learning goals.
func (s *Store) UserGoals(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []struct {
		Goal string `json:"goal"`
	}
	_, err := s.client.From("user_learning_goals").
		Select("goal", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("user goals", err)
	}
	goals := make([]string, 0, len(rows))
	for _, r := range rows {
		goals = append(goals, r.Goal)
	}
	return goals, nil
}

// GrammarMastery returns the learner's per-concept grammar mastery scores.
func (s *Store) GrammarMastery(ctx context.Context, userID string) ([]ConceptMastery, error) {
	var rows []ConceptMastery
	err := s.rpcInto(ctx, "get_grammar_mastery_summary", map[string]string{"p_user_id": userID}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ═══════════════════════════════════════════════════════════════════════════════

// RoutingDecision returns one decision by id.
func (s *Store) RoutingDecision(ctx context.Context, id string) (RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return RoutingDecision{}, err
	}
	var rows []RoutingDecision
	_, err := s.client.From("routing_decisions").
		Select("*", "", false).
		Eq("id", id).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return RoutingDecision{}, classify("routing decision", err)
	}
	if len(rows) == 0 {
		return RoutingDecision{}, ErrNotFound
	}
	return rows[0], nil
}

// RoutingDecisionsByIDs returns the decisions matching the given ids.
func (s *Store) RoutingDecisionsByIDs(ctx context.Context, ids []string) ([]RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []RoutingDecision
	_, err := s.client.From("routing_decisions").
		Select("*", "", false).
		In("id", ids).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("routing decisions by ids", err)
	}
	return rows, nil
}

// RecentRoutingDecisions returns the learner's latest decisions, newest first.
func (s *Store) RecentRoutingDecisions(ctx context.Context, userID string, limit int) ([]RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []RoutingDecision
	q := s.client.From("routing_decisions").
		Select("*", "", false).
		Eq("user_id", userID).
		Order("created_at", descending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, classify("recent routing decisions", err)
	}
	return rows, nil
}

// RewardExists reports whether a reward row already exists for the decision.
func (s *Store) RewardExists(ctx context.Context, decisionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, count, err := s.client.From("routing_rewards").
		Select("id", "exact", true).
		Eq("decision_id", decisionID).
		Execute()
	if err != nil {
		return false, classify("reward exists", err)
	}
	return count > 0, nil
}

// RoutingRewardForDecision returns the reward already attributed to a
// decision, or ErrNotFound.
func (s *Store) RoutingRewardForDecision(ctx context.Context, decisionID string) (RoutingReward, error) {
	if err := ctx.Err(); err != nil {
		return RoutingReward{}, err
	}
	var rows []RoutingReward
	_, err := s.client.From("routing_rewards").
		Select("*", "", false).
		Eq("decision_id", decisionID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return RoutingReward{}, classify("routing reward for decision", err)
	}
	if len(rows) == 0 {
		return RoutingReward{}, ErrNotFound
	}
	return rows[0], nil
}

// RoutingRewardsSince returns observed rewards since the cutoff, oldest
// first. The policy trainer joins them back to decisions by decision_id.
func (s *Store) RoutingRewardsSince(ctx context.Context, since time.Time, limit int) ([]RoutingReward, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []RoutingReward
	q := s.client.From("routing_rewards").
		Select("*", "", false).
		Gte("created_at", ts(since)).
		Order("created_at", ascending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, classify("routing rewards since", err)
	}
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHURN
// ═══════════════════════════════════════════════════════════════════════════════

// AbandonmentSnapshotsSince returns mid-session abandonment snapshots across
// all users since the cutoff, oldest first. Used by the mid-session trainer.
func (s *Store) AbandonmentSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]AbandonmentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []AbandonmentSnapshot
	q := s.client.From("session_abandonment_snapshots").
		Select("*", "", false).
		Gte("created_at", ts(since)).
		Order("created_at", ascending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, classify("abandonment snapshots since", err)
	}
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLUSTERS, PREFERENCES, FEEDBACK CACHE
// ═══════════════════════════════════════════════════════════════════════════════

// MatureUsers returns aggregated training rows for learners with at least
// minEvents interaction events, via the get_cold_start_training_data
// database function.
func (s *Store) MatureUsers(ctx context.Context, minEvents int) ([]TrainingUser, error) {
	var rows []TrainingUser
	err := s.rpcInto(ctx, "get_cold_start_training_data", map[string]int{"p_min_events": minEvents}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ClusterProfiles returns every learner cluster profile.
func (s *Store) ClusterProfiles(ctx context.Context) ([]ClusterProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []ClusterProfile
	_, err := s.client.From("learner_cluster_profiles").
		Select("*", "", false).
		Order("cluster_id", ascending).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("cluster profiles", err)
	}
	return rows, nil
}

// ActiveAssignment returns the learner's latest not-yet-graduated cluster
// assignment.
func (s *Store) ActiveAssignment(ctx context.Context, userID string) (ClusterAssignment, error) {
	if err := ctx.Err(); err != nil {
		return ClusterAssignment{}, err
	}
	var rows []ClusterAssignment
	_, err := s.client.From("cold_start_assignments").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("is_active", "true").
		Order("created_at", descending).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return ClusterAssignment{}, classify("active assignment", err)
	}
	if len(rows) == 0 {
		return ClusterAssignment{}, ErrNotFound
	}
	return rows[0], nil
}

// TopicPreference returns the learner's stored thematic preference state.
func (s *Store) TopicPreference(ctx context.Context, userID string) (TopicPreference, error) {
	if err := ctx.Err(); err != nil {
		return TopicPreference{}, err
	}
	var rows []TopicPreference
	_, err := s.client.From("user_topic_preferences").
		Select("*", "", false).
		Eq("user_id", userID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return TopicPreference{}, classify("topic preference", err)
	}
	if len(rows) == 0 {
		return TopicPreference{}, ErrNotFound
	}
	return rows[0], nil
}

// RecentSegmentEngagement returns the learner's story segment dwell records
// since the cutoff, newest first.
func (s *Store) RecentSegmentEngagement(ctx context.Context, userID string, since time.Time, limit int) ([]SegmentEngagement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []SegmentEngagement
	q := s.client.From("story_segment_engagement").
		Select("story_id, topic_tags, time_on_segment_ms, created_at", "", false).
		Eq("user_id", userID).
		Gte("created_at", ts(since)).
		Order("created_at", descending)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, classify("recent segment engagement", err)
	}
	return rows, nil
}

// FeedbackCacheGet returns a cached explanation for (user, word, pattern)
// generated at or after the cutoff.
func (s *Store) FeedbackCacheGet(ctx context.Context, userID, wordID, pattern string, since time.Time) (FeedbackCacheRow, error) {
	if err := ctx.Err(); err != nil {
		return FeedbackCacheRow{}, err
	}
	var rows []FeedbackCacheRow
	_, err := s.client.From("llm_feedback_cache").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("word_id", wordID).
		Eq("pattern_detected", pattern).
		Gte("created_at", ts(since)).
		Order("created_at", descending).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return FeedbackCacheRow{}, classify("feedback cache get", err)
	}
	if len(rows) == 0 {
		return FeedbackCacheRow{}, ErrNotFound
	}
	return rows[0], nil
}

// CountUserRows counts a user's rows in an owned table. Used by the data
// summary endpoint.
func (s *Store) CountUserRows(ctx context.Context, table, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, count, err := s.client.From(table).
		Select("user_id", "exact", true).
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return 0, classify("count user rows "+strconv.Quote(table), err)
	}
	return count, nil
}
