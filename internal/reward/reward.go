// Package reward turns session outcomes into learning signal for the
// routing policies. Each routing decision earns at most one reward row,
// computed by comparing the learner's state before the decision (the
// persisted snapshot) against their state after the first session that
// followed it.
package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// Component values. Improvements are strict: an unchanged score earns
// nothing.
const (
	recallImprovement        = 2.0
	productionImprovement    = 1.5
	sessionCompleted         = 1.0
	pronunciationImprovement = 0.5
	sessionAbandoned         = -1.0
	monotonyPenalty          = -0.5

	// monotonyWindow is how many trailing sessions must share the
	// recommended module before the diversity penalty applies.
	monotonyWindow = 3

	// highLoadThreshold marks an abandoned session as overload-driven.
	highLoadThreshold = 0.7
)

// Datastore is the slice of the store attribution reads and writes.
type Datastore interface {
	RoutingDecision(ctx context.Context, id string) (store.RoutingDecision, error)
	RewardExists(ctx context.Context, decisionID string) (bool, error)
	RoutingRewardForDecision(ctx context.Context, decisionID string) (store.RoutingReward, error)
	EarliestSessionAfter(ctx context.Context, userID string, t time.Time) (store.SessionSummary, error)
	SessionSummaries(ctx context.Context, userID string, limit int) ([]store.SessionSummary, error)
	UserWords(ctx context.Context, userID, language string) ([]store.UserWord, error)
	SaveRoutingReward(ctx context.Context, r store.RoutingReward) (string, error)
}

// KnowledgeSource supplies the post-session recall estimate.
type KnowledgeSource interface {
	KnowledgeState(ctx context.Context, userID string) (types.KnowledgeState, error)
}

// Attribution is the outcome of one Attribute call.
type Attribution struct {
	Decision       store.RoutingDecision
	Reward         float64
	Components     map[string]float64
	SessionID      *string
	ObservationID  string
	Attributed     bool
	AlreadyExisted bool
}

// Attributor computes and persists decision rewards.
type Attributor struct {
	db  Datastore
	dkt KnowledgeSource
	log zerolog.Logger
}

// NewAttributor wires the attributor. dkt may degrade; recall then
// defaults to neutral.
func NewAttributor(db Datastore, dkt KnowledgeSource, log zerolog.Logger) *Attributor {
	return &Attributor{db: db, dkt: dkt, log: log}
}

// preState is the slice of the decision snapshot the reward function
// compares against. Absent fields keep the neutral default.
type preState struct {
	RecallMean       float64 `json:"recallMean"`
	AvgProduction    float64 `json:"avgProductionScore"`
	AvgPronunciation float64 `json:"avgPronunciationScore"`
}

// Attribute computes the reward for a decision. The attributed session
// is the earliest one started strictly after the decision; until one
// exists the attribution stays pending and no row is written. Repeat
// calls return the stored reward unchanged.
func (a *Attributor) Attribute(ctx context.Context, decisionID string) (Attribution, error) {
	decision, err := a.db.RoutingDecision(ctx, decisionID)
	if err != nil {
		return Attribution{}, err
	}

	exists, err := a.db.RewardExists(ctx, decisionID)
	if err != nil {
		return Attribution{}, err
	}
	if exists {
		row, err := a.db.RoutingRewardForDecision(ctx, decisionID)
		if err != nil {
			return Attribution{}, err
		}
		components := map[string]float64{}
		if len(row.Components) > 0 {
			if err := json.Unmarshal(row.Components, &components); err != nil {
				a.log.Debug().Err(err).Str("decision_id", decisionID).Msg("stored reward components unreadable")
			}
		}
		return Attribution{
			Decision:       decision,
			Reward:         row.Reward,
			Components:     components,
			ObservationID:  row.ID,
			Attributed:     true,
			AlreadyExisted: true,
		}, nil
	}

	session, err := a.db.EarliestSessionAfter(ctx, decision.UserID, decision.CreatedAt)
	if errors.Is(err, store.ErrNotFound) {
		return Attribution{Decision: decision}, nil
	}
	if err != nil {
		return Attribution{}, err
	}

	pre := preState{RecallMean: 0.5, AvgProduction: 0.5, AvgPronunciation: 0.5}
	if len(decision.StateSnapshot) > 0 {
		if err := json.Unmarshal(decision.StateSnapshot, &pre); err != nil {
			a.log.Debug().Err(err).Str("decision_id", decisionID).Msg("decision snapshot unreadable, using neutral pre-state")
		}
	}

	post, err := a.postState(ctx, decision.UserID, session)
	if err != nil {
		return Attribution{}, err
	}

	lastModules, err := a.lastModules(ctx, decision.UserID)
	if err != nil {
		return Attribution{}, err
	}

	total, components := compute(decision.RecommendedModule, pre, post, lastModules)

	componentsJSON, err := json.Marshal(components)
	if err != nil {
		return Attribution{}, fmt.Errorf("encode reward components: %w", err)
	}
	observationID, err := a.db.SaveRoutingReward(ctx, store.RoutingReward{
		DecisionID: decisionID,
		UserID:     decision.UserID,
		Reward:     total,
		Components: componentsJSON,
	})
	if err != nil {
		return Attribution{}, fmt.Errorf("persist reward: %w", err)
	}

	a.log.Info().
		Str("decision_id", decisionID).
		Str("module", decision.RecommendedModule).
		Float64("reward", total).
		Bool("completed", post.completed).
		Msg("reward attributed")

	sessionID := session.SessionID
	return Attribution{
		Decision:      decision,
		Reward:        total,
		Components:    components,
		SessionID:     &sessionID,
		ObservationID: observationID,
		Attributed:    true,
	}, nil
}

// postState is the learner's state after the attributed session.
type postState struct {
	recall        float64
	production    float64
	pronunciation float64
	load          float64
	completed     bool
}

func (a *Attributor) postState(ctx context.Context, userID string, session store.SessionSummary) (postState, error) {
	post := postState{
		recall:        0.5,
		production:    0.5,
		pronunciation: 0.5,
		load:          0.5,
		completed:     session.CompletedSession,
	}
	if session.EstimatedCognitiveLoad != nil {
		post.load = *session.EstimatedCognitiveLoad
	}

	words, err := a.db.UserWords(ctx, userID, "")
	if err != nil {
		return postState{}, err
	}
	if len(words) > 0 {
		var prodSum, pronSum float64
		for _, w := range words {
			prodSum += w.ProductionScore / 100
			pronSum += w.PronunciationScore / 100
		}
		post.production = prodSum / float64(len(words))
		post.pronunciation = pronSum / float64(len(words))
	}

	// The current recall estimate stands in for "recall after": the
	// tracer has absorbed the session's events by the time rewards are
	// observed. A degraded tracer reads as neutral.
	state, err := a.dkt.KnowledgeState(ctx, userID)
	if err != nil || len(state.WordStates) == 0 {
		if err != nil {
			a.log.Debug().Err(err).Str("user_id", userID).Msg("tracer unavailable for reward, recall neutral")
		}
		return post, nil
	}
	var sum float64
	for _, ws := range state.WordStates {
		sum += ws.PRecall
	}
	post.recall = sum / float64(len(state.WordStates))
	return post, nil
}

func (a *Attributor) lastModules(ctx context.Context, userID string) ([]string, error) {
	sessions, err := a.db.SessionSummaries(ctx, userID, monotonyWindow)
	if err != nil {
		return nil, err
	}
	modules := make([]string, 0, len(sessions))
	for _, s := range sessions {
		modules = append(modules, s.ModuleSource)
	}
	return modules, nil
}

// compute scores one decision. Every component key is always present so
// downstream analysis never distinguishes "zero" from "missing".
func compute(recommendedModule string, pre preState, post postState, lastModules []string) (float64, map[string]float64) {
	components := map[string]float64{
		"recall_improvement":        0,
		"production_improvement":    0,
		"session_completed":         0,
		"pronunciation_improvement": 0,
		"session_abandoned":         0,
		"monotony_penalty":          0,
	}

	if post.recall > pre.RecallMean {
		components["recall_improvement"] = recallImprovement
	}
	if post.production > pre.AvgProduction {
		components["production_improvement"] = productionImprovement
	}
	if post.completed {
		components["session_completed"] = sessionCompleted
	}
	if post.pronunciation > pre.AvgPronunciation {
		components["pronunciation_improvement"] = pronunciationImprovement
	}
	if !post.completed && post.load > highLoadThreshold {
		components["session_abandoned"] = sessionAbandoned
	}
	if allEqual(lastModules, recommendedModule) {
		components["monotony_penalty"] = monotonyPenalty
	}

	var total float64
	for _, v := range components {
		total += v
	}
	return round4(total), components
}

// allEqual reports whether the window is full and every module in it is
// the recommended one.
func allEqual(modules []string, recommended string) bool {
	if len(modules) < monotonyWindow {
		return false
	}
	for _, m := range modules[:monotonyWindow] {
		if m != recommended {
			return false
		}
	}
	return true
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
