// Package router decides what a learner should do next. Below the
// cold-start event threshold a deterministic rule cascade routes; above
// it a LinUCB contextual bandit serves, and once the platform has enough
// global sessions and a trained policy network, PPO takes over.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/bandit"
	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/ppo"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// serviceName keys the bandit artifact, the cache namespace, the task
// queue entry, and the prediction log rows.
const serviceName = "rl_router"

// ppoServiceName keys the policy-network artifact in the registry.
const ppoServiceName = "rl_router_ppo"

const (
	algorithmColdStart = "cold_start"
	algorithmLinUCB    = "linucb"
	algorithmPPO       = "ppo"

	// sessionCountTTL bounds how stale the cached global session count
	// may be when gating PPO.
	sessionCountTTL = 10 * time.Minute
)

// Datastore is the slice of the store the routing engine reads and
// writes.
type Datastore interface {
	CountUserEvents(ctx context.Context, userID string) (int, error)
	CountSessions(ctx context.Context) (int, error)
	SessionSummaries(ctx context.Context, userID string, limit int) ([]store.SessionSummary, error)
	UserWords(ctx context.Context, userID, language string) ([]store.UserWord, error)
	GrammarMastery(ctx context.Context, userID string) ([]store.ConceptMastery, error)
	SaveRoutingDecision(ctx context.Context, d store.RoutingDecision) (string, error)
}

// KnowledgeSource is the tracer surface the router consumes.
type KnowledgeSource interface {
	KnowledgeState(ctx context.Context, userID string) (types.KnowledgeState, error)
}

// Engine holds the serving policies. Both pointers swap atomically on
// retrain; the bandit additionally absorbs online updates as rewards
// arrive, so readers and the updater share one Policy instance.
type Engine struct {
	cfg config.RouterConfig
	db  Datastore
	dkt KnowledgeSource
	reg *registry.Registry
	log zerolog.Logger

	policy   atomic.Pointer[bandit.Policy]
	ppoModel atomic.Pointer[ppo.Model]

	countMu   sync.Mutex
	sessions  int
	countedAt time.Time
}

// NewEngine builds an engine with a fresh bandit. Call Load to pull
// published artifacts.
func NewEngine(db Datastore, dkt KnowledgeSource, reg *registry.Registry, cfg config.RouterConfig, log zerolog.Logger) *Engine {
	e := &Engine{cfg: cfg, db: db, dkt: dkt, reg: reg, log: log}
	e.policy.Store(bandit.New(StateDim, len(types.Actions), cfg.Alpha, cfg.Decay))
	return e
}

// Load pulls the active bandit and policy-network artifacts. Missing
// artifacts are not errors: the fresh bandit explores from scratch and
// PPO simply stays out of rotation.
func (e *Engine) Load(ctx context.Context) error {
	art, err := e.reg.ActiveArtifact(ctx, serviceName)
	switch {
	case errors.Is(err, registry.ErrNoArtifact):
		metrics.ModelLoaded.WithLabelValues(serviceName).Set(0)
		e.log.Info().Msg("no bandit artifact yet, starting from a fresh policy")
	case err != nil:
		return fmt.Errorf("load bandit artifact: %w", err)
	default:
		pol, derr := bandit.Decode(art.Payload, StateDim, len(types.Actions))
		if derr != nil {
			return derr
		}
		e.installPolicy(pol)
		e.log.Info().Str("version", pol.Version()).Int64("updates", pol.TotalUpdates()).Msg("bandit policy loaded")
	}

	art, err = e.reg.ActiveArtifact(ctx, ppoServiceName)
	switch {
	case errors.Is(err, registry.ErrNoArtifact):
		metrics.ModelLoaded.WithLabelValues(ppoServiceName).Set(0)
	case err != nil:
		return fmt.Errorf("load ppo artifact: %w", err)
	default:
		model, derr := ppo.Decode(art.Payload, StateDim, len(types.Actions))
		if derr != nil {
			return derr
		}
		e.installPPO(model)
		e.log.Info().Str("version", model.Version).Msg("policy network loaded")
	}
	return nil
}

func (e *Engine) installPolicy(pol *bandit.Policy) {
	e.policy.Store(pol)
	metrics.ModelLoaded.WithLabelValues(serviceName).Set(1)
}

func (e *Engine) installPPO(m *ppo.Model) {
	e.ppoModel.Store(m)
	metrics.ModelLoaded.WithLabelValues(ppoServiceName).Set(1)
}

// PolicyVersion returns the serving bandit's artifact version, empty for
// a fresh policy.
func (e *Engine) PolicyVersion() string {
	return e.policy.Load().Version()
}

// PPOVersion returns the serving policy network's version, empty when
// none is loaded.
func (e *Engine) PPOVersion() string {
	if m := e.ppoModel.Load(); m != nil {
		return m.Version
	}
	return ""
}

// ActiveAlgorithm names the algorithm a warm learner would be routed by
// right now.
func (e *Engine) ActiveAlgorithm(ctx context.Context) string {
	if e.usePPO(ctx) {
		return algorithmPPO
	}
	if e.policy.Load().Version() != "" {
		return algorithmLinUCB
	}
	return algorithmColdStart
}

// Recommendation is one routing decision as returned to the app.
type Recommendation struct {
	DecisionID    string
	Module        string
	TargetWords   []string
	TargetConcept string
	Reason        string
	Confidence    float64
	Algorithm     string
}

// NextActivity assembles the learner state, routes it through the
// applicable algorithm, enriches targets, applies the time constraint,
// and persists the decision.
func (e *Engine) NextActivity(ctx context.Context, userID string, availableMinutes *float64) (Recommendation, error) {
	st, err := e.buildState(ctx, userID, availableMinutes)
	if err != nil {
		return Recommendation{}, err
	}

	algorithm := algorithmLinUCB
	if st.eventCount < e.cfg.ColdStartThreshold {
		algorithm = algorithmColdStart
	} else if e.usePPO(ctx) {
		algorithm = algorithmPPO
	}

	var ch choice
	switch algorithm {
	case algorithmColdStart:
		ch = e.ruleRoute(st)
	case algorithmPPO:
		ch, err = e.ppoRoute(st)
	default:
		ch, err = e.banditRoute(st)
	}
	if err != nil {
		// A policy that cannot score this state (dimension drift after a
		// bad artifact) must not take the endpoint down.
		e.log.Warn().Err(err).Str("algorithm", algorithm).Msg("policy routing failed, falling back to rules")
		algorithm = algorithmColdStart
		ch = e.ruleRoute(st)
	}

	e.enrich(&ch, st)
	e.applyTimeConstraint(&ch, st)

	e.log.Info().
		Str("user_id", userID).
		Str("algorithm", algorithm).
		Str("module", string(ch.module)).
		Int("events", st.eventCount).
		Msg("routing decision")
	metrics.RoutingDecisions.WithLabelValues(algorithm, string(ch.module)).Inc()

	snap, err := json.Marshal(st.snapshot())
	if err != nil {
		return Recommendation{}, fmt.Errorf("encode state snapshot: %w", err)
	}
	decision := store.RoutingDecision{
		UserID:            userID,
		RecommendedModule: string(ch.module),
		TargetWordIDs:     ch.targetWords,
		TargetConcept:     optional(ch.targetConcept),
		Reason:            ch.reason,
		Confidence:        ch.confidence,
		StateSnapshot:     snap,
		AlgorithmUsed:     algorithm,
	}
	decisionID, err := e.db.SaveRoutingDecision(ctx, decision)
	if err != nil {
		// The recommendation is still usable; it just cannot earn a
		// reward later.
		e.log.Error().Err(err).Str("user_id", userID).Msg("routing decision not persisted")
		decisionID = ""
	}

	return Recommendation{
		DecisionID:    decisionID,
		Module:        string(ch.module),
		TargetWords:   ch.targetWords,
		TargetConcept: ch.targetConcept,
		Reason:        ch.reason,
		Confidence:    round4(ch.confidence),
		Algorithm:     algorithm,
	}, nil
}

func (e *Engine) banditRoute(st *learnerState) (choice, error) {
	d, err := e.policy.Load().Decide(st.vector())
	if err != nil {
		return choice{}, err
	}
	action := types.Actions[d.Arm]
	return choice{
		module:     action,
		reason:     policyReason("LinUCB selected", action, d.Probs),
		confidence: d.Confidence,
	}, nil
}

func (e *Engine) ppoRoute(st *learnerState) (choice, error) {
	model := e.ppoModel.Load()
	if model == nil {
		return choice{}, errors.New("policy network not loaded")
	}
	d, err := model.Decide(st.vector())
	if err != nil {
		return choice{}, err
	}
	action := types.Actions[d.Action]
	return choice{
		module:     action,
		reason:     policyReason("PPO agent selected", action, d.Probs),
		confidence: d.Confidence,
	}, nil
}

// usePPO gates the policy network: it must be loaded and the platform
// must have accumulated enough sessions globally. The count is cached so
// routing does not hit the store's count path on every request.
func (e *Engine) usePPO(ctx context.Context) bool {
	if e.ppoModel.Load() == nil {
		return false
	}

	e.countMu.Lock()
	defer e.countMu.Unlock()
	if time.Since(e.countedAt) > sessionCountTTL {
		n, err := e.db.CountSessions(ctx)
		if err != nil {
			e.log.Warn().Err(err).Msg("session count unavailable, keeping bandit routing")
			return false
		}
		e.sessions = n
		e.countedAt = time.Now()
	}
	return e.sessions >= e.cfg.PPOMinSessions
}

// enrich attaches target words and concepts appropriate to the chosen
// module.
func (e *Engine) enrich(ch *choice, st *learnerState) {
	maxWords := e.cfg.MaxTargetWords

	switch ch.module {
	case types.ActionAnkiDrill:
		if len(st.lowProductionWordIDs) > 0 {
			ch.targetWords = capWords(st.lowProductionWordIDs, maxWords)
		}
		ch.reason += fmt.Sprintf(" Targeting %d words for flashcard review.", len(ch.targetWords))

	case types.ActionConjugationDrill:
		ch.targetWords = capWords(st.lowProductionWordIDs, maxWords)
		if st.weakestConceptTag != "" {
			ch.targetConcept = st.weakestConceptTag
			ch.reason += fmt.Sprintf(" Targeting weakest grammar concept '%s'.", st.weakestConceptTag)
		} else {
			ch.reason += " Targeting weakest grammar concept."
		}

	case types.ActionPronunciationSession:
		ch.targetWords = capWords(st.lowPronunciationWordIDs, maxWords)
		ch.reason += fmt.Sprintf(" %d words need pronunciation improvement.", len(ch.targetWords))

	case types.ActionGrammarLesson:
		if st.weakestConceptTag != "" {
			ch.targetConcept = st.weakestConceptTag
			ch.reason += fmt.Sprintf(" Focus on weakest concept '%s' (mastery: %.0f%%).",
				st.weakestConceptTag, st.weakestConceptScore*100)
		} else {
			ch.reason += fmt.Sprintf(" Focus on weakest concept (mastery: %.0f%%).", st.weakestConceptScore*100)
		}

	case types.ActionRest:
		ch.reason += fmt.Sprintf(" Cognitive load: %.0f%%. Take a break and return refreshed.",
			st.lastSessionLoad*100)
	}
	// story_engine carries no targets; the story generator picks words.
}

// applyTimeConstraint swaps long-form recommendations out when the
// learner has only a few minutes.
func (e *Engine) applyTimeConstraint(ch *choice, st *learnerState) {
	minutes := st.minutesAvail
	original := ch.module

	if minutes < 5 && ch.module == types.ActionStoryEngine {
		switch {
		case len(st.lowProductionWordIDs) > 0:
			ch.module = types.ActionAnkiDrill
			ch.reason = fmt.Sprintf(
				"Only ~%.0f minutes available; switching to quick flashcard drill instead of story mode.", minutes)
		case len(st.lowPronunciationWordIDs) > 0:
			ch.module = types.ActionPronunciationSession
			ch.reason = fmt.Sprintf(
				"Only ~%.0f minutes available; quick pronunciation practice.", minutes)
		default:
			ch.module = types.ActionRest
			ch.reason = fmt.Sprintf(
				"Only ~%.0f minutes and all scores are healthy; take a short break.", minutes)
		}
	}

	if original == types.ActionRest && minutes > 30 {
		ch.reason += " You have plenty of time if you'd prefer to continue studying."
	}
}

// policyReason names the chosen action and the two strongest
// alternatives from the policy's distribution.
func policyReason(prefix string, action types.Action, probs []float64) string {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	var alts []string
	for _, i := range order[:min(3, len(order))] {
		if types.Actions[i] == action {
			continue
		}
		alts = append(alts, fmt.Sprintf("%s (%.0f%%)", types.Actions[i], probs[i]*100))
		if len(alts) == 2 {
			break
		}
	}

	idx := types.ActionIndex(action)
	reason := fmt.Sprintf("%s '%s' (confidence: %.0f%%).", prefix, action, probs[idx]*100)
	if len(alts) > 0 {
		reason += " Alternatives: " + alts[0]
		if len(alts) > 1 {
			reason += ", " + alts[1]
		}
		reason += "."
	}
	return reason
}

// RecordOutcome folds an attributed reward into the serving bandit. The
// state vector is rebuilt from the decision's persisted snapshot so the
// update reflects what the policy saw, not the learner's state now. Only
// bandit-authored decisions update online; everything else waits for the
// batch retrain.
func (e *Engine) RecordOutcome(decision store.RoutingDecision, reward float64) error {
	if decision.AlgorithmUsed != algorithmLinUCB {
		return nil
	}
	arm := types.ActionIndex(types.Action(decision.RecommendedModule))
	if arm < 0 {
		return fmt.Errorf("decision %s recommends unknown module %q", decision.ID, decision.RecommendedModule)
	}
	snap, err := DecodeSnapshot(decision.StateSnapshot)
	if err != nil {
		return fmt.Errorf("decode snapshot for decision %s: %w", decision.ID, err)
	}
	if err := e.policy.Load().Update(arm, snap.Vector(decision.CreatedAt), reward); err != nil {
		return err
	}
	e.log.Debug().
		Str("decision_id", decision.ID).
		Str("module", decision.RecommendedModule).
		Float64("reward", reward).
		Msg("bandit updated online")
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
