package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/predlog"
	"github.com/fluentloop/synapse/internal/reward"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

const serviceVersion = "0.1.0"

// Recorder is the prediction log hook.
type Recorder interface {
	Record(predlog.Entry)
}

// RewardAttributor computes and persists the reward for a past decision.
type RewardAttributor interface {
	Attribute(ctx context.Context, decisionID string) (reward.Attribution, error)
}

// Handler serves the routing endpoints.
type Handler struct {
	engine  *Engine
	rewards RewardAttributor
	rec     Recorder
	log     zerolog.Logger
}

// NewHandler wires the routing routes.
func NewHandler(engine *Engine, rewards RewardAttributor, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, rewards: rewards, rec: rec, log: log}
}

// Routes returns the router mounted under /ml/router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/next-activity", h.nextActivity)
	r.Post("/observe-reward", h.observeReward)
	r.Get("/health", h.health)
	return r
}

type nextActivityRequest struct {
	UserID              string   `json:"userId"`
	LastCompletedModule string   `json:"lastCompletedModule"`
	AvailableMinutes    *float64 `json:"availableMinutes"`
}

type nextActivityResponse struct {
	RecommendedModule string   `json:"recommendedModule"`
	TargetWords       []string `json:"targetWords"`
	TargetConcept     string   `json:"targetConcept,omitempty"`
	Reason            string   `json:"reason"`
	Confidence        float64  `json:"confidence"`
	Algorithm         string   `json:"algorithm"`
	DecisionID        string   `json:"decisionId,omitempty"`
}

type observeRewardRequest struct {
	DecisionID string `json:"decisionId"`
	UserID     string `json:"userId"`
}

type observeRewardResponse struct {
	DecisionID          string             `json:"decisionId"`
	Status              string             `json:"status"`
	Reward              float64            `json:"reward"`
	Components          map[string]float64 `json:"components"`
	AttributedSessionID *string            `json:"attributedSessionId,omitempty"`
	ObservationID       string             `json:"observationId,omitempty"`
}

type banditStatsBody struct {
	TotalUpdates int64            `json:"totalUpdates"`
	ArmPulls     map[string]int64 `json:"armPulls"`
	Alpha        float64          `json:"alpha"`
}

type ppoStatsBody struct {
	Loaded  bool   `json:"loaded"`
	Version string `json:"version,omitempty"`
}

type healthResponse struct {
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	BanditLoaded    bool            `json:"banditLoaded"`
	PPOLoaded       bool            `json:"ppoLoaded"`
	ActiveAlgorithm string          `json:"activeAlgorithm"`
	BanditStats     banditStatsBody `json:"banditStats"`
	PPOStats        ppoStatsBody    `json:"ppoStats"`
}

func (h *Handler) nextActivity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req nextActivityRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.AvailableMinutes != nil && *req.AvailableMinutes < 0 {
		api.Error(w, http.StatusBadRequest, "availableMinutes must not be negative")
		return
	}

	rec, err := h.engine.NextActivity(r.Context(), req.UserID, req.AvailableMinutes)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	resp := nextActivityResponse{
		RecommendedModule: rec.Module,
		TargetWords:       rec.TargetWords,
		TargetConcept:     rec.TargetConcept,
		Reason:            rec.Reason,
		Confidence:        rec.Confidence,
		Algorithm:         rec.Algorithm,
		DecisionID:        rec.DecisionID,
	}
	if resp.TargetWords == nil {
		resp.TargetWords = []string{}
	}

	body, _ := json.Marshal(resp)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "next-activity",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   h.servingVersion(rec.Algorithm),
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) observeReward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req observeRewardRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.DecisionID == "" {
		api.Error(w, http.StatusBadRequest, "decisionId is required")
		return
	}

	att, err := h.rewards.Attribute(r.Context(), req.DecisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.Error(w, http.StatusNotFound, "decision not found")
			return
		}
		api.WriteError(w, err)
		return
	}

	resp := observeRewardResponse{
		DecisionID:          req.DecisionID,
		Reward:              att.Reward,
		Components:          att.Components,
		AttributedSessionID: att.SessionID,
		ObservationID:       att.ObservationID,
	}
	switch {
	case !att.Attributed:
		resp.Status = "pending"
	case att.AlreadyExisted:
		resp.Status = "already_recorded"
	default:
		resp.Status = "recorded"
		if err := h.engine.RecordOutcome(att.Decision, att.Reward); err != nil {
			h.log.Warn().Err(err).Str("decision_id", req.DecisionID).Msg("online bandit update skipped")
		}
	}
	if resp.Components == nil {
		resp.Components = map[string]float64{}
	}

	body, _ := json.Marshal(resp)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "observe-reward",
		UserID:         att.Decision.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   h.engine.PolicyVersion(),
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	pol := h.engine.policy.Load()
	pulls := pol.Pulls()
	armPulls := make(map[string]int64, len(types.Actions))
	for i, a := range types.Actions {
		if i < len(pulls) {
			armPulls[string(a)] = pulls[i]
		}
	}

	ppoVersion := h.engine.PPOVersion()
	api.JSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Version:         serviceVersion,
		BanditLoaded:    pol.Version() != "",
		PPOLoaded:       ppoVersion != "",
		ActiveAlgorithm: h.engine.ActiveAlgorithm(r.Context()),
		BanditStats: banditStatsBody{
			TotalUpdates: pol.TotalUpdates(),
			ArmPulls:     armPulls,
			Alpha:        h.engine.cfg.Alpha,
		},
		PPOStats: ppoStatsBody{
			Loaded:  ppoVersion != "",
			Version: ppoVersion,
		},
	})
}

func (h *Handler) servingVersion(algorithm string) string {
	switch algorithm {
	case algorithmPPO:
		return h.engine.PPOVersion()
	case algorithmLinUCB:
		return h.engine.PolicyVersion()
	default:
		return ""
	}
}
