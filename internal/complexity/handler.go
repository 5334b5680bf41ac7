package complexity

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/predlog"
)

const serviceVersion = "0.1.0"

// Recorder is the prediction log hook.
type Recorder interface {
	Record(predlog.Entry)
}

// Handler serves the session planning endpoints.
type Handler struct {
	planner *Planner
	cache   *cache.Cache
	rec     Recorder
	log     zerolog.Logger
}

// NewHandler wires the complexity routes.
func NewHandler(planner *Planner, c *cache.Cache, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{planner: planner, cache: c, rec: rec, log: log}
}

// Routes returns the router mounted under /ml/complexity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/plan-session", h.planSession)
	r.Get("/health", h.health)
	return r
}

type planRequest struct {
	UserID string `json:"userId"`
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ModelLoaded  bool   `json:"modelLoaded"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

func (h *Handler) planSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req planRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	key := cache.Key(serviceName, "plan-session", req.UserID)
	var cached Plan
	if h.cache.GetJSON(r.Context(), key, &cached) {
		api.JSON(w, http.StatusOK, cached)
		return
	}

	plan, err := h.planner.PlanSession(r.Context(), req.UserID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.cache.SetJSON(r.Context(), key, plan)

	mv := "heuristic"
	if plan.UsingModel {
		mv = modelVersionTag
	}
	body, _ := json.Marshal(plan)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "plan-session",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   mv,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, plan)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Version:      serviceVersion,
		ModelLoaded:  h.planner.Loaded(),
		ModelVersion: h.planner.Version(),
	})
}
