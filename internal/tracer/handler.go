package tracer

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/predlog"
	"github.com/fluentloop/synapse/internal/types"
)

const serviceVersion = "0.1.0"

// Recorder is the prediction log hook.
type Recorder interface {
	Record(predlog.Entry)
}

// Handler serves the knowledge tracer endpoints.
type Handler struct {
	pred  *Predictor
	cache *cache.Cache
	rec   Recorder
	log   zerolog.Logger
}

// NewHandler wires the tracer routes.
func NewHandler(pred *Predictor, c *cache.Cache, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{pred: pred, cache: c, rec: rec, log: log}
}

// Routes returns the router mounted under /ml/dkt.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/knowledge-state", h.knowledgeState)
	r.Post("/predict-session", h.predictSession)
	r.Get("/health", h.health)
	return r
}

type knowledgeStateRequest struct {
	UserID string `json:"userId"`
}

type predictSessionRequest struct {
	UserID       string   `json:"userId"`
	PlannedWords []string `json:"plannedWords"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"modelLoaded"`
	Version     string `json:"version"`
}

func (h *Handler) knowledgeState(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req knowledgeStateRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	key := cache.Key(serviceName, "knowledge-state", req.UserID)
	var cached types.KnowledgeState
	if h.cache.GetJSON(r.Context(), key, &cached) {
		api.JSON(w, http.StatusOK, cached)
		return
	}

	state, err := h.pred.KnowledgeState(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, ErrModelNotTrained) {
			api.Error(w, http.StatusServiceUnavailable, "model not trained yet")
			return
		}
		api.WriteError(w, err)
		return
	}

	h.cache.SetJSON(r.Context(), key, state)

	body, _ := json.Marshal(state)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "knowledge-state",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   h.pred.Version(),
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, state)
}

func (h *Handler) predictSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req predictSessionRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if len(req.PlannedWords) == 0 {
		api.Error(w, http.StatusBadRequest, "plannedWords must not be empty")
		return
	}

	prediction, err := h.pred.PredictSession(r.Context(), req.UserID, req.PlannedWords)
	if err != nil {
		if errors.Is(err, ErrModelNotTrained) {
			api.Error(w, http.StatusServiceUnavailable, "model not trained yet")
			return
		}
		api.WriteError(w, err)
		return
	}

	body, _ := json.Marshal(prediction)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "predict-session",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   h.pred.Version(),
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, prediction)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	loaded := h.pred.Loaded()
	status := "ok"
	if !loaded {
		status = "model_not_loaded"
	}
	api.JSON(w, http.StatusOK, healthResponse{
		Status:      status,
		ModelLoaded: loaded,
		Version:     serviceVersion,
	})
}
