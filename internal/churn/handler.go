package churn

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

// Handler serves the churn endpoints.
type Handler struct {
	pred  *Predictor
	cache *cache.Cache
	rec   Recorder
	log   zerolog.Logger
}

// NewHandler wires the churn routes.
func NewHandler(pred *Predictor, c *cache.Cache, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{pred: pred, cache: c, rec: rec, log: log}
}

// Routes returns the router mounted under /ml/churn.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/predict", h.predict)
	r.Post("/session-risk", h.sessionRisk)
	r.Get("/health", h.health)
	return r
}

type predictRequest struct {
	UserID string `json:"userId"`
}

type sessionRiskRequest struct {
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	TotalWords int    `json:"totalWords"`
}

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	PreModelLoaded  bool   `json:"preModelLoaded"`
	PreModelVersion string `json:"preModelVersion,omitempty"`
	MidModelLoaded  bool   `json:"midModelLoaded"`
	MidModelVersion string `json:"midModelVersion,omitempty"`
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req predictRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	key := cache.Key(serviceName, "predict", req.UserID)
	var cached Prediction
	if h.cache.GetJSON(r.Context(), key, &cached) {
		api.JSON(w, http.StatusOK, cached)
		return
	}

	pred, err := h.pred.PredictChurn(r.Context(), req.UserID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.cache.SetJSON(r.Context(), key, pred)

	body, _ := json.Marshal(pred)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "predict",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   pred.ModelVersion,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, pred)
}

// sessionRisk is never cached: the answer shifts with every word the
// learner attempts.
func (h *Handler) sessionRisk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req sessionRiskRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	risk, err := h.pred.PredictAbandonment(r.Context(), req.UserID, req.SessionID, req.TotalWords)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	body, _ := json.Marshal(risk)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "session-risk",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   risk.ModelVersion,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, risk)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Version:         serviceVersion,
		PreModelLoaded:  h.pred.PreVersion() != "",
		PreModelVersion: h.pred.PreVersion(),
		MidModelLoaded:  h.pred.MidVersion() != "",
		MidModelVersion: h.pred.MidVersion(),
	})
}
