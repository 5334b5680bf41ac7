package cogload

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/predlog"
	"github.com/fluentloop/synapse/internal/store"
)

const serviceVersion = "0.1.0"

// Recorder receives prediction log entries; *predlog.Recorder in
// production.
type Recorder interface {
	Record(predlog.Entry)
}

// Handler serves the /ml/cognitive-load endpoints.
type Handler struct {
	svc *Service
	rec Recorder
	log zerolog.Logger
}

// NewHandler builds the HTTP surface over the service.
func NewHandler(svc *Service, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, rec: rec, log: log}
}

// Routes mounts the session lifecycle endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/session/init", h.initSession)
	r.Post("/session/event", h.recordEvent)
	r.Get("/session/{sessionID}", h.sessionLoad)
	r.Post("/session/end", h.endSession)
	r.Get("/health", h.health)
	return r
}

type initRequest struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	ModuleSource string `json:"moduleSource"`
}

type initResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

type eventRequest struct {
	SessionID      string   `json:"sessionId"`
	WordID         string   `json:"wordId"`
	WordStatus     string   `json:"wordStatus"`
	ResponseTimeMs *float64 `json:"responseTimeMs"`
	Sequence       int      `json:"sequence"`
}

type eventResponse struct {
	CognitiveLoad *float64 `json:"cognitiveLoad"`
}

type endRequest struct {
	SessionID string `json:"sessionId"`
}

type endResponse struct {
	Status             string   `json:"status"`
	SessionID          string   `json:"sessionId"`
	FinalCognitiveLoad *float64 `json:"finalCognitiveLoad"`
}

type healthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	ActiveSessions int    `json:"activeSessions"`
	Version        string `json:"version"`
}

func (h *Handler) initSession(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.UserID == "" || req.ModuleSource == "" {
		api.Error(w, http.StatusBadRequest, "sessionId, userId and moduleSource are required")
		return
	}

	if err := h.svc.InitSession(r.Context(), req.SessionID, req.UserID, req.ModuleSource); err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, initResponse{Status: "ok", SessionID: req.SessionID})
}

// recordEvent is fire-and-forget for the caller: an untracked session or
// missing response time answers cognitiveLoad null rather than an error,
// so the app never has to order its calls strictly.
func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	var load *float64
	if req.ResponseTimeMs != nil {
		if v, ok := h.svc.RecordEvent(req.SessionID, Event{
			Sequence:       req.Sequence,
			WordID:         req.WordID,
			WordStatus:     req.WordStatus,
			ResponseTimeMs: *req.ResponseTimeMs,
		}); ok {
			load = &v
		}
	}
	api.JSON(w, http.StatusOK, eventResponse{CognitiveLoad: load})
}

func (h *Handler) sessionLoad(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snap, err := h.svc.Snapshot(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.Error(w, http.StatusNotFound,
				"Session "+sessionID+" not found or has no events")
			return
		}
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, snap)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req endRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	final, userID := h.svc.EndSession(r.Context(), req.SessionID)
	resp := endResponse{Status: "ok", SessionID: req.SessionID, FinalCognitiveLoad: final}

	body, _ := json.Marshal(resp)
	h.rec.Record(predlog.Entry{
		Service:        "cognitive_load",
		Endpoint:       "session-end",
		UserID:         userID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Service:        "cognitive-load-estimator",
		ActiveSessions: h.svc.ActiveSessions(),
		Version:        serviceVersion,
	})
}
