package coldstart

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/predlog"
	"github.com/fluentloop/synapse/internal/store"
)

const serviceVersion = "0.1.0"

// Recorder is the prediction log hook.
type Recorder interface {
	Record(predlog.Entry)
}

// Handler serves the cold start endpoints.
type Handler struct {
	assigner *Assigner
	cache    *cache.Cache
	rec      Recorder
	log      zerolog.Logger
}

// NewHandler wires the cold start routes.
func NewHandler(assigner *Assigner, c *cache.Cache, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{assigner: assigner, cache: c, rec: rec, log: log}
}

// Routes returns the router mounted under /ml/coldstart.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/assign", h.assign)
	r.Post("/check-graduation", h.checkGraduation)
	r.Get("/profiles", h.profiles)
	r.Get("/health", h.health)
	return r
}

type assignRequest struct {
	UserID string `json:"userId"`
}

type graduationRequest struct {
	UserID string `json:"userId"`
}

type profilesResponse struct {
	Profiles []store.ClusterProfile `json:"profiles"`
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ModelLoaded  bool   `json:"modelLoaded"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req assignRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	key := cache.Key(serviceName, "assign", req.UserID)
	var cached Assignment
	if h.cache.GetJSON(r.Context(), key, &cached) {
		api.JSON(w, http.StatusOK, cached)
		return
	}

	out, err := h.assigner.Assign(r.Context(), req.UserID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.cache.SetJSON(r.Context(), key, out)

	mv := "heuristic"
	if out.UsingModel {
		mv = h.assigner.Version()
	}
	body, _ := json.Marshal(out)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "assign",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   mv,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, out)
}

// checkGraduation is never cached: each call may flip the assignment
// off.
func (h *Handler) checkGraduation(w http.ResponseWriter, r *http.Request) {
	var req graduationRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	out, err := h.assigner.CheckGraduation(r.Context(), req.UserID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, out)
}

func (h *Handler) profiles(w http.ResponseWriter, r *http.Request) {
	rows, err := h.assigner.db.ClusterProfiles(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if rows == nil {
		rows = []store.ClusterProfile{}
	}
	api.JSON(w, http.StatusOK, profilesResponse{Profiles: rows})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Version:      serviceVersion,
		ModelLoaded:  h.assigner.Loaded(),
		ModelVersion: h.assigner.Version(),
	})
}
