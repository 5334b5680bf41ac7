package story

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/predlog"
)

const serviceVersion = "0.1.0"

// maxTargetWordCount rejects plans no story template can hold.
const maxTargetWordCount = 500

// Recorder is the prediction log hook.
type Recorder interface {
	Record(predlog.Entry)
}

// Handler serves the story word-selection endpoints.
type Handler struct {
	sel   *Selector
	cache *cache.Cache
	rec   Recorder
	ttl   time.Duration
	log   zerolog.Logger
}

// NewHandler wires the story routes. ttl is the select-words cache
// lifetime; word selection shifts with every review, so it runs shorter
// than the platform default.
func NewHandler(sel *Selector, c *cache.Cache, rec Recorder, ttl time.Duration, log zerolog.Logger) *Handler {
	return &Handler{sel: sel, cache: c, rec: rec, ttl: ttl, log: log}
}

// Routes returns the router mounted under /ml/story.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/select-words", h.selectWords)
	r.Post("/update-preferences", h.updatePreferences)
	r.Post("/init-preferences", h.initPreferences)
	r.Get("/topics", h.topics)
	r.Get("/health", h.health)
	return r
}

type updatePreferencesRequest struct {
	UserID          string   `json:"userId"`
	StoryID         string   `json:"storyId"`
	TopicTags       []string `json:"topicTags"`
	TimeOnSegmentMs float64  `json:"timeOnSegmentMs"`
}

type initPreferencesRequest struct {
	UserID         string   `json:"userId"`
	SelectedTopics []string `json:"selectedTopics"`
}

type preferencesResponse struct {
	UserID           string    `json:"userId"`
	PreferenceVector []float64 `json:"preferenceVector"`
	Status           string    `json:"status"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Topics  int    `json:"topics"`
}

func (h *Handler) selectWords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req SelectRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.TargetWordCount < 1 || req.TargetWordCount > maxTargetWordCount {
		api.Error(w, http.StatusBadRequest, "targetWordCount must be between 1 and 500")
		return
	}
	if req.ComplexityLevel < 1 || req.ComplexityLevel > 5 {
		api.Error(w, http.StatusBadRequest, "storyComplexityLevel must be between 1 and 5")
		return
	}

	key := cache.Key(serviceName, "select-words", req.UserID,
		strconv.Itoa(req.TargetWordCount), strconv.Itoa(req.ComplexityLevel), req.Language)
	var cached SelectResult
	if h.cache.GetJSON(r.Context(), key, &cached) {
		api.JSON(w, http.StatusOK, cached)
		return
	}

	result, err := h.sel.SelectWords(r.Context(), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	h.cache.SetJSONTTL(r.Context(), key, result, h.ttl)

	body, _ := json.Marshal(result)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "select-words",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   serviceVersion,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, result)
}

func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var req updatePreferencesRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.TimeOnSegmentMs < 0 {
		api.Error(w, http.StatusBadRequest, "timeOnSegmentMs must not be negative")
		return
	}

	err := h.sel.UpdatePreferences(r.Context(), req.UserID, req.TopicTags, req.TimeOnSegmentMs, req.StoryID)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	// The stored profile moved; any cached selection for this learner is
	// now ranked against a stale vector.
	if n, _ := h.cache.PurgeUser(r.Context(), req.UserID); n > 0 {
		h.log.Debug().Str("user_id", req.UserID).Int("purged", n).Msg("cached predictions purged after preference update")
	}

	api.JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) initPreferences(w http.ResponseWriter, r *http.Request) {
	var req initPreferencesRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	vec, err := h.sel.InitPreferences(r.Context(), req.UserID, req.SelectedTopics)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, preferencesResponse{
		UserID:           req.UserID,
		PreferenceVector: vec,
		Status:           "initialized",
	})
}

func (h *Handler) topics(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string]any{"topics": Topics()})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: serviceVersion,
		Topics:  len(Topics()),
	})
}
