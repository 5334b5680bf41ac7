package feedback

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

// Handler serves the feedback endpoints.
type Handler struct {
	composer *Composer
	cache    *cache.Cache
	rec      Recorder
	log      zerolog.Logger
}

// NewHandler wires the feedback routes.
func NewHandler(composer *Composer, c *cache.Cache, rec Recorder, log zerolog.Logger) *Handler {
	return &Handler{composer: composer, cache: c, rec: rec, log: log}
}

// Routes returns the router mounted under /ml/feedback.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/explain", h.explain)
	r.Post("/grammar-examples", h.grammarExamples)
	r.Get("/health", h.health)
	return r
}

type explainRequest struct {
	UserID    string `json:"userId"`
	WordID    string `json:"wordId"`
	SessionID string `json:"sessionId"`
	Force     bool   `json:"force"`
}

type grammarRequest struct {
	UserID       string   `json:"userId"`
	ConceptTag   string   `json:"grammarConceptTag"`
	KnownWordIDs []string `json:"knownWordIds"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	LLMProvider string `json:"llmProvider,omitempty"`
	LLMModel    string `json:"llmModel,omitempty"`
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req explainRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.WordID == "" {
		api.Error(w, http.StatusBadRequest, "wordId is required")
		return
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	key := cache.Key(serviceName, "explain", req.UserID, req.WordID)
	if !req.Force {
		var cached Explanation
		if h.cache.GetJSON(r.Context(), key, &cached) {
			api.JSON(w, http.StatusOK, cached)
			return
		}
	}

	resp, err := h.composer.Explain(r.Context(), req.UserID, req.WordID, req.SessionID, req.Force)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.cache.SetJSON(r.Context(), key, resp)

	mv := "pattern_only"
	if resp.UsingLLM {
		mv = resp.LLMModel
	}
	body, _ := json.Marshal(resp)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "explain",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   mv,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) grammarExamples(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req grammarRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.ConceptTag == "" {
		api.Error(w, http.StatusBadRequest, "grammarConceptTag is required")
		return
	}

	key := cache.Key(serviceName, "grammar-examples", req.UserID, req.ConceptTag)
	var cached GrammarExamples
	if h.cache.GetJSON(r.Context(), key, &cached) {
		api.JSON(w, http.StatusOK, cached)
		return
	}

	resp, err := h.composer.Examples(r.Context(), req.UserID, req.ConceptTag, req.KnownWordIDs)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	h.cache.SetJSON(r.Context(), key, resp)

	mv := "pattern_only"
	if resp.UsingLLM {
		mv = resp.LLMModel
	}
	body, _ := json.Marshal(resp)
	h.rec.Record(predlog.Entry{
		Service:        serviceName,
		Endpoint:       "grammar-examples",
		UserID:         req.UserID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		ModelVersion:   mv,
		ResponseDigest: predlog.Digest(body),
	})

	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: serviceVersion}
	if h.composer.provider != nil {
		resp.LLMProvider = h.composer.provider.Name()
		resp.LLMModel = h.composer.provider.Model()
	}
	api.JSON(w, http.StatusOK, resp)
}
