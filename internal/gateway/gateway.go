// Package gateway hosts the cross-service surface: the aggregate health
// probe, the per-user data access report, and the erasure endpoint.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fluentloop/synapse/internal/api"
	"github.com/fluentloop/synapse/internal/gdpr"
	"github.com/fluentloop/synapse/internal/store"
)

// probeTimeout bounds each health probe so one stuck dependency cannot
// stall the aggregate endpoint.
const probeTimeout = 3 * time.Second

// Check probes one dependency and returns nil when it is serving.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Datastore is the row-counting primitive behind the data summary.
type Datastore interface {
	CountUserRows(ctx context.Context, table, userID string) (int64, error)
}

// Eraser runs the right-to-erasure sweep.
type Eraser interface {
	EraseUser(ctx context.Context, userID string) gdpr.Summary
}

// Handler serves the gateway endpoints.
type Handler struct {
	checks []Check
	db     Datastore
	eraser Eraser
	log    zerolog.Logger
}

// NewHandler wires the gateway surface.
func NewHandler(db Datastore, eraser Eraser, checks []Check, log zerolog.Logger) *Handler {
	return &Handler{checks: checks, db: db, eraser: eraser, log: log}
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health fans out over every registered check and reports per-service
// status. All checks passing is a 200; anything down degrades the
// response to 207 so load balancers keep routing while operators see
// what broke.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	results := make([]error, len(h.checks))

	g, ctx := errgroup.WithContext(r.Context())
	for i, check := range h.checks {
		i, check := i, check
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			results[i] = check.Probe(probeCtx)
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: "ok", Services: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for i, check := range h.checks {
		if err := results[i]; err != nil {
			resp.Services[check.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusMultiStatus
			continue
		}
		resp.Services[check.Name] = "ok"
	}
	api.JSON(w, status, resp)
}

type dataSummaryResponse struct {
	UserID    string           `json:"userId"`
	Tables    map[string]int64 `json:"tables"`
	TotalRows int64            `json:"totalRows"`
}

// DataSummary reports how many rows each owned table holds for a user,
// for the data-we-have-on-you disclosure screen.
func (h *Handler) DataSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	resp := dataSummaryResponse{
		UserID: userID,
		Tables: make(map[string]int64, len(store.UserOwnedTables)),
	}
	for _, table := range store.UserOwnedTables {
		n, err := h.db.CountUserRows(r.Context(), table, userID)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		resp.Tables[table] = n
		resp.TotalRows += n
	}
	api.JSON(w, http.StatusOK, resp)
}

// Erase runs the full erasure sweep. Partial failures still return 200;
// the summary carries the per-step outcome.
func (h *Handler) Erase(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		api.Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	h.log.Info().Str("user_id", userID).Msg("erasure requested")
	summary := h.eraser.EraseUser(r.Context(), userID)
	api.JSON(w, http.StatusOK, summary)
}
