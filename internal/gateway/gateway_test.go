package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/gdpr"
	"github.com/fluentloop/synapse/internal/store"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) CountUserRows(_ context.Context, table, _ string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[table], nil
}

type fakeEraser struct {
	summary gdpr.Summary
	erased  []string
}

func (f *fakeEraser) EraseUser(_ context.Context, userID string) gdpr.Summary {
	f.erased = append(f.erased, userID)
	f.summary.UserID = userID
	return f.summary
}

func testRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/ml/data-summary/{userID}", h.DataSummary)
	r.Delete("/ml/user/{userID}", h.Erase)
	return r
}

func TestHealthAllUp(t *testing.T) {
	checks := []Check{
		{Name: "redis", Probe: func(context.Context) error { return nil }},
		{Name: "store", Probe: func(context.Context) error { return nil }},
	}
	h := NewHandler(&fakeCounter{}, &fakeEraser{}, checks, zerolog.Nop())

	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Services["redis"])
	assert.Equal(t, "ok", resp.Services["store"])
}

func TestHealthDegraded(t *testing.T) {
	checks := []Check{
		{Name: "redis", Probe: func(context.Context) error { return nil }},
		{Name: "store", Probe: func(context.Context) error { return errors.New("connection refused") }},
	}
	h := NewHandler(&fakeCounter{}, &fakeEraser{}, checks, zerolog.Nop())

	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusMultiStatus, w.Code)

	var resp healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Services["redis"])
	assert.Equal(t, "connection refused", resp.Services["store"])
}

func TestDataSummary(t *testing.T) {
	db := &fakeCounter{counts: map[string]int64{
		"routing_decisions": 12,
		"session_plans":     3,
	}}
	h := NewHandler(db, &fakeEraser{}, nil, zerolog.Nop())

	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ml/data-summary/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dataSummaryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, int64(15), resp.TotalRows)
	assert.Equal(t, int64(12), resp.Tables["routing_decisions"])
	assert.Len(t, resp.Tables, len(store.UserOwnedTables))
}

func TestDataSummaryStoreDown(t *testing.T) {
	db := &fakeCounter{err: store.ErrUnavailable}
	h := NewHandler(db, &fakeEraser{}, nil, zerolog.Nop())

	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ml/data-summary/u1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEraseEndpoint(t *testing.T) {
	eraser := &fakeEraser{summary: gdpr.Summary{
		CacheKeysDeleted: 4,
		Tables:           map[string]int64{"session_plans": 2},
		Errors:           []string{},
		Success:          true,
	}}
	h := NewHandler(&fakeCounter{}, eraser, nil, zerolog.Nop())

	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/ml/user/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp gdpr.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, 4, resp.CacheKeysDeleted)
	assert.Equal(t, []string{"u1"}, eraser.erased)
}
