package story

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/predlog"
	"github.com/fluentloop/synapse/internal/store"
)

type recorderStub struct {
	mu      sync.Mutex
	entries []predlog.Entry
}

func (r *recorderStub) Record(e predlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorderStub) all() []predlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]predlog.Entry(nil), r.entries...)
}

func newTestHandler(t *testing.T, db *fakeDatastore) (*Handler, *recorderStub, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.New(rdb, time.Hour, zerolog.Nop())
	rec := &recorderStub{}
	sel := newTestSelector(db, &fakeKnowledge{})
	return NewHandler(sel, c, rec, 30*time.Minute, zerolog.Nop()), rec, mr
}

func sampleWords(past *time.Time) []store.UserWord {
	words := []store.UserWord{word("due-1", "new", past)}
	for _, id := range []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9", "k10", "k11", "k12"} {
		words = append(words, word(id, "known", nil))
	}
	return words
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSelectWordsEndpoint(t *testing.T) {
	past := ptrTime(time.Now().Add(-24 * time.Hour))
	db := &fakeDatastore{words: sampleWords(past)}
	h, rec, _ := newTestHandler(t, db)
	r := h.Routes()

	w := doJSON(t, r, http.MethodPost, "/select-words", map[string]any{
		"userId": "u1", "targetWordCount": 10, "storyComplexityLevel": 2,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp SelectResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.KnownFillWords)
	assert.LessOrEqual(t, len(resp.DueWords), 1)

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "story", entries[0].Service)
	assert.Equal(t, "select-words", entries[0].Endpoint)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.NotEmpty(t, entries[0].ResponseDigest)
}

func TestSelectWordsCached(t *testing.T) {
	past := ptrTime(time.Now().Add(-24 * time.Hour))
	db := &fakeDatastore{words: sampleWords(past)}
	h, rec, mr := newTestHandler(t, db)
	r := h.Routes()

	body := map[string]any{"userId": "u1", "targetWordCount": 10, "storyComplexityLevel": 2}
	first := doJSON(t, r, http.MethodPost, "/select-words", body)
	require.Equal(t, http.StatusOK, first.Code)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "ml:pred:story:select-words:u1")

	second := doJSON(t, r, http.MethodPost, "/select-words", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, rec.all(), 1, "cache hits are not logged as predictions")

	// A different word count is a different plan.
	third := doJSON(t, r, http.MethodPost, "/select-words", map[string]any{
		"userId": "u1", "targetWordCount": 20, "storyComplexityLevel": 2,
	})
	require.Equal(t, http.StatusOK, third.Code)
	assert.Len(t, mr.Keys(), 2)
}

func TestSelectWordsValidation(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeDatastore{})
	r := h.Routes()

	w := doJSON(t, r, http.MethodPost, "/select-words", map[string]any{"targetWordCount": 10, "storyComplexityLevel": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userId is required")

	w = doJSON(t, r, http.MethodPost, "/select-words", map[string]any{"userId": "u1", "targetWordCount": 0, "storyComplexityLevel": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "targetWordCount")

	w = doJSON(t, r, http.MethodPost, "/select-words", map[string]any{"userId": "u1", "targetWordCount": 10, "storyComplexityLevel": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "storyComplexityLevel")
}

func TestUpdatePreferencesEndpointPurgesCache(t *testing.T) {
	past := ptrTime(time.Now().Add(-24 * time.Hour))
	db := &fakeDatastore{words: sampleWords(past)}
	h, _, mr := newTestHandler(t, db)
	r := h.Routes()

	w := doJSON(t, r, http.MethodPost, "/select-words", map[string]any{
		"userId": "u1", "targetWordCount": 10, "storyComplexityLevel": 2,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mr.Keys(), 1)

	w = doJSON(t, r, http.MethodPost, "/update-preferences", map[string]any{
		"userId": "u1", "storyId": "s1", "topicTags": []string{"travel"}, "timeOnSegmentMs": 30000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"updated"`)
	assert.Empty(t, mr.Keys(), "a moved profile invalidates cached selections")
	require.Len(t, db.upserted, 1)
}

func TestUpdatePreferencesValidation(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeDatastore{})
	r := h.Routes()

	w := doJSON(t, r, http.MethodPost, "/update-preferences", map[string]any{"storyId": "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userId is required")

	w = doJSON(t, r, http.MethodPost, "/update-preferences", map[string]any{"userId": "u1", "timeOnSegmentMs": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "timeOnSegmentMs")
}

func TestInitPreferencesEndpoint(t *testing.T) {
	db := &fakeDatastore{}
	h, _, _ := newTestHandler(t, db)
	r := h.Routes()

	w := doJSON(t, r, http.MethodPost, "/init-preferences", map[string]any{
		"userId": "u1", "selectedTopics": []string{"travel", "animals"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp preferencesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "initialized", resp.Status)
	assert.Len(t, resp.PreferenceVector, EmbeddingDim)
	require.Len(t, db.upserted, 1)
}

func TestTopicsEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeDatastore{})
	w := doJSON(t, h.Routes(), http.MethodGet, "/topics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Topics []Topic `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Topics, 15)
}

func TestStoryHealth(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeDatastore{})
	w := doJSON(t, h.Routes(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"topics":15`)
}
