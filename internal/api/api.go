// Package api holds the JSON helpers and error mapping shared by every handler.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fluentloop/synapse/internal/logging"
	"github.com/fluentloop/synapse/internal/store"
)

// maxBodyBytes caps request bodies. Inference payloads are small; anything
// larger is a client bug.
const maxBodyBytes = 1 << 20

// StatusError carries an HTTP status with a client-safe detail message.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

// BadRequest builds a 400 StatusError.
func BadRequest(format string, args ...any) error {
	return &StatusError{Status: http.StatusBadRequest, Detail: fmt.Sprintf(format, args...)}
}

// NotFound builds a 404 StatusError.
func NotFound(format string, args ...any) error {
	return &StatusError{Status: http.StatusNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Unavailable builds a 503 StatusError for missing models or broken dependencies.
func Unavailable(format string, args ...any) error {
	return &StatusError{Status: http.StatusServiceUnavailable, Detail: fmt.Sprintf(format, args...)}
}

// JSON writes v as a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logging.Component("api")
		l.Error().Err(err).Msg("encode response")
	}
}

// Error writes the standard error body {"detail": "..."}.
func Error(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, map[string]string{"detail": detail})
}

// WriteError maps err onto the wire. StatusError values keep their status and
// detail, a missing row reads as 404, an unreachable data plane as 503, and
// anything else becomes an opaque 500 logged server-side.
func WriteError(w http.ResponseWriter, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		Error(w, se.Status, se.Detail)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		Error(w, http.StatusServiceUnavailable, "data plane unavailable")
		return
	}
	l := logging.Component("api")
	l.Error().Err(err).Msg("unhandled error")
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads the JSON request body into dst. On failure it writes a 400
// and returns false; the handler should return immediately.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		Error(w, http.StatusBadRequest, "request body required")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
