// Package store is the PostgREST data access layer. Every Postgres read and
// write in the platform goes through it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/postgrest-go"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotFound means the query matched no rows.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means the data plane could not be reached.
	ErrUnavailable = errors.New("data plane unavailable")
)

// classify wraps transport-level failures with ErrUnavailable so handlers can
// map them to 503 instead of 500.
func classify(op string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store wraps the PostgREST client with typed table accessors.
type Store struct {
	client  *postgrest.Client
	baseURL string
	schema  string
	headers map[string]string
	log     zerolog.Logger
}

// New builds a Store for the configured PostgREST endpoint. The service key,
// when present, is sent both as the apikey header and a bearer token, which
// is what PostgREST deployments behind Supabase-style gateways expect.
func New(cfg config.DataConfig) *Store {
	headers := map[string]string{}
	if cfg.ServiceKey != "" {
		headers["apikey"] = cfg.ServiceKey
		headers["Authorization"] = "Bearer " + cfg.ServiceKey
	}

	client := postgrest.NewClient(cfg.URL, cfg.Schema, headers)

	return &Store{
		client:  client,
		baseURL: cfg.URL,
		schema:  cfg.Schema,
		headers: headers,
		log:     logging.Component("store"),
	}
}

// Health probes the data plane.
func (s *Store) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ok := s.client.Ping(); !ok {
		return ErrUnavailable
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RPC
// ═══════════════════════════════════════════════════════════════════════════════

// rpc calls a database function through PostgREST and returns the raw JSON
// response. The client library keeps request errors in mutable client state,
// so every call gets a throwaway client to stay safe under concurrent use.
func (s *Store) rpc(ctx context.Context, name string, body any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := postgrest.NewClient(s.baseURL, s.schema, s.headers)
	raw := c.Rpc(name, "", body)
	if c.ClientError != nil {
		return nil, classify("rpc "+name, c.ClientError)
	}
	return []byte(raw), nil
}

// rpcInto decodes a database function's response into dest. An empty
// response leaves dest untouched.
func (s *Store) rpcInto(ctx context.Context, name string, body, dest any) error {
	raw, err := s.rpc(ctx, name, body)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", name, err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// ts formats a time for PostgREST filter expressions.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// descending is the shared Order option for newest-first queries.
var descending = &postgrest.OrderOpts{Ascending: false}

// ascending is the shared Order option for oldest-first queries.
var ascending = &postgrest.OrderOpts{Ascending: true}
