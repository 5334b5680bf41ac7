// Package gdpr implements the right-to-erasure sweep over everything
// the platform holds about one learner.
package gdpr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/store"
)

// Datastore is the row-deletion primitive the sweep runs on.
type Datastore interface {
	DeleteUserRows(ctx context.Context, table, userID string) (int64, error)
}

// CachePurger removes a user's cached predictions.
type CachePurger interface {
	PurgeUser(ctx context.Context, userID string) (int, error)
}

// SessionDropper discards in-memory load-tracking state for a user.
type SessionDropper interface {
	DropUser(userID string) int
}

// Coordinator runs the full erasure flow. sessions may be nil when no
// in-memory tracker is wired.
type Coordinator struct {
	db       Datastore
	cache    CachePurger
	sessions SessionDropper
	log      zerolog.Logger
}

// NewCoordinator wires the erasure flow.
func NewCoordinator(db Datastore, cache CachePurger, sessions SessionDropper, log zerolog.Logger) *Coordinator {
	return &Coordinator{db: db, cache: cache, sessions: sessions, log: log.With().Str("component", "gdpr").Logger()}
}

// Summary reports what one erasure call removed. Success means every
// step completed; partial failures leave their tables listed in Errors
// so the caller can retry.
type Summary struct {
	UserID           string           `json:"userId"`
	CacheKeysDeleted int              `json:"cacheKeysDeleted"`
	SessionsDropped  int              `json:"sessionsDropped"`
	Tables           map[string]int64 `json:"tables"`
	Errors           []string         `json:"errors"`
	Success          bool             `json:"success"`
}

// EraseUser purges the prediction cache, drops tracked sessions, and
// deletes the user's rows from every owned table in FK-safe order. A
// failing step is recorded and the sweep continues, so one broken table
// never blocks the rest of the erasure. Calling it again for an already
// erased user succeeds with zero counts.
func (c *Coordinator) EraseUser(ctx context.Context, userID string) Summary {
	summary := Summary{
		UserID: userID,
		Tables: make(map[string]int64, len(store.UserOwnedTables)),
		Errors: []string{},
	}

	if n, err := c.cache.PurgeUser(ctx, userID); err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("erasure cache purge failed")
		summary.Errors = append(summary.Errors, fmt.Sprintf("cache purge: %v", err))
	} else {
		summary.CacheKeysDeleted = n
	}

	if c.sessions != nil {
		summary.SessionsDropped = c.sessions.DropUser(userID)
	}

	for _, table := range store.UserOwnedTables {
		n, err := c.db.DeleteUserRows(ctx, table, userID)
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Str("table", table).Msg("erasure table delete failed")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", table, err))
			continue
		}
		summary.Tables[table] = n
	}

	summary.Success = len(summary.Errors) == 0
	c.log.Info().
		Str("user_id", userID).
		Int("cache_keys", summary.CacheKeysDeleted).
		Int("errors", len(summary.Errors)).
		Bool("success", summary.Success).
		Msg("user erasure completed")
	return summary
}
