package gdpr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/store"
)

type fakeDB struct {
	rows    map[string]int64
	failing map[string]error
	deleted []string
}

func (f *fakeDB) DeleteUserRows(_ context.Context, table, _ string) (int64, error) {
	if err, ok := f.failing[table]; ok {
		return 0, err
	}
	f.deleted = append(f.deleted, table)
	n := f.rows[table]
	delete(f.rows, table)
	return n, nil
}

type dropperStub struct{ dropped []string }

func (d *dropperStub) DropUser(userID string) int {
	d.dropped = append(d.dropped, userID)
	return 2
}

func newTestCoordinator(t *testing.T, db *fakeDB, sessions SessionDropper) (*Coordinator, *cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.New(rdb, time.Hour, zerolog.Nop())
	return NewCoordinator(db, c, sessions, zerolog.Nop()), c
}

func TestEraseUser(t *testing.T) {
	db := &fakeDB{rows: map[string]int64{
		"routing_rewards":   3,
		"routing_decisions": 3,
		"session_plans":     1,
	}}
	dropper := &dropperStub{}
	coord, c := newTestCoordinator(t, db, dropper)

	ctx := context.Background()
	c.SetJSON(ctx, cache.Key("churn", "predict", "u1"), map[string]int{"x": 1})
	c.SetJSON(ctx, cache.Key("complexity", "plan-session", "u1"), map[string]int{"x": 2})
	c.SetJSON(ctx, cache.Key("churn", "predict", "u2"), map[string]int{"x": 3})

	summary := coord.EraseUser(ctx, "u1")
	assert.True(t, summary.Success)
	assert.Equal(t, "u1", summary.UserID)
	assert.Equal(t, 2, summary.CacheKeysDeleted)
	assert.Equal(t, 2, summary.SessionsDropped)
	assert.Equal(t, []string{"u1"}, dropper.dropped)
	assert.Empty(t, summary.Errors)

	// Every owned table is swept, in FK-safe order.
	assert.Equal(t, store.UserOwnedTables, db.deleted)
	assert.Equal(t, int64(3), summary.Tables["routing_rewards"])
	assert.Equal(t, int64(0), summary.Tables["churn_predictions"])

	// The other user's cache entry survives.
	var out map[string]int
	assert.True(t, c.GetJSON(ctx, cache.Key("churn", "predict", "u2"), &out))
}

func TestEraseUserContinuesPastTableErrors(t *testing.T) {
	db := &fakeDB{
		rows:    map[string]int64{"session_plans": 2},
		failing: map[string]error{"churn_predictions": errors.New("permission denied")},
	}
	coord, _ := newTestCoordinator(t, db, nil)

	summary := coord.EraseUser(context.Background(), "u1")
	assert.False(t, summary.Success)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "churn_predictions")

	// Later tables still got swept.
	assert.Equal(t, int64(2), summary.Tables["session_plans"])
	assert.NotContains(t, summary.Tables, "churn_predictions")
}

func TestEraseUserIdempotent(t *testing.T) {
	db := &fakeDB{rows: map[string]int64{"routing_decisions": 5}}
	coord, _ := newTestCoordinator(t, db, nil)

	first := coord.EraseUser(context.Background(), "u1")
	assert.True(t, first.Success)
	assert.Equal(t, int64(5), first.Tables["routing_decisions"])

	db.deleted = nil
	second := coord.EraseUser(context.Background(), "u1")
	assert.True(t, second.Success)
	assert.Equal(t, int64(0), second.Tables["routing_decisions"])
	assert.Zero(t, second.CacheKeysDeleted)
}
