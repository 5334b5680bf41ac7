package cogload

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/store"
)

// Datastore is the slice of the store the service needs.
type Datastore interface {
	GlobalBaseline(ctx context.Context, userID string) (store.UserBaseline, error)
	ModuleBaselines(ctx context.Context, userID string) ([]store.ModuleBaseline, error)
	BucketBaselines(ctx context.Context, userID string) ([]store.BucketBaseline, error)
	SessionSummary(ctx context.Context, sessionID string) (store.SessionSummary, error)
	EventsForSession(ctx context.Context, sessionID string) ([]store.InteractionEvent, error)
	WordStatuses(ctx context.Context, userID string, wordIDs []string) (map[string]string, error)
	UpdateSessionCognitiveLoad(ctx context.Context, sessionID string, load float64) error
}

// Service couples the estimator to the data plane: baseline loading at
// session start, replay recovery for snapshots after a restart, and
// persistence of the final average at session end.
type Service struct {
	est *Estimator
	db  Datastore
	log zerolog.Logger

	recover singleflight.Group
}

// NewService wires the estimator to its datastore.
func NewService(est *Estimator, db Datastore, log zerolog.Logger) *Service {
	return &Service{est: est, db: db, log: log}
}

// InitSession loads the learner's baseline hierarchy and starts
// tracking. Re-init of a live session replaces it.
func (s *Service) InitSession(ctx context.Context, sessionID, userID, module string) error {
	b, err := s.baselines(ctx, userID)
	if err != nil {
		return err
	}
	s.est.InitSession(sessionID, userID, module, b)
	metrics.ActiveLoadSessions.Set(float64(s.est.Active()))

	s.log.Info().
		Str("session_id", sessionID).
		Str("module", module).
		Float64("user_baseline_ms", b.UserMs).
		Msg("session tracking started")
	return nil
}

// RecordEvent scores one interaction. The bool mirrors the estimator:
// false means untracked session or unusable response time.
func (s *Service) RecordEvent(sessionID string, ev Event) (float64, bool) {
	return s.est.RecordEvent(sessionID, ev)
}

// Snapshot returns the rolling view for a session, rebuilding it from
// persisted events when this process no longer holds it. Unknown
// everywhere resolves to store.ErrNotFound. Concurrent recoveries of
// one session collapse into a single replay.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if snap, ok := s.est.Snapshot(sessionID); ok {
		return snap, nil
	}

	v, err, _ := s.recover.Do(sessionID, func() (any, error) {
		// A concurrent caller may have finished the replay while this
		// one waited on the flight group.
		if snap, ok := s.est.Snapshot(sessionID); ok {
			return snap, nil
		}
		return s.replay(ctx, sessionID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// replay rebuilds a session from its persisted event log.
func (s *Service) replay(ctx context.Context, sessionID string) (Snapshot, error) {
	summary, err := s.db.SessionSummary(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("session summary: %w", err)
	}

	events, err := s.db.EventsForSession(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("session events: %w", err)
	}
	if len(events) == 0 {
		// Nothing to replay. Report the quiet view without installing
		// state so an ended session is not resurrected.
		return emptySnapshot(), nil
	}

	b, err := s.baselines(ctx, summary.UserID)
	if err != nil {
		return Snapshot{}, err
	}

	wordIDs := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.WordID == "" {
			continue
		}
		if _, dup := seen[ev.WordID]; dup {
			continue
		}
		seen[ev.WordID] = struct{}{}
		wordIDs = append(wordIDs, ev.WordID)
	}
	statuses := map[string]string{}
	if len(wordIDs) > 0 {
		statuses, err = s.db.WordStatuses(ctx, summary.UserID, wordIDs)
		if err != nil {
			return Snapshot{}, fmt.Errorf("word statuses: %w", err)
		}
	}

	s.est.InitSession(sessionID, summary.UserID, summary.ModuleSource, b)
	for _, ev := range events {
		s.est.RecordEvent(sessionID, Event{
			Sequence:       ev.Sequence,
			WordID:         ev.WordID,
			WordStatus:     statuses[ev.WordID],
			ResponseTimeMs: ev.ResponseTimeMs,
		})
	}
	metrics.ActiveLoadSessions.Set(float64(s.est.Active()))

	snap, _ := s.est.Snapshot(sessionID)
	s.log.Info().
		Str("session_id", sessionID).
		Int("events", len(events)).
		Msg("session recovered from persisted events")
	return snap, nil
}

// EndSession finalises a session: pops it from memory, persists the
// average load onto the session summary, and reports who owned it. The
// pointer is nil when the session was unknown; persistence failures are
// logged but do not fail the call.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*float64, string) {
	userID, ok := s.est.Owner(sessionID)
	if !ok {
		userID = "unknown"
	}

	final, ok := s.est.EndSession(sessionID)
	if !ok {
		return nil, userID
	}
	metrics.ActiveLoadSessions.Set(float64(s.est.Active()))

	if err := s.db.UpdateSessionCognitiveLoad(ctx, sessionID, final); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sessionID).
			Msg("final cognitive load not persisted")
	}
	return &final, userID
}

// ActiveSessions reports how many sessions are tracked in this process.
func (s *Service) ActiveSessions() int {
	return s.est.Active()
}

// DropUser discards any tracked sessions for userID. Used by erasure.
func (s *Service) DropUser(userID string) int {
	n := s.est.DropUser(userID)
	metrics.ActiveLoadSessions.Set(float64(s.est.Active()))
	return n
}

// baselines loads the three-level hierarchy for a learner. A missing
// global row falls back to the estimator default rather than failing.
func (s *Service) baselines(ctx context.Context, userID string) (Baselines, error) {
	var b Baselines

	global, err := s.db.GlobalBaseline(ctx, userID)
	switch {
	case err == nil:
		b.UserMs = global.AvgResponseTimeMs
	case errors.Is(err, store.ErrNotFound):
		// New learner, system default applies.
	default:
		return Baselines{}, fmt.Errorf("global baseline: %w", err)
	}

	modules, err := s.db.ModuleBaselines(ctx, userID)
	if err != nil {
		return Baselines{}, fmt.Errorf("module baselines: %w", err)
	}
	b.Module = make(map[string]float64, len(modules))
	for _, m := range modules {
		b.Module[m.ModuleSource] = m.AvgResponseTimeMs
	}

	buckets, err := s.db.BucketBaselines(ctx, userID)
	if err != nil {
		return Baselines{}, fmt.Errorf("bucket baselines: %w", err)
	}
	b.Bucket = make(map[string]map[string]float64)
	for _, bb := range buckets {
		inner, ok := b.Bucket[bb.ModuleSource]
		if !ok {
			inner = make(map[string]float64)
			b.Bucket[bb.ModuleSource] = inner
		}
		inner[bb.WordStatus] = bb.AvgResponseTimeMs
	}
	return b, nil
}
