// Package cogload tracks per-session cognitive load in memory.
//
// Load for one interaction is (responseTime − baseline) / baseline,
// clamped to [0, 1]. The baseline resolves through a three-level
// hierarchy: the (module, word status) bucket, then the module average,
// then the learner's global baseline, with a system default of 3000ms
// when none exist. Sessions live only between InitSession and
// EndSession; the Service layer replays persisted events to rebuild a
// session after a restart.
package cogload

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trend values reported in snapshots.
const (
	TrendIncreasing = "increasing"
	TrendStable     = "stable"
	TrendDecreasing = "decreasing"
)

// Recommended actions, evaluated top-down.
const (
	ActionContinue   = "continue"
	ActionSimplify   = "simplify"
	ActionEndSession = "end-session"
)

const (
	simplifyThreshold    = 0.6
	breakThreshold       = 0.8
	consecutiveHighWords = 3
	trendDelta           = 0.05
)

// Baselines is the response-time hierarchy resolved for one learner at
// session start. Bucket is keyed module then word status.
type Baselines struct {
	UserMs float64
	Module map[string]float64
	Bucket map[string]map[string]float64
}

// Event is one interaction to score.
type Event struct {
	Sequence       int
	WordID         string
	WordStatus     string
	ResponseTimeMs float64
}

// EventLoad is the scored record kept in the session window.
type EventLoad struct {
	Sequence       int
	WordID         string
	ResponseTimeMs float64
	BaselineMs     float64
	Load           float64
	At             time.Time
}

// Snapshot is the rolling view over a live session. Loads are rounded
// to four decimals for the wire; RecentLoads is the trend window.
type Snapshot struct {
	CurrentLoad         float64   `json:"currentLoad"`
	Trend               string    `json:"trend"`
	RecommendedAction   string    `json:"recommendedAction"`
	EventCount          int       `json:"eventCount"`
	ConsecutiveHighLoad int       `json:"consecutiveHighLoad"`
	AvgLoad             float64   `json:"avgLoad"`
	RecentLoads         []float64 `json:"recentLoads"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Trend:             TrendStable,
		RecommendedAction: ActionContinue,
		RecentLoads:       []float64{},
	}
}

// session is one tracked session. Guarded by the estimator lock.
type session struct {
	userID          string
	module          string
	startedAt       time.Time
	userBaselineMs  float64
	moduleBaselines map[string]float64
	bucketBaselines map[string]map[string]float64
	events          []EventLoad
	consecutiveHigh int
}

// baseline picks the most specific figure available for an event.
func (s *session) baseline(wordStatus string) float64 {
	if wordStatus != "" {
		if ms, ok := s.bucketBaselines[s.module][wordStatus]; ok && ms > 0 {
			return ms
		}
	}
	if ms, ok := s.moduleBaselines[s.module]; ok && ms > 0 {
		return ms
	}
	return s.userBaselineMs
}

func (s *session) snapshot(trendWindow int) Snapshot {
	if len(s.events) == 0 {
		return emptySnapshot()
	}

	loads := make([]float64, len(s.events))
	var sum float64
	for i, ev := range s.events {
		loads[i] = ev.Load
		sum += ev.Load
	}
	current := loads[len(loads)-1]
	avg := sum / float64(len(loads))

	window := loads
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	recent := make([]float64, len(window))
	for i, l := range window {
		recent[i] = round4(l)
	}

	return Snapshot{
		CurrentLoad:         round4(current),
		Trend:               trend(window),
		RecommendedAction:   recommend(current, avg, s.consecutiveHigh),
		EventCount:          len(s.events),
		ConsecutiveHighLoad: s.consecutiveHigh,
		AvgLoad:             round4(avg),
		RecentLoads:         recent,
	}
}

// Estimator tracks cognitive load for every active session. Safe for
// concurrent use.
type Estimator struct {
	mu       sync.Mutex
	sessions map[string]*session

	defaultBaselineMs float64
	window            int
	trendWindow       int
}

// NewEstimator builds an estimator. Non-positive arguments fall back to
// the stock tuning (3000ms default baseline, 500-event window, trend
// over the last 8 loads).
func NewEstimator(defaultBaselineMs float64, window, trendWindow int) *Estimator {
	if defaultBaselineMs <= 0 {
		defaultBaselineMs = 3000
	}
	if window <= 0 {
		window = 500
	}
	if trendWindow <= 0 {
		trendWindow = 8
	}
	return &Estimator{
		sessions:          make(map[string]*session),
		defaultBaselineMs: defaultBaselineMs,
		window:            window,
		trendWindow:       trendWindow,
	}
}

// InitSession registers a session for tracking. Re-initialising a live
// session replaces it; restart replay depends on last-init-wins.
func (e *Estimator) InitSession(sessionID, userID, module string, b Baselines) {
	userMs := b.UserMs
	if userMs <= 0 {
		userMs = e.defaultBaselineMs
	}
	s := &session{
		userID:          userID,
		module:          module,
		startedAt:       time.Now().UTC(),
		userBaselineMs:  userMs,
		moduleBaselines: b.Module,
		bucketBaselines: b.Bucket,
	}
	if s.moduleBaselines == nil {
		s.moduleBaselines = map[string]float64{}
	}
	if s.bucketBaselines == nil {
		s.bucketBaselines = map[string]map[string]float64{}
	}

	e.mu.Lock()
	e.sessions[sessionID] = s
	e.mu.Unlock()
}

// RecordEvent scores one interaction and appends it to the session
// window, evicting the oldest entry once the window is full. Reports
// false for an untracked session or a non-positive response time so
// callers can fire-and-forget.
func (e *Estimator) RecordEvent(sessionID string, ev Event) (float64, bool) {
	if ev.ResponseTimeMs <= 0 {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return 0, false
	}

	baseline := s.baseline(ev.WordStatus)
	load := 0.0
	if baseline > 0 {
		load = clamp((ev.ResponseTimeMs-baseline)/baseline, 0, 1)
	}

	s.events = append(s.events, EventLoad{
		Sequence:       ev.Sequence,
		WordID:         ev.WordID,
		ResponseTimeMs: ev.ResponseTimeMs,
		BaselineMs:     baseline,
		Load:           load,
		At:             time.Now().UTC(),
	})
	if len(s.events) > e.window {
		s.events = s.events[len(s.events)-e.window:]
	}

	if load > simplifyThreshold {
		s.consecutiveHigh++
	} else {
		s.consecutiveHigh = 0
	}
	return load, true
}

// Snapshot reports the rolling view for a session, false if untracked.
// A tracked session with no events yet reports the quiet zero view.
func (e *Estimator) Snapshot(sessionID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(e.trendWindow), true
}

// EndSession removes the session and returns the mean load across every
// recorded event, zero when the session saw none. Reports false when
// the session is untracked, which makes a second call a no-op.
func (e *Estimator) EndSession(sessionID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return 0, false
	}
	delete(e.sessions, sessionID)

	if len(s.events) == 0 {
		return 0, true
	}
	var sum float64
	for _, ev := range s.events {
		sum += ev.Load
	}
	return round4(sum / float64(len(s.events))), true
}

// Owner returns the user a session belongs to.
func (e *Estimator) Owner(sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.userID, true
}

// Active reports how many sessions are tracked.
func (e *Estimator) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// DropUser discards every tracked session belonging to userID and
// returns how many were dropped. Used by account erasure.
func (e *Estimator) DropUser(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, s := range e.sessions {
		if s.userID == userID {
			delete(e.sessions, id)
			n++
		}
	}
	return n
}

// trend fits a least-squares slope over the window. Fewer than three
// samples, or a flat fit, reads as stable.
func trend(window []float64) string {
	if len(window) < 3 {
		return TrendStable
	}
	xs := make([]float64, len(window))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, window, nil, false)
	switch {
	case math.IsNaN(slope):
		return TrendStable
	case slope > trendDelta:
		return TrendIncreasing
	case slope < -trendDelta:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// recommend picks the action for a snapshot, first match wins.
func recommend(current, avg float64, consecutiveHigh int) string {
	switch {
	case current > breakThreshold:
		return ActionEndSession
	case current > simplifyThreshold && consecutiveHigh >= consecutiveHighWords:
		return ActionSimplify
	case avg > simplifyThreshold:
		return ActionSimplify
	default:
		return ActionContinue
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
