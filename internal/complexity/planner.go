// Package complexity plans the next session's difficulty: a complexity
// level, a word count, and a duration budget. A softmax classifier over
// the five levels serves once trained; a rule heuristic carries the
// service before that, and brand-new learners get a fixed gentle plan.
package complexity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// serviceName keys the cache namespace, the registry slug, and the
// prediction log rows.
const serviceName = "complexity"

const (
	// historyWindow is how many recent sessions feed the features.
	historyWindow = 60

	// Feature defaults when the signal is missing.
	defaultRecall     = 0.6
	defaultLoad       = 0.3
	defaultCompletion = 0.8
	defaultDaysSince  = 0.7

	heuristicConfidence = 0.3

	// modelVersionTag is the persisted classifier generation marker,
	// distinct from the registry artifact version.
	modelVersionTag = "v0.1.0"
)

// Datastore is the slice of the store the planner touches.
type Datastore interface {
	SessionSummaries(ctx context.Context, userID string, limit int) ([]store.SessionSummary, error)
	SaveSessionPlan(ctx context.Context, p store.SessionPlan) (string, error)
}

// KnowledgeSource supplies per-word recall estimates.
type KnowledgeSource interface {
	KnowledgeState(ctx context.Context, userID string) (types.KnowledgeState, error)
}

// Planner serves session plans from the active classifier artifact,
// falling back to the heuristic when none is trained.
type Planner struct {
	db    Datastore
	dkt   KnowledgeSource
	reg   *registry.Registry
	cfg   config.ComplexityConfig
	log   zerolog.Logger
	model atomic.Pointer[Model]
}

// NewPlanner builds a planner with no model loaded. Call Load to pull
// the active artifact.
func NewPlanner(db Datastore, dkt KnowledgeSource, reg *registry.Registry, cfg config.ComplexityConfig, log zerolog.Logger) *Planner {
	return &Planner{db: db, dkt: dkt, reg: reg, cfg: cfg, log: log}
}

// Load pulls the active artifact from the registry. A missing artifact
// leaves the heuristic serving.
func (p *Planner) Load(ctx context.Context) error {
	art, err := p.reg.ActiveArtifact(ctx, serviceName)
	if err != nil {
		if errors.Is(err, registry.ErrNoArtifact) {
			metrics.ModelLoaded.WithLabelValues(serviceName).Set(0)
			p.log.Info().Msg("no complexity artifact yet, heuristic serving")
			return nil
		}
		return fmt.Errorf("load complexity artifact: %w", err)
	}
	model, err := DecodeModel(art.Payload)
	if err != nil {
		return err
	}
	p.install(model)
	p.log.Info().Str("version", model.Version).Msg("complexity model loaded")
	return nil
}

func (p *Planner) install(m *Model) {
	p.model.Store(m)
	metrics.ModelLoaded.WithLabelValues(serviceName).Set(1)
}

// Loaded reports whether a classifier artifact is serving.
func (p *Planner) Loaded() bool {
	return p.model.Load() != nil
}

// Version returns the serving model version, or empty.
func (p *Planner) Version() string {
	if m := p.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Plan is one session difficulty recommendation.
type Plan struct {
	UserID                     string             `json:"userId"`
	ComplexityLevel            int                `json:"complexityLevel"`
	RecommendedWordCount       int                `json:"recommendedWordCount"`
	RecommendedDurationMinutes float64            `json:"recommendedDurationMinutes"`
	Confidence                 float64            `json:"confidence"`
	UsingModel                 bool               `json:"usingModel"`
	Reason                     string             `json:"reason,omitempty"`
	Features                   map[string]float64 `json:"features"`
	PlanID                     *string            `json:"planId"`
}

// PlanSession recommends the difficulty shape of the learner's next
// session and persists the plan. Brand-new learners get the fixed
// starter plan without a persisted row.
func (p *Planner) PlanSession(ctx context.Context, userID string) (Plan, error) {
	sums, err := p.db.SessionSummaries(ctx, userID, historyWindow)
	if err != nil {
		return Plan{}, fmt.Errorf("session history: %w", err)
	}
	if len(sums) == 0 {
		return Plan{
			UserID:                     userID,
			ComplexityLevel:            1,
			RecommendedWordCount:       40,
			RecommendedDurationMinutes: 8.0,
			Confidence:                 0.2,
			Reason:                     "new_user",
			Features:                   map[string]float64{},
		}, nil
	}

	f := p.buildFeatures(ctx, userID, sums, time.Now().UTC())

	plan := Plan{UserID: userID, Features: f.asMap()}
	modelVersion := "heuristic"
	if m := p.model.Load(); m != nil {
		level, conf := m.Classify(f.vector())
		plan.ComplexityLevel = level
		plan.Confidence = round4(conf)
		plan.UsingModel = true
		modelVersion = modelVersionTag
	} else {
		plan.ComplexityLevel = p.heuristicLevel(f)
		plan.Confidence = heuristicConfidence
	}

	plan.RecommendedWordCount = p.wordCount(plan.ComplexityLevel)
	plan.RecommendedDurationMinutes = p.duration(plan.RecommendedWordCount, plan.ComplexityLevel)

	features, _ := json.Marshal(plan.Features)
	id, err := p.db.SaveSessionPlan(ctx, store.SessionPlan{
		UserID:          userID,
		ComplexityLevel: plan.ComplexityLevel,
		WordCount:       plan.RecommendedWordCount,
		DurationMinutes: plan.RecommendedDurationMinutes,
		Confidence:      plan.Confidence,
		InputFeatures:   features,
		ModelVersion:    modelVersion,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("session plan not persisted")
	} else {
		plan.PlanID = &id
	}
	return plan, nil
}

/// heuristicLevel scores difficulty from a 2.0 baseline: strong recall
// pushes up, load pushes down, a streak earns headroom, a long absence
// eases re-entry.
func (p *Planner) heuristicLevel(f features) int {
	level := 2.0

	switch {
	case f.PRecallAvg > 0.8:
		level += 1.0
	case f.PRecallAvg > 0.6:
		level += 0.5
	case f.PRecallAvg < 0.4:
		level -= 0.5
	}

	switch {
	case f.LastLoad > 0.6:
		level -= 1.0
	case f.LastLoad > 0.5:
		level -= 0.5
	case f.LastLoad < 0.2:
		level += 0.5
	}

	if f.StreakDays > 7 {
		level += 0.5
	}
	if f.DaysSinceLastSession > 3 {
		level -= 0.5
	}

	return clampInt(int(math.Round(level)), p.cfg.MinComplexity, p.cfg.MaxComplexity)
}

// wordCount scales linearly with level inside the configured bounds.
func (p *Planner) wordCount(level int) int {
	return clampInt(30+12*level, p.cfg.MinWordCount, p.cfg.MaxWordCount)
}

// duration divides the word budget by a per-level pace. Higher levels
// read slower.
func (p *Planner) duration(wordCount, level int) float64 {
	wpm := math.Max(2.0, 5.0-0.5*float64(level-1))
	minutes := math.Min(math.Max(float64(wordCount)/wpm, p.cfg.MinDurationMinutes), p.cfg.MaxDurationMinutes)
	return math.Round(minutes*10) / 10
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
