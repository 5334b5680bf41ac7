package coldstart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// goalModulePaths orders modules per declared learning goal for the
// heuristic fallback.
var goalModulePaths = map[string][]string{
	"conversational": {"conversation", "listening", "story", "flashcard"},
	"formal":         {"grammar_drill", "sentence_build", "story", "flashcard"},
	"travel":         {"conversation", "pronunciation", "flashcard", "listening"},
	"business":       {"grammar_drill", "sentence_build", "conversation", "story"},
}

// Datastore is the slice of the store the assigner touches.
type Datastore interface {
	Profile(ctx context.Context, userID string) (store.Profile, error)
	UserGoals(ctx context.Context, userID string) ([]string, error)
	CountUserEvents(ctx context.Context, userID string) (int, error)
	ActiveAssignment(ctx context.Context, userID string) (store.ClusterAssignment, error)
	SaveAssignment(ctx context.Context, a store.ClusterAssignment) (string, error)
	DeactivateAssignments(ctx context.Context, userID string) error
	ClusterProfiles(ctx context.Context) ([]store.ClusterProfile, error)
}

// Assigner places new learners into the nearest cluster, or falls back
// to CEFR plus goal heuristics before the first successful training
// run.
type Assigner struct {
	db    Datastore
	reg   *registry.Registry
	cfg   config.ColdStartConfig
	log   zerolog.Logger
	model atomic.Pointer[Model]
}

// NewAssigner wires the assigner against the store and the registry.
func NewAssigner(db Datastore, reg *registry.Registry, cfg config.ColdStartConfig, log zerolog.Logger) *Assigner {
	return &Assigner{db: db, reg: reg, cfg: cfg, log: log}
}

// Load pulls the active cold start artifact. No artifact yet is not an
// error; assignment serves heuristics until the first training run.
func (a *Assigner) Load(ctx context.Context) error {
	art, err := a.reg.ActiveArtifact(ctx, serviceName)
	if err != nil {
		if errors.Is(err, registry.ErrNoArtifact) {
			metrics.ModelLoaded.WithLabelValues(serviceName).Set(0)
			a.log.Info().Msg("no cold start artifact, serving heuristic assignments")
			return nil
		}
		return fmt.Errorf("load cold start artifact: %w", err)
	}
	model, err := DecodeModel(art.Payload)
	if err != nil {
		return err
	}
	a.install(model)
	a.log.Info().Str("version", model.Version).Int("clusters", len(model.Centroids)).Msg("cold start model loaded")
	return nil
}

func (a *Assigner) install(m *Model) {
	a.model.Store(m)
	metrics.ModelLoaded.WithLabelValues(serviceName).Set(1)
}

// Loaded reports whether a trained model is serving.
func (a *Assigner) Loaded() bool {
	return a.model.Load() != nil
}

// Version returns the serving model version, or "" before training.
func (a *Assigner) Version() string {
	if m := a.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Assignment is the cluster placement returned to the app.
type Assignment struct {
	UserID                 string             `json:"userId"`
	ClusterID              int                `json:"clusterId"`
	RecommendedPath        []string           `json:"recommendedPath"`
	DefaultComplexityLevel int                `json:"defaultComplexityLevel"`
	EstimatedVocabStart    string             `json:"estimatedVocabStart"`
	ModuleWeights          map[string]float64 `json:"recommendedModuleWeights"`
	Confidence             float64            `json:"confidence"`
	ClusterSize            int                `json:"clusterSize"`
	UsingModel             bool               `json:"usingModel"`
	AssignmentID           *string            `json:"assignmentId"`
}

// Assign places the learner from their signup profile: nearest centroid
// when a model is serving, CEFR and goal heuristics otherwise. The
// assignment row is persisted warn-only.
func (a *Assigner) Assign(ctx context.Context, userID string) (Assignment, error) {
	profile, err := a.db.Profile(ctx, userID)
	if err != nil {
		return Assignment{}, fmt.Errorf("signup profile: %w", err)
	}
	goals, err := a.db.UserGoals(ctx, userID)
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("user goals unavailable, assigning without them")
		goals = nil
	}

	var out Assignment
	if m := a.model.Load(); m != nil {
		out = a.modelAssignment(m, userID, profile, goals)
	} else {
		out = heuristicAssignment(userID, profile, goals)
	}

	features, _ := json.Marshal(map[string]any{
		"nativeLanguage": profile.NativeLanguage,
		"targetLanguage": profile.TargetLanguage,
		"cefrLevel":      profile.ProficiencyLevel,
		"goals":          goals,
	})
	id, err := a.db.SaveAssignment(ctx, store.ClusterAssignment{
		UserID:                 userID,
		ClusterID:              out.ClusterID,
		RecommendedPath:        out.RecommendedPath,
		DefaultComplexityLevel: out.DefaultComplexityLevel,
		EstimatedVocabStart:    out.EstimatedVocabStart,
		Confidence:             out.Confidence,
		AssignmentFeatures:     features,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("cluster assignment not persisted")
	} else {
		out.AssignmentID = &id
	}
	return out, nil
}

// modelAssignment scores the signup vector against the centroids.
// Confidence decays exponentially with the distance to the winner.
func (a *Assigner) modelAssignment(m *Model, userID string, profile store.Profile, goals []string) Assignment {
	z := m.Scale(m.Columns.signupVector(profile, goals))
	cid, dist := m.Nearest(z)
	confidence := round4(math.Exp(-0.1 * dist))

	out := Assignment{
		UserID:     userID,
		ClusterID:  cid,
		Confidence: confidence,
		UsingModel: true,
	}
	if p, ok := m.Profiles[cid]; ok {
		out.RecommendedPath = p.RecommendedPath
		out.DefaultComplexityLevel = p.DefaultComplexityLevel
		out.EstimatedVocabStart = p.EstimatedVocabStart
		out.ModuleWeights = p.ModuleWeights
		out.ClusterSize = p.Size
		return out
	}

	// Profile row missing for this centroid: derive defaults from the
	// signup CEFR level.
	out.RecommendedPath = heuristicPath(goals)
	out.DefaultComplexityLevel = complexityFor(profile.ProficiencyLevel)
	out.EstimatedVocabStart = vocabBandFor(profile.ProficiencyLevel)
	out.ModuleWeights = map[string]float64{}
	return out
}

// heuristicAssignment is the pre-training fallback: sentinel cluster
// -1, zero confidence, module order merged from the learner's goals.
func heuristicAssignment(userID string, profile store.Profile, goals []string) Assignment {
	return Assignment{
		UserID:                 userID,
		ClusterID:              -1,
		RecommendedPath:        heuristicPath(goals),
		DefaultComplexityLevel: complexityFor(profile.ProficiencyLevel),
		EstimatedVocabStart:    vocabBandFor(profile.ProficiencyLevel),
		ModuleWeights:          map[string]float64{},
		Confidence:             0,
	}
}

// heuristicPath merges the goal module orders in declaration order,
// then appends whatever modules remain.
func heuristicPath(goals []string) []string {
	seen := make(map[string]bool, len(types.ModuleSources))
	var path []string
	for _, goal := range goals {
		for _, mod := range goalModulePaths[goal] {
			if !seen[mod] {
				seen[mod] = true
				path = append(path, mod)
			}
		}
	}
	for _, mod := range types.ModuleSources {
		if !seen[mod] {
			path = append(path, mod)
		}
	}
	return path
}

// Graduation is the outcome of a cold start graduation check.
type Graduation struct {
	UserID           string `json:"userId"`
	EventCount       int    `json:"eventCount"`
	Threshold        int    `json:"threshold"`
	ShouldGraduate   bool   `json:"shouldGraduate"`
	CurrentClusterID *int   `json:"currentClusterId"`
	Graduated        bool   `json:"graduated"`
}

// CheckGraduation deactivates the learner's cluster assignment once
// they have enough history for personal models.
func (a *Assigner) CheckGraduation(ctx context.Context, userID string) (Graduation, error) {
	count, err := a.db.CountUserEvents(ctx, userID)
	if err != nil {
		return Graduation{}, fmt.Errorf("count user events: %w", err)
	}

	out := Graduation{
		UserID:         userID,
		EventCount:     count,
		Threshold:      a.cfg.GraduationThreshold,
		ShouldGraduate: count >= a.cfg.GraduationThreshold,
	}

	assignment, err := a.db.ActiveAssignment(ctx, userID)
	switch {
	case err == nil:
		out.CurrentClusterID = &assignment.ClusterID
	case errors.Is(err, store.ErrNotFound):
	default:
		return Graduation{}, fmt.Errorf("active assignment: %w", err)
	}

	if out.ShouldGraduate && out.CurrentClusterID != nil {
		if err := a.db.DeactivateAssignments(ctx, userID); err != nil {
			return Graduation{}, fmt.Errorf("deactivate assignments: %w", err)
		}
		out.Graduated = true
		a.log.Info().Str("user_id", userID).Int("events", count).
			Int("cluster", *out.CurrentClusterID).Msg("learner graduated from cold start")
	}
	return out, nil
}
