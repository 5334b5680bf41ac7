package coldstart

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// TrainStore is the slice of the store the clustering trainer touches.
type TrainStore interface {
	MatureUsers(ctx context.Context, minEvents int) ([]store.TrainingUser, error)
	UpsertClusterProfiles(ctx context.Context, profiles []store.ClusterProfile) error
}

// Trainer fits the learner clusters. Registered on the task queue under
// "cold_start".
type Trainer struct {
	db       TrainStore
	reg      *registry.Registry
	assigner *Assigner
	cache    *cache.Cache
	log      zerolog.Logger
}

// NewTrainer wires the trainer. cache may be nil in tooling contexts;
// the post-publish flush is skipped then.
func NewTrainer(db TrainStore, reg *registry.Registry, assigner *Assigner, c *cache.Cache, log zerolog.Logger) *Trainer {
	return &Trainer{db: db, reg: reg, assigner: assigner, cache: c, log: log}
}

// Train clusters the mature cohort, persists the cluster profiles, and
// publishes the model as the active cold start artifact.
func (t *Trainer) Train(ctx context.Context) error {
	runID, err := t.reg.StartRun(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("start training run: %w", err)
	}

	cfg := t.assigner.cfg
	users, err := t.db.MatureUsers(ctx, cfg.MinEventsForTraining)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, err)
		return fmt.Errorf("fetch mature users: %w", err)
	}
	if len(users) < cfg.MinUsersForTraining {
		reason := fmt.Errorf("insufficient training data: %d mature users, need %d", len(users), cfg.MinUsersForTraining)
		t.finishRun(ctx, runID, registry.RunFailed, len(users), nil, reason)
		t.log.Warn().Int("users", len(users)).Msg("cold start training skipped, not enough mature users")
		return nil
	}

	model := fit(users, cfg.Clusters, cfg.MaxIterations, cfg.Seed)

	// Serving survives a failed profile write; the artifact carries its
	// own copy of the profiles.
	if err := t.db.UpsertClusterProfiles(ctx, profileRows(model)); err != nil {
		t.log.Warn().Err(err).Msg("cluster profiles not persisted")
	}

	payload, err := model.Encode()
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(users), nil, err)
		return err
	}
	if _, err := t.reg.Publish(ctx, serviceName, model.Version, payload, map[string]any{
		"users":    len(users),
		"clusters": len(model.Centroids),
		"inertia":  model.Inertia,
	}); err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(users), nil, err)
		return fmt.Errorf("publish cold start artifact: %w", err)
	}

	t.assigner.install(model)
	if t.cache != nil {
		if n, _ := t.cache.FlushService(ctx, serviceName); n > 0 {
			t.log.Info().Int("entries", n).Msg("flushed stale cluster assignments")
		}
	}

	t.finishRun(ctx, runID, registry.RunSucceeded, len(users), map[string]float64{"inertia": model.Inertia}, nil)
	t.log.Info().Str("version", model.Version).Int("users", len(users)).
		Int("clusters", len(model.Centroids)).Msg("cold start model trained")
	return nil
}

func (t *Trainer) finishRun(ctx context.Context, runID, status string, samples int, m map[string]float64, runErr error) {
	if err := t.reg.FinishRun(ctx, runID, status, samples, m, runErr); err != nil {
		t.log.Warn().Err(err).Str("run_id", runID).Msg("finish training run failed")
	}
}

// fit builds the feature matrix, z-scores it, clusters it, and profiles
// every cluster. k is capped at the cohort size.
func fit(users []store.TrainingUser, k, maxIter int, seed int64) *Model {
	var natives, targets []string
	for _, u := range users {
		natives = append(natives, u.NativeLanguage)
		targets = append(targets, u.TargetLanguage)
	}
	cols := newColumns(natives, targets)

	raw := make([][]float64, len(users))
	for i, u := range users {
		raw[i] = cols.userVector(u)
	}
	mean, std := standardize(raw, cols.dim())

	scaled := make([][]float64, len(raw))
	for i, x := range raw {
		z := make([]float64, cols.dim())
		for j := range z {
			s := std[j]
			if s == 0 {
				s = 1
			}
			z[j] = (x[j] - mean[j]) / s
		}
		scaled[i] = z
	}

	if k > len(users) {
		k = len(users)
	}
	centroids, labels, inertia := kmeans(scaled, k, maxIter, seed)

	now := time.Now().UTC()
	return &Model{
		Version:   now.Format("20060102-150405"),
		TrainedAt: now,
		Columns:   cols,
		Mean:      mean,
		Std:       std,
		Centroids: centroids,
		Profiles:  buildProfiles(users, labels, k),
		Users:     len(users),
		Inertia:   inertia,
	}
}

// buildProfiles summarizes each cluster into the recommendation row the
// assigner and the app read.
func buildProfiles(users []store.TrainingUser, labels []int, k int) map[int]store.ClusterProfile {
	profiles := make(map[int]store.ClusterProfile, k)
	for cid := 0; cid < k; cid++ {
		var members []store.TrainingUser
		for i, u := range users {
			if labels[i] == cid {
				members = append(members, u)
			}
		}
		if len(members) == 0 {
			continue
		}

		weights := moduleWeights(members)

		var complexitySum, sessionSum float64
		var steepnessSum float64
		steepnessN := 0
		ordinals := make([]int, len(members))
		for i, u := range members {
			complexitySum += float64(complexityFor(u.ProficiencyLevel))
			sessionSum += u.AvgSessionLengthMs / 60000
			ordinals[i] = cefrOrdinal(u.ProficiencyLevel)
			if u.ForgettingSteepness != nil {
				steepnessSum += *u.ForgettingSteepness
				steepnessN++
			}
		}
		avgSteepness := 0.0
		if steepnessN > 0 {
			avgSteepness = steepnessSum / float64(steepnessN)
		}

		profiles[cid] = store.ClusterProfile{
			ClusterID:              cid,
			Size:                   len(members),
			ModuleWeights:          weights,
			DefaultComplexityLevel: clampLevel(int(math.Round(complexitySum / float64(len(members))))),
			RecommendedPath:        pathByWeight(weights),
			EstimatedVocabStart:    vocabBandFor(medianCEFR(ordinals)),
			AvgForgettingSteepness: round4(avgSteepness),
			AvgSessionLengthMin:    math.Round(sessionSum/float64(len(members))*10) / 10,
			DominantGoals:          dominantGoals(members),
		}
	}
	return profiles
}

// moduleWeights averages the members' module distributions and
// normalizes to a unit simplex.
func moduleWeights(members []store.TrainingUser) map[string]float64 {
	sums := make(map[string]float64, len(types.ModuleSources))
	counts := make(map[string]int, len(types.ModuleSources))
	for _, u := range members {
		for mod, frac := range u.ModuleDistribution {
			sums[mod] += frac
			counts[mod]++
		}
	}

	weights := make(map[string]float64, len(types.ModuleSources))
	var total float64
	for _, mod := range types.ModuleSources {
		if counts[mod] > 0 {
			weights[mod] = sums[mod] / float64(counts[mod])
		} else {
			weights[mod] = 0
		}
		total += weights[mod]
	}
	if total > 0 {
		for mod := range weights {
			weights[mod] = round4(weights[mod] / total)
		}
	}
	return weights
}

// pathByWeight orders the modules by recommendation weight descending,
// ties broken by the canonical module order.
func pathByWeight(weights map[string]float64) []string {
	path := append([]string(nil), types.ModuleSources...)
	sort.SliceStable(path, func(i, j int) bool {
		return weights[path[i]] > weights[path[j]]
	})
	return path
}

// medianCEFR returns the cluster's median proficiency level.
func medianCEFR(ordinals []int) string {
	sorted := append([]int(nil), ordinals...)
	sort.Ints(sorted)
	n := len(sorted)
	mid := (sorted[(n-1)/2] + sorted[n/2]) / 2
	if mid >= len(types.CEFRLevels) {
		mid = len(types.CEFRLevels) - 1
	}
	return types.CEFRLevels[mid]
}

// dominantGoals returns goals held by at least a quarter of the
// cluster, falling back to the single most common, then to
// conversational.
func dominantGoals(members []store.TrainingUser) []string {
	counts := make(map[string]int)
	for _, u := range members {
		for _, g := range u.Goals {
			counts[g]++
		}
	}
	if len(counts) == 0 {
		return []string{"conversational"}
	}

	threshold := float64(len(members)) * 0.25
	var dominant []string
	for _, g := range types.GoalCategories {
		if float64(counts[g]) >= threshold && counts[g] > 0 {
			dominant = append(dominant, g)
		}
	}
	if len(dominant) > 0 {
		return dominant
	}

	best, bestCount := "", 0
	for _, g := range types.GoalCategories {
		if counts[g] > bestCount {
			best, bestCount = g, counts[g]
		}
	}
	return []string{best}
}

// profileRows flattens the model's profile map for the upsert.
func profileRows(m *Model) []store.ClusterProfile {
	rows := make([]store.ClusterProfile, 0, len(m.Profiles))
	for _, p := range m.Profiles {
		rows = append(rows, p)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ClusterID < rows[j].ClusterID })
	return rows
}

func clampLevel(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// standardize computes per-column mean and population std.
func standardize(xs [][]float64, dim int) (mean, std []float64) {
	mean = make([]float64, dim)
	std = make([]float64, dim)
	n := float64(len(xs))
	for _, x := range xs {
		for j := range mean {
			mean[j] += x[j]
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, x := range xs {
		for j := range std {
			d := x[j] - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
	}
	return mean, std
}
