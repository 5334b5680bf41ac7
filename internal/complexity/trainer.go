package complexity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/optimize"

	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
)

const (
	trainBatchSize    = 5000
	trainLookbackDays = 90
	softmaxLambda     = 0.01
)

// TrainStore is the slice of the store the complexity trainer reads.
type TrainStore interface {
	SessionSummariesSince(ctx context.Context, since time.Time, limit int) ([]store.SessionSummary, error)
}

// Trainer fits the complexity classifier. Registered on the task queue
// under "complexity".
type Trainer struct {
	db      TrainStore
	reg     *registry.Registry
	planner *Planner
	cache   *cache.Cache
	log     zerolog.Logger
	batch   int
}

// NewTrainer wires the trainer. cache may be nil in tooling contexts;
// the post-publish flush is skipped then.
func NewTrainer(db TrainStore, reg *registry.Registry, planner *Planner, c *cache.Cache, log zerolog.Logger) *Trainer {
	return &Trainer{db: db, reg: reg, planner: planner, cache: c, log: log, batch: trainBatchSize}
}

// Train fits a softmax classifier over historical sessions and
// publishes it as the active complexity artifact.
func (t *Trainer) Train(ctx context.Context) error {
	runID, err := t.reg.StartRun(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("start training run: %w", err)
	}

	xs, ys, err := t.buildExamples(ctx)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, err)
		return err
	}
	if len(xs) < t.planner.cfg.MinSessionsForTraining {
		reason := fmt.Errorf("insufficient training data: %d sessions, need %d", len(xs), t.planner.cfg.MinSessionsForTraining)
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, reason)
		t.log.Warn().Int("samples", len(xs)).Msg("complexity training skipped, not enough data")
		return nil
	}

	model, loss, err := fitSoftmax(xs, ys)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, err)
		return err
	}

	payload, err := model.Encode()
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, err)
		return err
	}
	if _, err := t.reg.Publish(ctx, serviceName, model.Version, payload, map[string]any{
		"samples": len(xs),
		"loss":    loss,
	}); err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, err)
		return fmt.Errorf("publish complexity artifact: %w", err)
	}

	t.planner.install(model)
	if t.cache != nil {
		if n, _ := t.cache.FlushService(ctx, serviceName); n > 0 {
			t.log.Info().Int("entries", n).Msg("flushed stale session plans")
		}
	}

	t.finishRun(ctx, runID, registry.RunSucceeded, len(xs), map[string]float64{"loss": loss}, nil)
	t.log.Info().Str("version", model.Version).Int("samples", len(xs)).Float64("loss", loss).Msg("complexity model trained")
	return nil
}

func (t *Trainer) finishRun(ctx context.Context, runID, status string, samples int, m map[string]float64, runErr error) {
	if err := t.reg.FinishRun(ctx, runID, status, samples, m, runErr); err != nil {
		t.log.Warn().Err(err).Str("run_id", runID).Msg("finish training run failed")
	}
}

// buildExamples turns every historical session into a labeled pair:
// features from the learner's state going into the session, label from
// the level the session's outcome says they could actually handle.
func (t *Trainer) buildExamples(ctx context.Context) ([][]float64, []int, error) {
	byUser := make(map[string][]store.SessionSummary)
	cursor := time.Now().UTC().AddDate(0, 0, -trainLookbackDays)
	for {
		batch, err := t.db.SessionSummariesSince(ctx, cursor, t.batch)
		if err != nil {
			return nil, nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, sum := range batch {
			byUser[sum.UserID] = append(byUser[sum.UserID], sum)
		}
		cursor = batch[len(batch)-1].StartedAt
		if len(batch) < t.batch {
			break
		}
	}

	var xs [][]float64
	var ys []int
	for _, sessions := range byUser {
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
		// The first session has no prior state to featurize.
		for i := 1; i < len(sessions); i++ {
			history := recentFirst(sessions[:i])
			f := featuresFromSessions(history, sessions[i].StartedAt)
			xs = append(xs, f.vector())
			ys = append(ys, t.outcomeLevel(f, sessions[i]))
		}
	}
	return xs, ys, nil
}

// outcomeLevel is the supervision target: the heuristic level the
// learner walked in with, nudged by how the session actually went. A
// completed low-load session says they had headroom; a bailed or
// overloaded one says the level was too high.
func (t *Trainer) outcomeLevel(f features, sum store.SessionSummary) int {
	level := t.planner.heuristicLevel(f)
	load := 0.0
	if sum.EstimatedCognitiveLoad != nil {
		load = *sum.EstimatedCognitiveLoad
	}
	switch {
	case !sum.CompletedSession || load > 0.7:
		level--
	case sum.CompletedSession && load < 0.4:
		level++
	}
	return clampInt(level, t.planner.cfg.MinComplexity, t.planner.cfg.MaxComplexity) - 1
}

// recentFirst reverses a chronological slice into the most-recent-first
// order the feature builder expects.
func recentFirst(sessions []store.SessionSummary) []store.SessionSummary {
	out := make([]store.SessionSummary, len(sessions))
	for i, sum := range sessions {
		out[len(sessions)-1-i] = sum
	}
	return out
}

// fitSoftmax minimizes L2-penalized multinomial cross-entropy over
// z-scored features. Weights are optimized as one flat vector, class
// biases unpenalized.
func fitSoftmax(xs [][]float64, ys []int) (*Model, float64, error) {
	mean, std := standardize(xs)
	scaled := make([][]float64, len(xs))
	for i, x := range xs {
		z := make([]float64, featureDim)
		for j := range z {
			s := std[j]
			if s == 0 {
				s = 1
			}
			z[j] = (x[j] - mean[j]) / s
		}
		scaled[i] = z
	}
	n := float64(len(xs))
	rowLen := featureDim + 1

	loss := func(w []float64) float64 {
		rows := unflatten(w, rowLen)
		var sum float64
		for i, z := range scaled {
			probs := softmax(logits(rows, z))
			p := math.Max(probs[ys[i]], 1e-9)
			sum += -math.Log(p)
		}
		var penalty float64
		for k := 0; k < numLevels; k++ {
			for j := 1; j < rowLen; j++ {
				wj := w[k*rowLen+j]
				penalty += wj * wj
			}
		}
		return sum/n + softmaxLambda*penalty
	}

	grad := func(g, w []float64) {
		for j := range g {
			g[j] = 0
		}
		rows := unflatten(w, rowLen)
		for i, z := range scaled {
			probs := softmax(logits(rows, z))
			for k := 0; k < numLevels; k++ {
				d := probs[k]
				if k == ys[i] {
					d -= 1
				}
				g[k*rowLen] += d
				for j, zj := range z {
					g[k*rowLen+j+1] += d * zj
				}
			}
		}
		for k := 0; k < numLevels; k++ {
			g[k*rowLen] /= n
			for j := 1; j < rowLen; j++ {
				idx := k*rowLen + j
				g[idx] = g[idx]/n + 2*softmaxLambda*w[idx]
			}
		}
	}

	problem := optimize.Problem{Func: loss, Grad: grad}
	init := make([]float64, numLevels*rowLen)
	result, err := optimize.Minimize(problem, init, nil, &optimize.LBFGS{})
	if err != nil {
		return nil, 0, fmt.Errorf("fit softmax classifier: %w", err)
	}

	now := time.Now().UTC()
	return &Model{
		Version:   now.Format("20060102-150405"),
		TrainedAt: now,
		Weights:   unflatten(result.X, rowLen),
		Mean:      mean,
		Std:       std,
		Samples:   len(xs),
	}, result.F, nil
}

// unflatten views a flat parameter vector as per-class weight rows.
func unflatten(w []float64, rowLen int) [][]float64 {
	rows := make([][]float64, numLevels)
	for k := range rows {
		rows[k] = w[k*rowLen : (k+1)*rowLen]
	}
	return rows
}

// standardize computes per-column mean and population std.
func standardize(xs [][]float64) (mean, std []float64) {
	mean = make([]float64, featureDim)
	std = make([]float64, featureDim)
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
