package churn

import (
	"context"
	"encoding/json"
	"errors"
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
	trainBatchSize = 5000
	logisticLambda = 0.01

	// returnWindowHours is the come-back window that defines churn: a
	// learner who has not started another session within it churned.
	returnWindowHours = 48
)

// TrainStore is the slice of the store the churn trainers read.
type TrainStore interface {
	SessionSummariesSince(ctx context.Context, since time.Time, limit int) ([]store.SessionSummary, error)
	AbandonmentSnapshotsSince(ctx context.Context, since time.Time, limit int) ([]store.AbandonmentSnapshot, error)
	SessionSummary(ctx context.Context, sessionID string) (store.SessionSummary, error)
}

// Trainer fits the two churn models. Registered on the task queue under
// "churn_pre" and "churn_mid".
type Trainer struct {
	db    TrainStore
	reg   *registry.Registry
	pred  *Predictor
	cache *cache.Cache
	log   zerolog.Logger
	batch int
}

// NewTrainer wires the trainer. cache may be nil in tooling contexts;
// the post-publish flush is skipped then.
func NewTrainer(db TrainStore, reg *registry.Registry, pred *Predictor, c *cache.Cache, log zerolog.Logger) *Trainer {
	return &Trainer{db: db, reg: reg, pred: pred, cache: c, log: log, batch: trainBatchSize}
}

// TrainPre fits the pre-session churn model from session return gaps.
func (t *Trainer) TrainPre(ctx context.Context) error {
	runID, err := t.reg.StartRun(ctx, preSlug)
	if err != nil {
		return fmt.Errorf("start training run: %w", err)
	}

	xs, ys, users, err := t.buildPreExamples(ctx)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, err)
		return err
	}
	if len(xs) < t.pred.cfg.MinTrainingSamples || users < t.pred.cfg.MinUsersForTraining {
		reason := fmt.Errorf("insufficient training data: %d samples from %d users, need %d from %d",
			len(xs), users, t.pred.cfg.MinTrainingSamples, t.pred.cfg.MinUsersForTraining)
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, reason)
		t.log.Warn().Int("samples", len(xs)).Int("users", users).Msg("churn training skipped, not enough data")
		return nil
	}

	return t.publish(ctx, runID, preSlug, preFeatureDim, xs, ys, t.pred.installPre)
}

// TrainMid fits the mid-session abandonment model from snapshot
// outcomes.
func (t *Trainer) TrainMid(ctx context.Context) error {
	runID, err := t.reg.StartRun(ctx, midSlug)
	if err != nil {
		return fmt.Errorf("start training run: %w", err)
	}

	xs, ys, err := t.buildMidExamples(ctx)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, err)
		return err
	}
	if len(xs) < t.pred.cfg.MidMinTrainingSamples {
		reason := fmt.Errorf("insufficient training data: %d snapshots, need %d", len(xs), t.pred.cfg.MidMinTrainingSamples)
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, reason)
		t.log.Warn().Int("samples", len(xs)).Msg("abandonment training skipped, not enough data")
		return nil
	}

	return t.publish(ctx, runID, midSlug, midFeatureDim, xs, ys, t.pred.installMid)
}

// publish fits, registers, installs, and flushes for one of the two
// models.
func (t *Trainer) publish(ctx context.Context, runID, slug string, dim int, xs [][]float64, ys []float64, install func(*Model)) error {
	model, loss, err := fitLogistic(xs, ys, dim)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, err)
		return err
	}

	payload, err := model.Encode()
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, err)
		return err
	}
	if _, err := t.reg.Publish(ctx, slug, model.Version, payload, map[string]any{
		"samples": len(xs),
		"loss":    loss,
	}); err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(xs), nil, err)
		return fmt.Errorf("publish %s artifact: %w", slug, err)
	}

	install(model)
	if t.cache != nil {
		if n, _ := t.cache.FlushService(ctx, serviceName); n > 0 {
			t.log.Info().Int("entries", n).Msg("flushed stale churn predictions")
		}
	}

	t.finishRun(ctx, runID, registry.RunSucceeded, len(xs), map[string]float64{"loss": loss}, nil)
	t.log.Info().Str("model", slug).Str("version", model.Version).Int("samples", len(xs)).Float64("loss", loss).Msg("churn model trained")
	return nil
}

func (t *Trainer) finishRun(ctx context.Context, runID, status string, samples int, m map[string]float64, runErr error) {
	if err := t.reg.FinishRun(ctx, runID, status, samples, m, runErr); err != nil {
		t.log.Warn().Err(err).Str("run_id", runID).Msg("finish training run failed")
	}
}

// buildPreExamples labels every historical session by whether the
// learner was back within the return window. Returned sessions are
// featurized at the moment of return, churned ones at the window edge,
// so the gap feature matches what the label saw. The trailing session
// of a still-active learner is censored and skipped.
func (t *Trainer) buildPreExamples(ctx context.Context) ([][]float64, []float64, int, error) {
	byUser := make(map[string][]store.SessionSummary)
	since := time.Now().UTC().AddDate(0, 0, -t.pred.cfg.LookbackDays)
	cursor := since
	for {
		batch, err := t.db.SessionSummariesSince(ctx, cursor, t.batch)
		if err != nil {
			return nil, nil, 0, err
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

	now := time.Now().UTC()
	var xs [][]float64
	var ys []float64
	users := 0
	for _, sessions := range byUser {
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
		contributed := false
		for i, sum := range sessions {
			history := recentFirst(sessions[:i+1])
			var at time.Time
			var label float64
			if i+1 < len(sessions) {
				gap := sessions[i+1].StartedAt.Sub(sum.StartedAt)
				if gap > returnWindowHours*time.Hour {
					label = 1
					at = sum.StartedAt.Add(returnWindowHours * time.Hour)
				} else {
					at = sessions[i+1].StartedAt
				}
			} else {
				if now.Sub(sum.StartedAt) <= returnWindowHours*time.Hour {
					continue
				}
				label = 1
				at = sum.StartedAt.Add(returnWindowHours * time.Hour)
			}
			xs = append(xs, buildPreFeatures(history, at).vector())
			ys = append(ys, label)
			contributed = true
		}
		if contributed {
			users++
		}
	}
	return xs, ys, users, nil
}

// buildMidExamples joins snapshots against their session outcomes. A
// snapshot from a session that never completed is a positive example.
func (t *Trainer) buildMidExamples(ctx context.Context) ([][]float64, []float64, error) {
	since := time.Now().UTC().AddDate(0, 0, -t.pred.cfg.LookbackDays)
	outcomes := make(map[string]*float64)

	var xs [][]float64
	var ys []float64
	cursor := since
	for {
		batch, err := t.db.AbandonmentSnapshotsSince(ctx, cursor, t.batch)
		if err != nil {
			return nil, nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, snap := range batch {
			x, ok := snapshotVector(snap.Features)
			if !ok {
				continue
			}
			label, ok := outcomes[snap.SessionID]
			if !ok {
				label = t.sessionOutcome(ctx, snap.SessionID)
				outcomes[snap.SessionID] = label
			}
			if label == nil {
				continue
			}
			xs = append(xs, x)
			ys = append(ys, *label)
		}
		cursor = batch[len(batch)-1].CreatedAt
		if len(batch) < t.batch {
			break
		}
	}
	return xs, ys, nil
}

// sessionOutcome resolves a snapshot's label; nil means the session has
// no summary yet and the snapshot is skipped.
func (t *Trainer) sessionOutcome(ctx context.Context, sessionID string) *float64 {
	sum, err := t.db.SessionSummary(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.log.Warn().Err(err).Str("session_id", sessionID).Msg("session outcome lookup failed")
		}
		return nil
	}
	label := 1.0
	if sum.CompletedSession {
		label = 0.0
	}
	return &label
}

// snapshotVector reassembles the stored feature map in training order.
func snapshotVector(raw json.RawMessage) ([]float64, bool) {
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return nil, false
	}
	return midFeatures{
		ConsecutiveErrors: m["consecutiveErrors"],
		ResponseTimeTrend: m["responseTimeTrend"],
		SessionDurationMs: m["sessionDurationMs"],
		CognitiveLoad:     m["cognitiveLoad"],
		WordsRemaining:    m["wordsRemaining"],
	}.vector(), true
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

// fitLogistic minimizes L2-penalized cross-entropy over z-scored
// features. The bias rides along unpenalized.
func fitLogistic(xs [][]float64, ys []float64, dim int) (*Model, float64, error) {
	mean, std := standardize(xs, dim)
	scaled := make([][]float64, len(xs))
	for i, x := range xs {
		z := make([]float64, dim)
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

	loss := func(w []float64) float64 {
		var sum float64
		for i, z := range scaled {
			p := predictScaled(w, z)
			p = math.Min(math.Max(p, 1e-9), 1-1e-9)
			sum += -(ys[i]*math.Log(p) + (1-ys[i])*math.Log(1-p))
		}
		var penalty float64
		for _, wj := range w[1:] {
			penalty += wj * wj
		}
		return sum/n + logisticLambda*penalty
	}

	grad := func(g, w []float64) {
		for j := range g {
			g[j] = 0
		}
		for i, z := range scaled {
			d := predictScaled(w, z) - ys[i]
			g[0] += d
			for j, zj := range z {
				g[j+1] += d * zj
			}
		}
		g[0] /= n
		for j := 1; j < len(g); j++ {
			g[j] = g[j]/n + 2*logisticLambda*w[j]
		}
	}

	problem := optimize.Problem{Func: loss, Grad: grad}
	init := make([]float64, dim+1)
	result, err := optimize.Minimize(problem, init, nil, &optimize.LBFGS{})
	if err != nil {
		return nil, 0, fmt.Errorf("fit logistic regression: %w", err)
	}

	now := time.Now().UTC()
	return &Model{
		Version:   now.Format("20060102-150405"),
		TrainedAt: now,
		Weights:   result.X,
		Mean:      mean,
		Std:       std,
		Samples:   len(xs),
	}, result.F, nil
}

func predictScaled(w, z []float64) float64 {
	dot := w[0]
	for j, zj := range z {
		dot += w[j+1] * zj
	}
	return sigmoid(dot)
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
