package tracer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/optimize"

	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
)

const (
	trainBatchSize      = 5000
	minTrainingExamples = 100
	minForecastSamples  = 20
	ridgeLambda         = 0.01
)

// example is one observed recall attempt: the word's prior history, the
// gap since it was last seen, and whether the learner got it right.
type example struct {
	x       []float64
	elapsed float64
	y       float64
}

// TrainStore is the slice of the store the trainer reads.
type TrainStore interface {
	EventsSince(ctx context.Context, since time.Time, limit int) ([]store.InteractionEvent, error)
}

// Trainer fits the half-life regression on the full event stream and
// publishes the result. Registered on the task queue under "dkt".
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

// Train fits a fresh model, publishes it to the registry, swaps it into
// the predictor, and drops stale cached predictions.
func (t *Trainer) Train(ctx context.Context) error {
	runID, err := t.reg.StartRun(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("start training run: %w", err)
	}

	examples, users, err := t.buildExamples(ctx)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, err)
		return err
	}
	if len(examples) < minTrainingExamples {
		// Too little history is terminal for this tick, not retryable;
		// record why and let the next schedule try again.
		reason := fmt.Errorf("insufficient training data: %d examples, need %d", len(examples), minTrainingExamples)
		t.finishRun(ctx, runID, registry.RunFailed, len(examples), nil, reason)
		t.log.Warn().Int("examples", len(examples)).Msg("tracer training skipped, not enough data")
		return nil
	}

	weights, loss, err := fit(examples)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(examples), nil, err)
		return err
	}

	now := time.Now().UTC()
	model := &Model{
		Version:          now.Format("20060102-150405"),
		TrainedAt:        now,
		Weights:          weights,
		HorizonForecasts: horizonForecasts(examples),
	}

	payload, err := model.Encode()
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(examples), nil, err)
		return err
	}
	if _, err := t.reg.Publish(ctx, serviceName, model.Version, payload, map[string]any{
		"examples": len(examples),
		"users":    users,
		"loss":     loss,
	}); err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(examples), nil, err)
		return fmt.Errorf("publish tracer artifact: %w", err)
	}

	t.pred.install(model)
	if t.cache != nil {
		if n, _ := t.cache.FlushService(ctx, serviceName); n > 0 {
			t.log.Info().Int("entries", n).Msg("flushed stale knowledge-state predictions")
		}
	}

	t.finishRun(ctx, runID, registry.RunSucceeded, len(examples), map[string]float64{
		"loss":        loss,
		"forecast48h": model.HorizonForecasts[Horizon48h],
		"forecast7d":  model.HorizonForecasts[Horizon7d],
	}, nil)

	t.log.Info().
		Str("version", model.Version).
		Int("examples", len(examples)).
		Int("users", users).
		Float64("loss", loss).
		Msg("tracer model trained")
	return nil
}

func (t *Trainer) finishRun(ctx context.Context, runID, status string, samples int, m map[string]float64, runErr error) {
	if err := t.reg.FinishRun(ctx, runID, status, samples, m, runErr); err != nil {
		t.log.Warn().Err(err).Str("run_id", runID).Msg("finish training run failed")
	}
}

// buildExamples replays the global event stream in order, emitting one
// example per repeat encounter of a (user, word) pair. The first
// encounter seeds the stats; there is no gap to score yet.
func (t *Trainer) buildExamples(ctx context.Context) ([]example, int, error) {
	type key struct{ user, word string }
	running := make(map[key]*wordStats)
	users := make(map[string]struct{})

	var examples []example
	var cursor time.Time
	for {
		batch, err := t.db.EventsSince(ctx, cursor, t.batch)
		if err != nil {
			return nil, 0, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if e.WordID == "" || e.Correct == nil {
				continue
			}
			users[e.UserID] = struct{}{}
			k := key{e.UserID, e.WordID}
			st := running[k]
			if st == nil {
				st = &wordStats{}
				running[k] = st
			}
			if st.right+st.wrong > 0 {
				if elapsed := gapDays(e, st.lastSeen); elapsed > 0 {
					y := 0.0
					if *e.Correct {
						y = 1.0
					}
					examples = append(examples, example{
						x:       features(st.right, st.wrong),
						elapsed: elapsed,
						y:       y,
					})
				}
			}
			if *e.Correct {
				st.right++
			} else {
				st.wrong++
			}
			if e.CreatedAt.After(st.lastSeen) {
				st.lastSeen = e.CreatedAt
			}
		}
		cursor = batch[len(batch)-1].CreatedAt
		if len(batch) < t.batch {
			break
		}
	}
	return examples, len(users), nil
}

// gapDays prefers the event's own recorded review gap over the timestamp
// delta; the app computes it against the SRS schedule, which survives
// event backfills.
func gapDays(e store.InteractionEvent, lastSeen time.Time) float64 {
	if e.DaysSinceLastReview != nil && *e.DaysSinceLastReview > 0 {
		return *e.DaysSinceLastReview
	}
	return e.CreatedAt.Sub(lastSeen).Hours() / 24
}

// fit minimizes mean squared recall error with an L2 penalty. The
// half-life is clamped inside the loss exactly as it is at inference, so
// the fitted weights describe the function that will actually serve.
func fit(examples []example) ([]float64, float64, error) {
	n := float64(len(examples))

	loss := func(w []float64) float64 {
		var sum float64
		for _, ex := range examples {
			p := math.Exp2(-ex.elapsed / halfLife(w, ex.x))
			d := p - ex.y
			sum += d * d
		}
		var penalty float64
		for _, wj := range w {
			penalty += wj * wj
		}
		return sum/n + ridgeLambda*penalty
	}

	grad := func(g, w []float64) {
		for j := range g {
			g[j] = 0
		}
		for _, ex := range examples {
			h := halfLife(w, ex.x)
			p := math.Exp2(-ex.elapsed / h)
			// dp/dw_j = p (ln 2)^2 (Δt/h) x_j
			c := 2 * (p - ex.y) * p * math.Ln2 * math.Ln2 * (ex.elapsed / h)
			for j := range g {
				g[j] += c * ex.x[j]
			}
		}
		for j := range g {
			g[j] = g[j]/n + 2*ridgeLambda*w[j]
		}
	}

	problem := optimize.Problem{Func: loss, Grad: grad}
	init := make([]float64, featureDim) // zero weights: one-day half-life

	result, err := optimize.Minimize(problem, init, nil, &optimize.LBFGS{})
	if err != nil {
		return nil, 0, fmt.Errorf("fit half-life regression: %w", err)
	}
	return result.X, result.F, nil
}

// horizonForecasts measures the observed lapse rate at each horizon: the
// share of recall attempts that failed after a gap at least that long.
// Sparse horizons keep the packaged defaults.
func horizonForecasts(examples []example) map[string]float64 {
	horizons := map[string]float64{Horizon48h: 2, Horizon7d: 7}

	out := make(map[string]float64, len(horizons))
	for horizon, minDays := range horizons {
		var failed, total int
		for _, ex := range examples {
			if ex.elapsed < minDays {
				continue
			}
			total++
			if ex.y == 0 {
				failed++
			}
		}
		if total < minForecastSamples {
			out[horizon] = defaultForecasts[horizon]
			continue
		}
		out[horizon] = round4(float64(failed) / float64(total))
	}
	return out
}
