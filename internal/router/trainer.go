package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/synapse/internal/bandit"
	"github.com/fluentloop/synapse/internal/cache"
	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/ppo"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

const (
	// rewardLookbackDays bounds how far back each retrain replays. Older
	// rewards reflect abandoned policies and drifted learner populations.
	rewardLookbackDays = 90
	rewardFetchLimit   = 10000
	decisionChunk      = 200
)

// TrainStore is the slice of the store the policy trainer reads.
type TrainStore interface {
	RoutingRewardsSince(ctx context.Context, since time.Time, limit int) ([]store.RoutingReward, error)
	RoutingDecisionsByIDs(ctx context.Context, ids []string) ([]store.RoutingDecision, error)
}

// Trainer rebuilds the bandit from the reward log and, once enough
// transitions exist, continues training the policy network. Registered
// on the task queue under "rl_router".
type Trainer struct {
	db     TrainStore
	reg    *registry.Registry
	engine *Engine
	cache  *cache.Cache
	cfg    config.RouterConfig
	log    zerolog.Logger
}

// NewTrainer wires the trainer. cache may be nil in tooling contexts;
// the post-publish flush is skipped then.
func NewTrainer(db TrainStore, reg *registry.Registry, engine *Engine, c *cache.Cache, cfg config.RouterConfig, log zerolog.Logger) *Trainer {
	return &Trainer{db: db, reg: reg, engine: engine, cache: c, cfg: cfg, log: log}
}

// sample is one replayable (state, action, reward) tuple recovered from
// a decision row and its attributed reward.
type sample struct {
	arm    int
	x      []float64
	reward float64
}

// Train replays attributed rewards into a fresh bandit, publishes it,
// and swaps it into the engine. When the replay set is large enough it
// also runs a policy-network update and publishes that artifact.
func (t *Trainer) Train(ctx context.Context) error {
	runID, err := t.reg.StartRun(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("start training run: %w", err)
	}

	samples, skipped, err := t.buildSamples(ctx)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, err)
		return err
	}
	if len(samples) == 0 {
		reason := errors.New("no attributed rewards to replay")
		t.finishRun(ctx, runID, registry.RunFailed, 0, nil, reason)
		t.log.Warn().Msg("router training skipped, no reward history yet")
		return nil
	}

	pol := bandit.New(StateDim, len(types.Actions), t.cfg.Alpha, t.cfg.Decay)
	var rewardSum float64
	for _, s := range samples {
		if err := pol.Update(s.arm, s.x, s.reward); err != nil {
			t.finishRun(ctx, runID, registry.RunFailed, len(samples), nil, err)
			return fmt.Errorf("replay reward: %w", err)
		}
		rewardSum += s.reward
	}

	version := time.Now().UTC().Format("20060102-150405")
	payload, err := pol.Encode(version)
	if err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(samples), nil, err)
		return err
	}
	if _, err := t.reg.Publish(ctx, serviceName, version, payload, map[string]any{
		"samples": len(samples),
		"skipped": skipped,
	}); err != nil {
		t.finishRun(ctx, runID, registry.RunFailed, len(samples), nil, err)
		return fmt.Errorf("publish bandit artifact: %w", err)
	}
	t.engine.installPolicy(pol)

	runMetrics := map[string]float64{
		"samples":     float64(len(samples)),
		"mean_reward": round4(rewardSum / float64(len(samples))),
	}

	if len(samples) >= ppo.MinibatchSize {
		stats, perr := t.trainPolicyNetwork(ctx, samples, version)
		if perr != nil {
			// The bandit artifact is already live; a failed network update
			// should not mark the whole run failed.
			t.log.Warn().Err(perr).Msg("policy network update failed, bandit still published")
		} else {
			runMetrics["policy_loss"] = stats.PolicyLoss
			runMetrics["value_loss"] = stats.ValueLoss
			runMetrics["entropy"] = stats.Entropy
		}
	}

	if t.cache != nil {
		if n, _ := t.cache.FlushService(ctx, serviceName); n > 0 {
			t.log.Info().Int("entries", n).Msg("flushed stale routing recommendations")
		}
	}

	t.finishRun(ctx, runID, registry.RunSucceeded, len(samples), runMetrics, nil)
	t.log.Info().
		Str("version", version).
		Int("samples", len(samples)).
		Int("skipped", skipped).
		Msg("routing policy trained")
	return nil
}

// trainPolicyNetwork continues training from the serving network when
// one is loaded, otherwise starts fresh. Every replayed sample is a
// terminal one-step episode; log-probs and values are evaluated under
// the network being trained, so the first epoch starts at ratio 1.
func (t *Trainer) trainPolicyNetwork(ctx context.Context, samples []sample, version string) (ppo.TrainStats, error) {
	net := t.trainingNet()

	transitions := make([]ppo.Transition, 0, len(samples))
	for _, s := range samples {
		logProb, value, err := net.Evaluate(s.x, s.arm)
		if err != nil {
			return ppo.TrainStats{}, fmt.Errorf("evaluate transition: %w", err)
		}
		transitions = append(transitions, ppo.Transition{
			State:   s.x,
			Action:  s.arm,
			LogProb: logProb,
			Value:   value,
			Reward:  s.reward,
			Done:    true,
		})
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	stats := ppo.Train(net, ppo.NewAdam(), transitions, rng)

	model := ppo.NewModel(net, version)
	payload, err := model.Encode(version)
	if err != nil {
		return ppo.TrainStats{}, err
	}
	if _, err := t.reg.Publish(ctx, ppoServiceName, version, payload, map[string]any{
		"samples":     stats.Samples,
		"updates":     stats.Updates,
		"policy_loss": stats.PolicyLoss,
		"value_loss":  stats.ValueLoss,
		"entropy":     stats.Entropy,
	}); err != nil {
		return ppo.TrainStats{}, fmt.Errorf("publish ppo artifact: %w", err)
	}
	t.engine.installPPO(model)
	return stats, nil
}

// trainingNet clones the serving network through the artifact codec so
// training never mutates weights a concurrent request is reading.
func (t *Trainer) trainingNet() *ppo.Network {
	if cur := t.engine.ppoModel.Load(); cur != nil {
		if payload, err := cur.Encode(cur.Version); err == nil {
			if clone, err := ppo.Decode(payload, StateDim, len(types.Actions)); err == nil {
				return clone.Net()
			}
		}
		t.log.Warn().Msg("serving network could not be cloned, training from scratch")
	}
	return ppo.NewNetwork(StateDim, len(types.Actions), time.Now().UnixNano())
}

// buildSamples joins the reward log back to its decisions and rebuilds
// each decision's state vector from the persisted snapshot. Rewards
// whose decision is gone (user erasure) or malformed are skipped, not
// fatal.
func (t *Trainer) buildSamples(ctx context.Context) ([]sample, int, error) {
	since := time.Now().AddDate(0, 0, -rewardLookbackDays)
	rewards, err := t.db.RoutingRewardsSince(ctx, since, rewardFetchLimit)
	if err != nil {
		return nil, 0, err
	}
	if len(rewards) == 0 {
		return nil, 0, nil
	}

	ids := make([]string, 0, len(rewards))
	for _, r := range rewards {
		ids = append(ids, r.DecisionID)
	}

	decisions := make(map[string]store.RoutingDecision, len(ids))
	for start := 0; start < len(ids); start += decisionChunk {
		end := min(start+decisionChunk, len(ids))
		batch, err := t.db.RoutingDecisionsByIDs(ctx, ids[start:end])
		if err != nil {
			return nil, 0, err
		}
		for _, d := range batch {
			decisions[d.ID] = d
		}
	}

	var (
		samples []sample
		skipped int
	)
	for _, r := range rewards {
		d, ok := decisions[r.DecisionID]
		if !ok {
			skipped++
			continue
		}
		arm := types.ActionIndex(types.Action(d.RecommendedModule))
		if arm < 0 {
			skipped++
			continue
		}
		snap, err := DecodeSnapshot(d.StateSnapshot)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, sample{arm: arm, x: snap.Vector(d.CreatedAt), reward: r.Reward})
	}
	return samples, skipped, nil
}

func (t *Trainer) finishRun(ctx context.Context, runID, status string, samples int, m map[string]float64, runErr error) {
	if err := t.reg.FinishRun(ctx, runID, status, samples, m, runErr); err != nil {
		t.log.Warn().Err(err).Str("run_id", runID).Msg("finish training run failed")
	}
}
