package router

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/ppo"
	"github.com/fluentloop/synapse/internal/registry"
	"github.com/fluentloop/synapse/internal/store"
	"github.com/fluentloop/synapse/internal/types"
)

// fakeRewardLog serves the reward/decision join the trainer replays.
type fakeRewardLog struct {
	rewards   []store.RoutingReward
	decisions map[string]store.RoutingDecision
	idCalls   [][]string
}

func (f *fakeRewardLog) RoutingRewardsSince(_ context.Context, since time.Time, limit int) ([]store.RoutingReward, error) {
	var out []store.RoutingReward
	for _, r := range f.rewards {
		if r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRewardLog) RoutingDecisionsByIDs(_ context.Context, ids []string) ([]store.RoutingDecision, error) {
	f.idCalls = append(f.idCalls, append([]string(nil), ids...))
	var out []store.RoutingDecision
	for _, id := range ids {
		if d, ok := f.decisions[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func rewardPair(i int, module string, rewardVal float64) (store.RoutingReward, store.RoutingDecision) {
	id := fmt.Sprintf("dec-%d", i)
	snap, _ := json.Marshal(StateSnapshot{
		RecallMean:         0.4,
		AvgProductionScore: 0.5,
		EstimatedMinutes:   15,
		TotalWords:         200,
	})
	r := store.RoutingReward{
		ID: fmt.Sprintf("obs-%d", i), DecisionID: id, UserID: "u1",
		Reward: rewardVal, CreatedAt: time.Now().Add(-time.Hour),
	}
	d := store.RoutingDecision{
		ID: id, UserID: "u1", RecommendedModule: module,
		AlgorithmUsed: "linucb", StateSnapshot: snap,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	return r, d
}

func (f *fakeRewardLog) add(r store.RoutingReward, d store.RoutingDecision) {
	f.rewards = append(f.rewards, r)
	if f.decisions == nil {
		f.decisions = map[string]store.RoutingDecision{}
	}
	f.decisions[d.ID] = d
}

func newTrainFixture(t *testing.T, db *fakeRewardLog) (*Trainer, *Engine, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg := config.Default().Router
	engine := NewEngine(&fakeDatastore{}, &fakeKnowledge{}, reg, cfg, zerolog.Nop())
	return NewTrainer(db, reg, engine, nil, cfg, zerolog.Nop()), engine, reg
}

func TestTrainReplaysAndPublishes(t *testing.T) {
	db := &fakeRewardLog{}
	for i := 0; i < 10; i++ {
		module := "anki_drill"
		if i%2 == 0 {
			module = "story_engine"
		}
		db.add(rewardPair(i, module, float64(i%3)))
	}

	tr, engine, reg := newTrainFixture(t, db)
	require.NoError(t, tr.Train(context.Background()))

	assert.EqualValues(t, 10, engine.policy.Load().TotalUpdates())
	require.NotEmpty(t, engine.PolicyVersion())

	art, err := reg.ActiveArtifact(context.Background(), "rl_router")
	require.NoError(t, err)
	assert.Equal(t, engine.PolicyVersion(), art.Version)
	assert.EqualValues(t, 10, art.Meta["samples"])
	assert.EqualValues(t, 0, art.Meta["skipped"])

	// Ten samples is well under a policy-network minibatch, so only the
	// bandit artifact exists.
	_, err = reg.ActiveArtifact(context.Background(), "rl_router_ppo")
	assert.ErrorIs(t, err, registry.ErrNoArtifact)
	assert.Empty(t, engine.PPOVersion())

	runs, err := reg.RecentRuns(context.Background(), "rl_router", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, registry.RunSucceeded, runs[0].Status)
	assert.Equal(t, 10, runs[0].Samples)
}

func TestTrainAlsoPublishesPolicyNetwork(t *testing.T) {
	db := &fakeRewardLog{}
	for i := 0; i < ppo.MinibatchSize; i++ {
		db.add(rewardPair(i, string(types.Actions[i%len(types.Actions)]), float64(i%2)))
	}

	tr, engine, reg := newTrainFixture(t, db)
	require.NoError(t, tr.Train(context.Background()))

	require.NotEmpty(t, engine.PPOVersion())
	assert.Equal(t, engine.PolicyVersion(), engine.PPOVersion(), "both artifacts share the run version")

	art, err := reg.ActiveArtifact(context.Background(), "rl_router_ppo")
	require.NoError(t, err)
	model, err := ppo.Decode(art.Payload, StateDim, len(types.Actions))
	require.NoError(t, err)

	d, err := model.Decide(make([]float64, StateDim))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.Action, 0)
	assert.Less(t, d.Action, len(types.Actions))
}

func TestTrainWithoutRewardsRecordsFailedRun(t *testing.T) {
	tr, engine, reg := newTrainFixture(t, &fakeRewardLog{})

	// An empty reward log is not a queue failure; the run record carries
	// the reason.
	require.NoError(t, tr.Train(context.Background()))
	assert.Empty(t, engine.PolicyVersion())

	_, err := reg.ActiveArtifact(context.Background(), "rl_router")
	assert.ErrorIs(t, err, registry.ErrNoArtifact)

	runs, err := reg.RecentRuns(context.Background(), "rl_router", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, registry.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "no attributed rewards")
}

func TestBuildSamplesSkipsUnusableRows(t *testing.T) {
	goodReward, goodDecision := rewardPair(1, "anki_drill", 2.0)
	unkReward, unkDecision := rewardPair(2, "cloze_practice", 1.0)
	orphanReward, _ := rewardPair(3, "rest", 1.0) // decision erased
	badReward, badDecision := rewardPair(4, "rest", 0)
	badDecision.StateSnapshot = json.RawMessage(`{`)

	db := &fakeRewardLog{
		rewards: []store.RoutingReward{goodReward, unkReward, orphanReward, badReward},
		decisions: map[string]store.RoutingDecision{
			goodDecision.ID: goodDecision,
			unkDecision.ID:  unkDecision,
			badDecision.ID:  badDecision,
		},
	}
	tr := NewTrainer(db, nil, nil, nil, config.Default().Router, zerolog.Nop())

	samples, skipped, err := tr.buildSamples(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, types.ActionIndex(types.ActionAnkiDrill), samples[0].arm)
	assert.Equal(t, 2.0, samples[0].reward)
	assert.Len(t, samples[0].x, StateDim)
}

func TestBuildSamplesChunksDecisionLookups(t *testing.T) {
	db := &fakeRewardLog{}
	for i := 0; i < decisionChunk+50; i++ {
		db.add(rewardPair(i, "anki_drill", 1.0))
	}
	tr := NewTrainer(db, nil, nil, nil, config.Default().Router, zerolog.Nop())

	samples, skipped, err := tr.buildSamples(context.Background())
	require.NoError(t, err)
	assert.Len(t, samples, decisionChunk+50)
	assert.Zero(t, skipped)
	require.Len(t, db.idCalls, 2)
	assert.Len(t, db.idCalls[0], decisionChunk)
	assert.Len(t, db.idCalls[1], 50)
}
