package ppo

import (
	"math"
	"math/rand"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestForwardIsDeterministic(t *testing.T) {
	n1 := NewNetwork(24, 6, 42)
	n2 := NewNetwork(24, 6, 42)

	state := make([]float64, 24)
	for i := range state {
		state[i] = float64(i) / 24
	}

	l1, v1, err := n1.Forward(state)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	l2, v2, err := n2.Forward(state)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("same seed gave different values: %f vs %f", v1, v2)
	}
	for i := range l1 {
		if l1[i] != l2[i] {
			t.Fatalf("same seed gave different logits at %d: %f vs %f", i, l1[i], l2[i])
		}
	}

	// Inference must be stable across calls (no dropout).
	l3, v3, err := n1.Forward(state)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if v3 != v1 {
		t.Fatalf("repeated inference changed the value: %f vs %f", v3, v1)
	}
	for i := range l1 {
		if l3[i] != l1[i] {
			t.Fatalf("repeated inference changed logit %d", i)
		}
	}

	if _, _, err := n1.Forward(make([]float64, 10)); err == nil {
		t.Fatal("Forward must reject the wrong state dimension")
	}
}

func TestDecideReturnsValidDistribution(t *testing.T) {
	m := NewModel(NewNetwork(24, 6, 7), "test")
	state := make([]float64, 24)
	for i := range state {
		state[i] = 0.5
	}

	d, err := m.Decide(state)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action < 0 || d.Action >= 6 {
		t.Fatalf("action %d out of range", d.Action)
	}
	var sum float64
	for _, p := range d.Probs {
		if p < 0 || p > 1 {
			t.Fatalf("probability %f out of [0,1]", p)
		}
		sum += p
	}
	if !almostEqual(sum, 1.0, 1e-9) {
		t.Fatalf("probabilities sum to %f", sum)
	}
	if !almostEqual(d.Confidence, d.Probs[d.Action], 1e-12) {
		t.Fatalf("confidence %f does not match the chosen action's probability %f", d.Confidence, d.Probs[d.Action])
	}
	for i, p := range d.Probs {
		if p > d.Probs[d.Action] {
			t.Fatalf("action %d has higher probability than the chosen one", i)
		}
	}
}

func TestEvaluateMatchesForward(t *testing.T) {
	n := NewNetwork(4, 3, 1)
	state := []float64{0.1, 0.9, 0.3, 0.5}

	logits, value, err := n.Forward(state)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	logProb, v, err := n.Evaluate(state, 2)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v != value {
		t.Fatalf("Evaluate value %f, Forward value %f", v, value)
	}
	if want := logSoftmaxAt(logits, 2); !almostEqual(logProb, want, 1e-12) {
		t.Fatalf("Evaluate logProb %f, want %f", logProb, want)
	}
	if _, _, err := n.Evaluate(state, 3); err == nil {
		t.Fatal("Evaluate must reject an out-of-range action")
	}
}

func TestComputeGAE(t *testing.T) {
	// Terminal transitions collapse to advantage = reward - value.
	single := []Transition{{Value: 0.4, Reward: 1.0, Done: true}}
	adv, ret := ComputeGAE(single)
	if !almostEqual(adv[0], 0.6, 1e-12) {
		t.Fatalf("terminal advantage = %f, want 0.6", adv[0])
	}
	if !almostEqual(ret[0], 1.0, 1e-12) {
		t.Fatalf("terminal return = %f, want 1.0", ret[0])
	}

	// Two-step episode: the first step bootstraps from the second.
	episode := []Transition{
		{Value: 0.5, Reward: 1.0, Done: false},
		{Value: 0.2, Reward: 2.0, Done: true},
	}
	adv, ret = ComputeGAE(episode)
	// delta1 = 2.0 - 0.2 = 1.8 (terminal, no bootstrap)
	// delta0 = 1.0 + 0.99*0.2 - 0.5 = 0.698
	// adv0 = 0.698 + 0.99*0.95*1.8 = 2.3909
	if !almostEqual(adv[1], 1.8, 1e-12) {
		t.Fatalf("adv[1] = %f, want 1.8", adv[1])
	}
	if !almostEqual(adv[0], 2.3909, 1e-9) {
		t.Fatalf("adv[0] = %f, want 2.3909", adv[0])
	}
	if !almostEqual(ret[0], adv[0]+0.5, 1e-12) {
		t.Fatalf("return must be advantage plus value, got %f", ret[0])
	}

	// A done flag mid-sequence stops propagation from later steps.
	split := []Transition{
		{Value: 0.0, Reward: 0.0, Done: true},
		{Value: 0.0, Reward: 5.0, Done: true},
	}
	adv, _ = ComputeGAE(split)
	if !almostEqual(adv[0], 0.0, 1e-12) {
		t.Fatalf("advantage leaked across a done boundary: %f", adv[0])
	}
}

func TestNormalizeAdvantages(t *testing.T) {
	adv := []float64{1, 2, 3, 4, 5}
	normalizeAdvantages(adv)
	var mean float64
	for _, a := range adv {
		mean += a
	}
	mean /= float64(len(adv))
	if !almostEqual(mean, 0, 1e-9) {
		t.Fatalf("normalized mean = %f, want 0", mean)
	}
	// Sample std of 1..5 is sqrt(2.5); the middle element maps to 0.
	if !almostEqual(adv[2], 0, 1e-9) {
		t.Fatalf("median element = %f, want 0", adv[2])
	}
	if !almostEqual(adv[4], 2/math.Sqrt(2.5), 1e-6) {
		t.Fatalf("top element = %f, want %f", adv[4], 2/math.Sqrt(2.5))
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(Transition{Action: i})
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	got := b.Transitions()
	for i, want := range []int{2, 3, 4} {
		if got[i].Action != want {
			t.Fatalf("slot %d holds action %d, want %d", i, got[i].Action, want)
		}
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len after Clear = %d", b.Len())
	}
}

func TestTrainShiftsPolicyTowardRewardedAction(t *testing.T) {
	const (
		stateDim = 8
		actions  = 4
		rewarded = 1
	)
	net := NewNetwork(stateDim, actions, 42)
	opt := NewAdam()
	rng := rand.New(rand.NewSource(99))

	state := make([]float64, stateDim)
	for i := range state {
		state[i] = 0.5
	}

	probOf := func() float64 {
		logits, _, err := net.Forward(state)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return softmax(logits)[rewarded]
	}
	before := probOf()

	// Replay rounds where the rewarded action pays +2 and every other
	// action costs -1, with behaviour log-probs taken from the current
	// network the way the batch trainer does.
	for round := 0; round < 5; round++ {
		transitions := make([]Transition, 0, 64)
		for i := 0; i < 64; i++ {
			action := i % actions
			logProb, value, err := net.Evaluate(state, action)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			reward := -1.0
			if action == rewarded {
				reward = 2.0
			}
			transitions = append(transitions, Transition{
				State:   state,
				Action:  action,
				LogProb: logProb,
				Value:   value,
				Reward:  reward,
				Done:    true,
			})
		}
		stats := Train(net, opt, transitions, rng)
		if stats.Samples != 64 {
			t.Fatalf("stats.Samples = %d, want 64", stats.Samples)
		}
		if stats.Updates == 0 {
			t.Fatal("train step ran no updates")
		}
	}

	after := probOf()
	if after <= before {
		t.Fatalf("policy probability of the rewarded action must rise: before %f, after %f", before, after)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	net := NewNetwork(24, 6, 11)
	m := NewModel(net, "")

	payload, err := m.Encode("2026-02-03T04:05:06Z")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(payload, 24, 6)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Version != "2026-02-03T04:05:06Z" {
		t.Fatalf("decoded version = %q", decoded.Version)
	}

	state := make([]float64, 24)
	for i := range state {
		state[i] = math.Sin(float64(i))
	}
	wantLogits, wantValue, err := net.Forward(state)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	gotLogits, gotValue, err := decoded.Net().Forward(state)
	if err != nil {
		t.Fatalf("Forward decoded: %v", err)
	}
	if !almostEqual(gotValue, wantValue, 1e-12) {
		t.Fatalf("decoded value %f, want %f", gotValue, wantValue)
	}
	for i := range wantLogits {
		if !almostEqual(gotLogits[i], wantLogits[i], 1e-12) {
			t.Fatalf("decoded logit %d = %f, want %f", i, gotLogits[i], wantLogits[i])
		}
	}
}

func TestDecodeRejectsMismatchedShape(t *testing.T) {
	payload, err := NewModel(NewNetwork(24, 6, 1), "").Encode("v1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(payload, 16, 6); err == nil {
		t.Fatal("Decode must reject the wrong state dimension")
	}
	if _, err := Decode(payload, 24, 8); err == nil {
		t.Fatal("Decode must reject the wrong action count")
	}
	if _, err := Decode([]byte("not json"), 24, 6); err == nil {
		t.Fatal("Decode must reject malformed JSON")
	}
}
