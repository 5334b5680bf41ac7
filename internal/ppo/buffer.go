package ppo

import "math"

const (
	// BufferCap bounds the rollout buffer; the oldest transition is
	// evicted when a new one arrives at capacity.
	BufferCap = 2048

	gammaGAE  = 0.99
	lambdaGAE = 0.95
)

// Transition is one decision outcome. LogProb and Value are the
// behaviour policy's outputs at decision time; Reward is the attributed
// routing reward.
type Transition struct {
	State   []float64
	Action  int
	LogProb float64
	Value   float64
	Reward  float64
	Done    bool
}

// Buffer is a FIFO rollout buffer. It is not synchronised: the trainer
// fills and drains it from a single goroutine.
type Buffer struct {
	items []Transition
	cap   int
}

// NewBuffer returns a buffer holding at most capacity transitions.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = BufferCap
	}
	return &Buffer{cap: capacity}
}

// Add appends a transition, evicting the oldest when full.
func (b *Buffer) Add(t Transition) {
	if len(b.items) == b.cap {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
	}
	b.items = append(b.items, t)
}

// Len reports the number of buffered transitions.
func (b *Buffer) Len() int { return len(b.items) }

// Clear empties the buffer. Called after every successful train step so
// no transition is learned from twice.
func (b *Buffer) Clear() { b.items = b.items[:0] }

// Transitions returns the buffered transitions oldest first.
func (b *Buffer) Transitions() []Transition { return b.items }

// ComputeGAE walks the transitions backwards computing generalised
// advantage estimates and discounted returns. A done transition cuts
// bootstrapping in both directions: its advantage is reward-value and
// nothing propagates past it.
func ComputeGAE(transitions []Transition) (advantages, returns []float64) {
	n := len(transitions)
	advantages = make([]float64, n)
	returns = make([]float64, n)

	var lastGAE float64
	for t := n - 1; t >= 0; t-- {
		tr := transitions[t]
		var nextValue float64
		if t < n-1 && !tr.Done {
			nextValue = transitions[t+1].Value
		}
		delta := tr.Reward + gammaGAE*nextValue - tr.Value
		if tr.Done {
			lastGAE = delta
		} else {
			lastGAE = delta + gammaGAE*lambdaGAE*lastGAE
		}
		advantages[t] = lastGAE
		returns[t] = advantages[t] + tr.Value
	}
	return advantages, returns
}

// normalizeAdvantages rescales to zero mean and unit sample deviation.
func normalizeAdvantages(adv []float64) {
	n := float64(len(adv))
	if n == 0 {
		return
	}
	var mean float64
	for _, a := range adv {
		mean += a
	}
	mean /= n
	var sq float64
	for _, a := range adv {
		d := a - mean
		sq += d * d
	}
	std := 0.0
	if n > 1 {
		std = math.Sqrt(sq / (n - 1))
	}
	for i := range adv {
		adv[i] = (adv[i] - mean) / (std + 1e-8)
	}
}
