// Package ppo implements the proximal-policy-optimisation actor-critic
// that takes over routing once enough learner sessions exist.
//
// The network is a shared two-layer MLP trunk with layer normalisation,
// ReLU, and dropout, feeding a policy head (one logit per action) and a
// value head (scalar state value). Training minimises the clipped
// surrogate objective
//
//	L = -E[min(r·Â, clip(r, 1-ε, 1+ε)·Â)] + c1·(V-R)² - c2·H(π)
//
// where r is the probability ratio against the behaviour policy, Â the
// GAE advantage, R the discounted return, and H the policy entropy.
// Gradients are computed in plain Go so the artifact stays a portable
// weight map rather than an opaque framework checkpoint.
package ppo

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	hiddenSize  = 128
	dropoutRate = 0.1
	lnEpsilon   = 1e-5
)

// param is one learnable tensor with its gradient accumulator and Adam
// moment buffers.
type param struct {
	val  []float64
	grad []float64
	m    []float64
	v    []float64
}

func newParam(n int) *param {
	return &param{
		val:  make([]float64, n),
		grad: make([]float64, n),
		m:    make([]float64, n),
		v:    make([]float64, n),
	}
}

// Network is the actor-critic. Weights are row-major out×in slices.
// Forward and Evaluate are read-only; training mutates gradients and
// weights, so the trainer must own the network exclusively while a
// train step runs.
type Network struct {
	stateDim int
	nActions int

	fc1W, fc1B *param
	ln1G, ln1B *param
	fc2W, fc2B *param
	ln2G, ln2B *param
	polW, polB *param
	valW, valB *param
}

// NewNetwork builds a network with uniform fan-in initialisation for the
// linear layers and identity layer norms. The seed pins initial weights
// so training runs are reproducible.
func NewNetwork(stateDim, nActions int, seed int64) *Network {
	rng := rand.New(rand.NewSource(seed))
	n := &Network{
		stateDim: stateDim,
		nActions: nActions,
		fc1W:     newParam(hiddenSize * stateDim),
		fc1B:     newParam(hiddenSize),
		ln1G:     newParam(hiddenSize),
		ln1B:     newParam(hiddenSize),
		fc2W:     newParam(hiddenSize * hiddenSize),
		fc2B:     newParam(hiddenSize),
		ln2G:     newParam(hiddenSize),
		ln2B:     newParam(hiddenSize),
		polW:     newParam(nActions * hiddenSize),
		polB:     newParam(nActions),
		valW:     newParam(hiddenSize),
		valB:     newParam(1),
	}
	initLinear(rng, n.fc1W, n.fc1B, stateDim)
	initLinear(rng, n.fc2W, n.fc2B, hiddenSize)
	initLinear(rng, n.polW, n.polB, hiddenSize)
	initLinear(rng, n.valW, n.valB, hiddenSize)
	for i := range n.ln1G.val {
		n.ln1G.val[i] = 1
		n.ln2G.val[i] = 1
	}
	return n
}

func initLinear(rng *rand.Rand, w, b *param, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range w.val {
		w.val[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range b.val {
		b.val[i] = (rng.Float64()*2 - 1) * bound
	}
}

func (n *Network) params() []*param {
	return []*param{
		n.fc1W, n.fc1B, n.ln1G, n.ln1B,
		n.fc2W, n.fc2B, n.ln2G, n.ln2B,
		n.polW, n.polB, n.valW, n.valB,
	}
}

func (n *Network) zeroGrads() {
	for _, p := range n.params() {
		for i := range p.grad {
			p.grad[i] = 0
		}
	}
}

// StateDim reports the expected input dimensionality.
func (n *Network) StateDim() int { return n.stateDim }

// Actions reports the size of the policy head.
func (n *Network) Actions() int { return n.nActions }

// Forward runs an inference pass (dropout off) and returns the action
// logits and the state value.
func (n *Network) Forward(state []float64) ([]float64, float64, error) {
	if len(state) != n.stateDim {
		return nil, 0, fmt.Errorf("state has %d dims, network wants %d", len(state), n.stateDim)
	}
	h1 := linear(n.fc1W.val, n.fc1B.val, state, hiddenSize)
	layerNormInPlace(h1, n.ln1G.val, n.ln1B.val)
	reluInPlace(h1)

	h2 := linear(n.fc2W.val, n.fc2B.val, h1, hiddenSize)
	layerNormInPlace(h2, n.ln2G.val, n.ln2B.val)
	reluInPlace(h2)

	logits := linear(n.polW.val, n.polB.val, h2, n.nActions)
	value := linear(n.valW.val, n.valB.val, h2, 1)[0]
	return logits, value, nil
}

// Evaluate returns the current log-probability of action under the
// policy and the state value. Used when replaying historical decisions
// into the rollout buffer.
func (n *Network) Evaluate(state []float64, action int) (float64, float64, error) {
	if action < 0 || action >= n.nActions {
		return 0, 0, fmt.Errorf("action %d out of range [0,%d)", action, n.nActions)
	}
	logits, value, err := n.Forward(state)
	if err != nil {
		return 0, 0, err
	}
	return logSoftmaxAt(logits, action), value, nil
}

// fwdCache holds one training forward pass so backward can replay it.
type fwdCache struct {
	x []float64

	xhat1   []float64
	invStd1 float64
	ln1Out  []float64
	mask1   []float64
	act1    []float64

	xhat2   []float64
	invStd2 float64
	ln2Out  []float64
	mask2   []float64
	act2    []float64

	logits []float64
	probs  []float64
	value  float64
}

// trainForward runs a forward pass with dropout active and caches every
// intermediate needed by backward.
func (n *Network) trainForward(state []float64, rng *rand.Rand) *fwdCache {
	c := &fwdCache{x: state}

	z1 := linear(n.fc1W.val, n.fc1B.val, state, hiddenSize)
	c.xhat1, c.invStd1 = normalize(z1)
	c.ln1Out = affine(c.xhat1, n.ln1G.val, n.ln1B.val)
	c.mask1 = dropoutMask(rng, hiddenSize)
	c.act1 = make([]float64, hiddenSize)
	for i, v := range c.ln1Out {
		if v > 0 {
			c.act1[i] = v * c.mask1[i]
		}
	}

	z2 := linear(n.fc2W.val, n.fc2B.val, c.act1, hiddenSize)
	c.xhat2, c.invStd2 = normalize(z2)
	c.ln2Out = affine(c.xhat2, n.ln2G.val, n.ln2B.val)
	c.mask2 = dropoutMask(rng, hiddenSize)
	c.act2 = make([]float64, hiddenSize)
	for i, v := range c.ln2Out {
		if v > 0 {
			c.act2[i] = v * c.mask2[i]
		}
	}

	c.logits = linear(n.polW.val, n.polB.val, c.act2, n.nActions)
	c.probs = softmax(c.logits)
	c.value = linear(n.valW.val, n.valB.val, c.act2, 1)[0]
	return c
}

// backward accumulates gradients for one sample given the loss gradient
// at the logits and at the value output.
func (n *Network) backward(c *fwdCache, dLogits []float64, dValue float64) {
	// Heads share the trunk activation.
	dAct2 := make([]float64, hiddenSize)
	linearBackward(n.polW, n.polB, c.act2, dLogits, dAct2)
	linearBackward(n.valW, n.valB, c.act2, []float64{dValue}, dAct2)

	dLn2 := activationBackward(dAct2, c.ln2Out, c.mask2)
	dZ2 := layerNormBackward(n.ln2G, n.ln2B, c.xhat2, c.invStd2, dLn2)

	dAct1 := make([]float64, hiddenSize)
	linearBackward(n.fc2W, n.fc2B, c.act1, dZ2, dAct1)

	dLn1 := activationBackward(dAct1, c.ln1Out, c.mask1)
	dZ1 := layerNormBackward(n.ln1G, n.ln1B, c.xhat1, c.invStd1, dLn1)

	linearBackward(n.fc1W, n.fc1B, c.x, dZ1, nil)
}

func linear(w, b, x []float64, out int) []float64 {
	in := len(x)
	y := make([]float64, out)
	for o := 0; o < out; o++ {
		sum := b[o]
		row := w[o*in : (o+1)*in]
		for i, xv := range x {
			sum += row[i] * xv
		}
		y[o] = sum
	}
	return y
}

// linearBackward accumulates dW and dB for y = Wx + b and, when dx is
// non-nil, adds Wᵀ·dy into it.
func linearBackward(w, b *param, x, dy []float64, dx []float64) {
	in := len(x)
	for o, g := range dy {
		if g == 0 {
			continue
		}
		b.grad[o] += g
		row := w.val[o*in : (o+1)*in]
		grow := w.grad[o*in : (o+1)*in]
		for i, xv := range x {
			grow[i] += g * xv
		}
		if dx != nil {
			for i, wv := range row {
				dx[i] += wv * g
			}
		}
	}
}

// normalize returns (x-μ)/√(σ²+ε) and the inverse standard deviation.
func normalize(x []float64) ([]float64, float64) {
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	var variance float64
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(x))
	invStd := 1 / math.Sqrt(variance+lnEpsilon)
	xhat := make([]float64, len(x))
	for i, v := range x {
		xhat[i] = (v - mean) * invStd
	}
	return xhat, invStd
}

func affine(xhat, gamma, beta []float64) []float64 {
	y := make([]float64, len(xhat))
	for i := range xhat {
		y[i] = gamma[i]*xhat[i] + beta[i]
	}
	return y
}

// layerNormBackward accumulates dγ and dβ and returns the gradient with
// respect to the pre-norm input.
func layerNormBackward(gamma, beta *param, xhat []float64, invStd float64, dy []float64) []float64 {
	n := len(xhat)
	dxhat := make([]float64, n)
	var meanDxhat, meanDxhatXhat float64
	for i, g := range dy {
		gamma.grad[i] += g * xhat[i]
		beta.grad[i] += g
		dxhat[i] = g * gamma.val[i]
		meanDxhat += dxhat[i]
		meanDxhatXhat += dxhat[i] * xhat[i]
	}
	meanDxhat /= float64(n)
	meanDxhatXhat /= float64(n)

	dx := make([]float64, n)
	for i := range dx {
		dx[i] = invStd * (dxhat[i] - meanDxhat - xhat[i]*meanDxhatXhat)
	}
	return dx
}

// activationBackward routes the gradient through dropout and the ReLU
// gate on the layer-norm output.
func activationBackward(dy, lnOut, mask []float64) []float64 {
	dx := make([]float64, len(dy))
	for i, g := range dy {
		if lnOut[i] > 0 {
			dx[i] = g * mask[i]
		}
	}
	return dx
}

// dropoutMask draws an inverted-dropout mask: kept units carry the
// 1/(1-p) scale so inference needs no rescaling.
func dropoutMask(rng *rand.Rand, n int) []float64 {
	mask := make([]float64, n)
	keep := 1 / (1 - dropoutRate)
	for i := range mask {
		if rng.Float64() >= dropoutRate {
			mask[i] = keep
		}
	}
	return mask
}

func reluInPlace(x []float64) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

func layerNormInPlace(x, gamma, beta []float64) {
	xhat, _ := normalize(x)
	for i := range x {
		x[i] = gamma[i]*xhat[i] + beta[i]
	}
}

func softmax(logits []float64) []float64 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxv)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func logSoftmaxAt(logits []float64, idx int) float64 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - maxv)
	}
	return logits[idx] - maxv - math.Log(sum)
}
