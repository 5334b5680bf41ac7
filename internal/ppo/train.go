package ppo

import (
	"math"
	"math/rand"
)

const (
	clipEpsilon = 0.2
	valueCoef   = 0.5
	entropyCoef = 0.01
	trainEpochs = 4

	// MinibatchSize is both the SGD minibatch size and the minimum
	// buffer fill before a train step runs.
	MinibatchSize = 64
)

// TrainStats summarises one train step, averaged over minibatch updates.
type TrainStats struct {
	PolicyLoss float64 `json:"policyLoss"`
	ValueLoss  float64 `json:"valueLoss"`
	Entropy    float64 `json:"entropy"`
	Samples    int     `json:"samples"`
	Updates    int     `json:"updates"`
}

// Train runs the clipped-surrogate update over the given transitions:
// GAE, advantage normalisation, then trainEpochs passes of shuffled
// minibatches with gradient clipping and Adam steps. The rng drives
// both the shuffles and the dropout masks.
func Train(net *Network, opt *Adam, transitions []Transition, rng *rand.Rand) TrainStats {
	n := len(transitions)
	if n == 0 {
		return TrainStats{}
	}

	advantages, returns := ComputeGAE(transitions)
	normalizeAdvantages(advantages)

	var totalPolicy, totalValue, totalEntropy float64
	updates := 0

	for epoch := 0; epoch < trainEpochs; epoch++ {
		perm := rng.Perm(n)
		for start := 0; start < n; start += MinibatchSize {
			end := min(start+MinibatchSize, n)
			idx := perm[start:end]
			batch := float64(len(idx))

			net.zeroGrads()
			var policyLoss, valueLoss, entropy float64

			for _, i := range idx {
				tr := transitions[i]
				c := net.trainForward(tr.State, rng)

				logProb := logSoftmaxAt(c.logits, tr.Action)
				ratio := math.Exp(logProb - tr.LogProb)
				adv := advantages[i]

				surr1 := ratio * adv
				clipped := math.Min(math.Max(ratio, 1-clipEpsilon), 1+clipEpsilon)
				surr2 := clipped * adv
				policyLoss += -math.Min(surr1, surr2)

				var h float64
				for _, p := range c.probs {
					if p > 0 {
						h -= p * math.Log(p)
					}
				}
				entropy += h

				diff := c.value - returns[i]
				valueLoss += diff * diff

				dLogits := make([]float64, len(c.probs))
				// Clipped ratios contribute no policy gradient.
				if surr1 <= surr2 {
					for j, p := range c.probs {
						onehot := 0.0
						if j == tr.Action {
							onehot = 1
						}
						dLogits[j] = -adv * ratio * (onehot - p) / batch
					}
				}
				for j, p := range c.probs {
					if p > 0 {
						dLogits[j] += entropyCoef * p * (math.Log(p) + h) / batch
					}
				}
				dValue := 2 * valueCoef * diff / batch

				net.backward(c, dLogits, dValue)
			}

			clipGradNorm(net.params(), maxGradNorm)
			opt.Step(net.params())

			totalPolicy += policyLoss / batch
			totalValue += valueLoss / batch
			totalEntropy += entropy / batch
			updates++
		}
	}

	div := float64(max(updates, 1))
	return TrainStats{
		PolicyLoss: totalPolicy / div,
		ValueLoss:  totalValue / div,
		Entropy:    totalEntropy / div,
		Samples:    n,
		Updates:    updates,
	}
}
