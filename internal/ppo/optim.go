package ppo

import "math"

const (
	learningRate = 3e-4
	maxGradNorm  = 0.5
	adamBeta1    = 0.9
	adamBeta2    = 0.999
	adamEpsilon  = 1e-8
)

// Adam is the optimiser used for every train step. Moment buffers live
// on the params themselves so one optimiser can serve any network.
type Adam struct {
	lr   float64
	step int
}

// NewAdam returns an optimiser at the default learning rate.
func NewAdam() *Adam {
	return &Adam{lr: learningRate}
}

// Step applies one bias-corrected Adam update from the accumulated
// gradients.
func (o *Adam) Step(params []*param) {
	o.step++
	c1 := 1 - math.Pow(adamBeta1, float64(o.step))
	c2 := 1 - math.Pow(adamBeta2, float64(o.step))
	for _, p := range params {
		for i, g := range p.grad {
			p.m[i] = adamBeta1*p.m[i] + (1-adamBeta1)*g
			p.v[i] = adamBeta2*p.v[i] + (1-adamBeta2)*g*g
			mHat := p.m[i] / c1
			vHat := p.v[i] / c2
			p.val[i] -= o.lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
		}
	}
}

// clipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm.
func clipGradNorm(params []*param, maxNorm float64) {
	var sq float64
	for _, p := range params {
		for _, g := range p.grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] *= scale
		}
	}
}
