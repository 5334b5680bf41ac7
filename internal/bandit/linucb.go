// Package bandit implements the LinUCB contextual bandit that picks a
// routing action for a learner-state vector.
//
// Each arm keeps a disjoint ridge model: a design matrix A (initialised
// to the identity) and a reward vector b. The point estimate for a
// context x is θᵀx with θ = A⁻¹b, and the upper confidence bound adds
// α·√(xᵀA⁻¹x), which shrinks as the arm accumulates evidence in the
// direction of x. Updates decay A by γ before adding xxᵀ, so old
// evidence loses weight and the policy keeps tracking learner drift.
package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ridgeBoost is added to A's diagonal when inversion fails, nudging the
// matrix back to full rank for one retry.
const ridgeBoost = 0.01

// Policy is a LinUCB bandit over a fixed arm set. Safe for concurrent
// use: Decide takes a read lock, Update a write lock.
type Policy struct {
	mu           sync.RWMutex
	dim          int
	alpha        float64
	decay        float64
	arms         []*arm
	totalUpdates int64
	version      string
}

// arm holds one action's ridge state. The inverse is cached so Decide
// never factorises on the hot path.
type arm struct {
	a     *mat.Dense
	b     *mat.VecDense
	aInv  *mat.Dense
	pulls int64
}

func newArm(dim int) *arm {
	return &arm{
		a:    identity(dim),
		b:    mat.NewVecDense(dim, nil),
		aInv: identity(dim),
	}
}

// New returns a policy with every arm at the identity prior.
func New(dim, arms int, alpha, decay float64) *Policy {
	p := &Policy{dim: dim, alpha: alpha, decay: decay, arms: make([]*arm, arms)}
	for i := range p.arms {
		p.arms[i] = newArm(dim)
	}
	return p
}

// Decision is one scored arm choice. Probs is the softmax over the UCB
// scores; Confidence is the winning arm's probability.
type Decision struct {
	Arm        int
	Confidence float64
	Scores     []float64
	Probs      []float64
}

// Decide scores every arm against x and picks the argmax.
func (p *Policy) Decide(x []float64) (Decision, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(x) != p.dim {
		return Decision{}, fmt.Errorf("context has %d dims, policy wants %d", len(x), p.dim)
	}

	xv := mat.NewVecDense(p.dim, x)
	scores := make([]float64, len(p.arms))
	best := 0
	for i, a := range p.arms {
		scores[i] = a.score(xv, p.alpha)
		if scores[i] > scores[best] {
			best = i
		}
	}
	probs := softmax(scores)
	return Decision{Arm: best, Confidence: probs[best], Scores: scores, Probs: probs}, nil
}

// score is θᵀx + α·√(xᵀA⁻¹x) with θ = A⁻¹b.
func (a *arm) score(x *mat.VecDense, alpha float64) float64 {
	dim, _ := a.aInv.Dims()

	theta := mat.NewVecDense(dim, nil)
	theta.MulVec(a.aInv, a.b)
	exploit := mat.Dot(theta, x)

	ax := mat.NewVecDense(dim, nil)
	ax.MulVec(a.aInv, x)
	spread := mat.Dot(x, ax)
	if spread < 0 {
		// Numeric noise on a heavily updated inverse.
		spread = 0
	}
	return exploit + alpha*math.Sqrt(spread)
}

// Update folds one observed reward into an arm: A ← γA + xxᵀ, b ← b + rx,
// then the cached inverse is recomputed. A singular A gets ridgeBoost on
// its diagonal and a single retry before the update fails.
func (p *Policy) Update(armIdx int, x []float64, reward float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if armIdx < 0 || armIdx >= len(p.arms) {
		return fmt.Errorf("arm %d out of range [0,%d)", armIdx, len(p.arms))
	}
	if len(x) != p.dim {
		return fmt.Errorf("context has %d dims, policy wants %d", len(x), p.dim)
	}

	a := p.arms[armIdx]
	xv := mat.NewVecDense(p.dim, x)

	if p.decay < 1 {
		a.a.Scale(p.decay, a.a)
	}
	var outer mat.Dense
	outer.Outer(1, xv, xv)
	a.a.Add(a.a, &outer)
	a.b.AddScaledVec(a.b, reward, xv)

	var inv mat.Dense
	if err := inv.Inverse(a.a); err != nil {
		for i := 0; i < p.dim; i++ {
			a.a.Set(i, i, a.a.At(i, i)+ridgeBoost)
		}
		if err := inv.Inverse(a.a); err != nil {
			return fmt.Errorf("design matrix for arm %d stayed singular after ridge boost: %w", armIdx, err)
		}
	}
	a.aInv = &inv

	a.pulls++
	p.totalUpdates++
	return nil
}

// TotalUpdates reports how many rewards the policy has absorbed.
func (p *Policy) TotalUpdates() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalUpdates
}

// Pulls returns the per-arm update counts.
func (p *Policy) Pulls() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int64, len(p.arms))
	for i, a := range p.arms {
		out[i] = a.pulls
	}
	return out
}

// Version is the artifact version the policy was decoded from, empty for
// a fresh policy.
func (p *Policy) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// artifact is the registry payload layout.
type artifact struct {
	Alpha        float64       `json:"alpha"`
	Decay        float64       `json:"decay"`
	Arms         []armArtifact `json:"arms"`
	TotalUpdates int64         `json:"totalUpdates"`
	Version      string        `json:"version"`
}

type armArtifact struct {
	A     [][]float64 `json:"A"`
	B     []float64   `json:"b"`
	AInv  [][]float64 `json:"AInv"`
	Pulls int64       `json:"pulls"`
}

// Encode serializes the policy for the artifact registry.
func (p *Policy) Encode(version string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	art := artifact{
		Alpha:        p.alpha,
		Decay:        p.decay,
		Arms:         make([]armArtifact, len(p.arms)),
		TotalUpdates: p.totalUpdates,
		Version:      version,
	}
	for i, a := range p.arms {
		art.Arms[i] = armArtifact{
			A:     denseRows(a.a),
			B:     append([]float64(nil), a.b.RawVector().Data...),
			AInv:  denseRows(a.aInv),
			Pulls: a.pulls,
		}
	}
	payload, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("encode bandit artifact: %w", err)
	}
	return payload, nil
}

// Decode parses a registry payload, validating every matrix against the
// expected dimensionality. An artifact from an older state layout must
// fail here rather than serve garbage scores.
func Decode(payload []byte, dim, arms int) (*Policy, error) {
	var art artifact
	if err := json.Unmarshal(payload, &art); err != nil {
		return nil, fmt.Errorf("decode bandit artifact: %w", err)
	}
	if len(art.Arms) != arms {
		return nil, fmt.Errorf("bandit artifact has %d arms, want %d", len(art.Arms), arms)
	}

	p := &Policy{
		dim:          dim,
		alpha:        art.Alpha,
		decay:        art.Decay,
		arms:         make([]*arm, arms),
		totalUpdates: art.TotalUpdates,
		version:      art.Version,
	}
	for i, aa := range art.Arms {
		a, err := rowsDense(aa.A, dim)
		if err != nil {
			return nil, fmt.Errorf("bandit artifact arm %d A: %w", i, err)
		}
		if len(aa.B) != dim {
			return nil, fmt.Errorf("bandit artifact arm %d b has %d dims, want %d", i, len(aa.B), dim)
		}
		inv, invErr := rowsDense(aa.AInv, dim)
		if invErr != nil {
			// The inverse is only a cache; rebuild it from A.
			inv = mat.NewDense(dim, dim, nil)
			if err := inv.Inverse(a); err != nil {
				return nil, fmt.Errorf("bandit artifact arm %d has no usable inverse: %w", i, err)
			}
		}
		p.arms[i] = &arm{
			a:     a,
			b:     mat.NewVecDense(dim, append([]float64(nil), aa.B...)),
			aInv:  inv,
			pulls: aa.Pulls,
		}
	}
	return p, nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func denseRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

func rowsDense(rows [][]float64, dim int) (*mat.Dense, error) {
	if len(rows) != dim {
		return nil, fmt.Errorf("matrix has %d rows, want %d", len(rows), dim)
	}
	m := mat.NewDense(dim, dim, nil)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), dim)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

// softmax converts UCB scores to a probability distribution, shifted by
// the max score for numeric stability.
func softmax(scores []float64) []float64 {
	maxv := scores[0]
	for _, s := range scores[1:] {
		if s > maxv {
			maxv = s
		}
	}
	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(s - maxv)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
