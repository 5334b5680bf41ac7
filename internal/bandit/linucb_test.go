package bandit

import (
	"math"
	"sync"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func basisVector(dim, idx int) []float64 {
	x := make([]float64, dim)
	x[idx] = 1
	return x
}

func TestFreshPolicyTiesBreakToFirstArm(t *testing.T) {
	p := New(4, 6, 1.5, 0.999)

	d, err := p.Decide(basisVector(4, 0))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Arm != 0 {
		t.Fatalf("fresh policy must pick arm 0 on a tie, got %d", d.Arm)
	}
	// Six identical scores softmax to 1/6 each.
	if !almostEqual(d.Confidence, 1.0/6.0, 1e-9) {
		t.Fatalf("tied confidence = %f, want 1/6", d.Confidence)
	}
	if len(d.Scores) != 6 {
		t.Fatalf("got %d scores, want 6", len(d.Scores))
	}
	var sum float64
	for _, p := range d.Probs {
		sum += p
	}
	if !almostEqual(sum, 1.0, 1e-9) {
		t.Fatalf("probabilities sum to %f", sum)
	}
}

func TestRewardedArmWinsItsContext(t *testing.T) {
	p := New(4, 6, 1.5, 0.999)
	x := basisVector(4, 0)

	for i := 0; i < 5; i++ {
		if err := p.Update(3, x, 2.0); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	d, err := p.Decide(x)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Arm != 3 {
		t.Fatalf("after five rewards on arm 3 for this context, Decide picked arm %d (scores %v)", d.Arm, d.Scores)
	}
	if d.Confidence <= 1.0/6.0 {
		t.Fatalf("rewarded arm confidence %f should exceed the uniform 1/6", d.Confidence)
	}
	if got := p.TotalUpdates(); got != 5 {
		t.Fatalf("TotalUpdates = %d, want 5", got)
	}
	pulls := p.Pulls()
	if pulls[3] != 5 {
		t.Fatalf("arm 3 pulls = %d, want 5", pulls[3])
	}
	for i, n := range pulls {
		if i != 3 && n != 0 {
			t.Fatalf("arm %d pulls = %d, want 0", i, n)
		}
	}
}

func TestUpdateShrinksUncertainty(t *testing.T) {
	p := New(3, 2, 1.5, 1.0)
	x := basisVector(3, 1)

	before, err := p.Decide(x)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	// Zero reward leaves θ at zero, so the score is pure exploration
	// bonus and must drop once A has seen x.
	if err := p.Update(0, x, 0); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after, err := p.Decide(x)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if after.Scores[0] >= before.Scores[0] {
		t.Fatalf("exploration bonus must shrink after an update: before %f, after %f", before.Scores[0], after.Scores[0])
	}
	if !almostEqual(after.Scores[1], before.Scores[1], 1e-12) {
		t.Fatalf("untouched arm score changed: before %f, after %f", before.Scores[1], after.Scores[1])
	}
}

func TestValidation(t *testing.T) {
	p := New(4, 3, 1.5, 0.999)

	if _, err := p.Decide(make([]float64, 5)); err == nil {
		t.Fatal("Decide must reject a context of the wrong dimension")
	}
	if err := p.Update(0, make([]float64, 2), 1.0); err == nil {
		t.Fatal("Update must reject a context of the wrong dimension")
	}
	if err := p.Update(3, basisVector(4, 0), 1.0); err == nil {
		t.Fatal("Update must reject an out-of-range arm")
	}
	if err := p.Update(-1, basisVector(4, 0), 1.0); err == nil {
		t.Fatal("Update must reject a negative arm")
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	p := New(4, 6, 1.5, 0.999)
	contexts := [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0.5, 0},
		{0.2, 0.3, 0.1, 0.9},
	}
	for i, x := range contexts {
		if err := p.Update(i%6, x, float64(i)+0.5); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	payload, err := p.Encode("2026-01-02T03:04:05Z")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	q, err := Decode(payload, 4, 6)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if q.Version() != "2026-01-02T03:04:05Z" {
		t.Fatalf("decoded version = %q", q.Version())
	}
	if q.TotalUpdates() != p.TotalUpdates() {
		t.Fatalf("decoded totalUpdates = %d, want %d", q.TotalUpdates(), p.TotalUpdates())
	}
	for i := range contexts {
		want, err := p.Decide(contexts[i])
		if err != nil {
			t.Fatalf("Decide original: %v", err)
		}
		got, err := q.Decide(contexts[i])
		if err != nil {
			t.Fatalf("Decide decoded: %v", err)
		}
		if got.Arm != want.Arm {
			t.Fatalf("context %d: decoded policy picked arm %d, original picked %d", i, got.Arm, want.Arm)
		}
		if !almostEqual(got.Confidence, want.Confidence, 1e-9) {
			t.Fatalf("context %d: decoded confidence %f, original %f", i, got.Confidence, want.Confidence)
		}
	}
}

func TestDecodeRejectsMismatchedShape(t *testing.T) {
	p := New(4, 6, 1.5, 0.999)
	payload, err := p.Encode("v1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(payload, 4, 5); err == nil {
		t.Fatal("Decode must reject the wrong arm count")
	}
	if _, err := Decode(payload, 8, 6); err == nil {
		t.Fatal("Decode must reject the wrong dimensionality")
	}
	if _, err := Decode([]byte("{"), 4, 6); err == nil {
		t.Fatal("Decode must reject malformed JSON")
	}
}

func TestConcurrentDecideAndUpdate(t *testing.T) {
	p := New(4, 6, 1.5, 0.999)
	x := []float64{0.5, 0.25, 0.25, 1}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(arm int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := p.Update(arm%6, x, 1.0); err != nil {
					t.Errorf("update: %v", err)
					return
				}
				if _, err := p.Decide(x); err != nil {
					t.Errorf("decide: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if got := p.TotalUpdates(); got != 400 {
		t.Fatalf("TotalUpdates = %d, want 400", got)
	}
}
