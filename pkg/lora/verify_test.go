package lora

import (
	"math"
	"testing"

	"github.com/samcharles93/lowrank/internal/tensor"
)

func TestDeltaError(t *testing.T) {
	t.Parallel()
	a := randLayer("x", 4, 32, 16, 4, 1)
	if e, err := DeltaError(a, a); err != nil || e != 0 {
		t.Fatalf("self error %g (%v)", e, err)
	}

	// Same delta, different factorisation: rank components reordered and
	// the factor moved into up.
	down := mustMat(t, a.Down)
	up := mustMat(t, a.Up)
	order := []int{3, 1, 0, 2}
	rd := tensor.NewMat(4, 32)
	for i, j := range order {
		copy(rd.Row(i), down.Row(j))
	}
	b := &AdapterLayer{LayerID: "x", Rank: 4, Down: FromMat(rd), Up: FromMat(tensor.SelectCols(up, order).Scaled(2)), Alpha: 2}
	if e, err := DeltaError(a, b); err != nil || e > 1e-6 {
		t.Fatalf("refactored error %g (%v)", e, err)
	}

	c := *a
	c.Alpha = 8
	if e, _ := DeltaError(a, &c); math.Abs(e-1) > 1e-6 {
		t.Fatalf("doubled delta error %g, want 1", e)
	}

	d := *a
	d.Bias = randBias(16, 3)
	if e, _ := DeltaError(a, &d); e == 0 {
		t.Fatal("bias difference not counted")
	}

	if _, err := DeltaError(a, randLayer("x", 4, 16, 16, 4, 1)); err == nil {
		t.Fatal("shape mismatch accepted")
	}
}

func TestSetDeltaError(t *testing.T) {
	t.Parallel()
	a := testSet()
	worst, _, err := SetDeltaError(a, a)
	if err != nil || worst != 0 {
		t.Fatalf("self: %g %v", worst, err)
	}
	b := testSet()
	delete(b, "block0.attn.to_k")
	worst, at, err := SetDeltaError(a, b)
	if err != nil || worst != 1 || at != "block0.attn.to_k" {
		t.Fatalf("missing layer: %g at %q (%v)", worst, at, err)
	}
}
