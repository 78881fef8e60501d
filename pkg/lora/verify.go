package lora

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// effective returns factor * up @ down and factor * bias in float64.
func effective(l *AdapterLayer) (*mat.Dense, []float64, error) {
	down, err := l.Down.Mat()
	if err != nil {
		return nil, nil, err
	}
	up, err := l.Up.Mat()
	if err != nil {
		return nil, nil, err
	}
	d := tensor.Product(up, down)
	f := float64(l.Factor())
	d.Scale(f, d)

	var bias []float64
	if l.Bias != nil {
		b, err := l.Bias.Float32s()
		if err != nil {
			return nil, nil, err
		}
		bias = make([]float64, len(b))
		for i, v := range b {
			bias[i] = f * float64(v)
		}
	}
	return d, bias, nil
}

// DeltaError is the relative Frobenius distance between the effective
// updates of two layers, bias included. Two all-zero layers have error 0.
func DeltaError(want, got *AdapterLayer) (float64, error) {
	if err := want.Validate(); err != nil {
		return 0, err
	}
	if err := got.Validate(); err != nil {
		return 0, err
	}
	if want.OutFeatures() != got.OutFeatures() || want.InFeatures() != got.InFeatures() {
		return math.Inf(1), shapeErrorf(want.LayerID, "shapes differ: [%d %d] vs [%d %d]",
			want.OutFeatures(), want.InFeatures(), got.OutFeatures(), got.InFeatures())
	}
	dw, bw, err := effective(want)
	if err != nil {
		return 0, err
	}
	dg, bg, err := effective(got)
	if err != nil {
		return 0, err
	}

	var diff mat.Dense
	diff.Sub(dw, dg)
	num := sq(mat.Norm(&diff, 2))
	den := sq(mat.Norm(dw, 2))

	n := max(len(bw), len(bg))
	if n > 0 {
		bw, bg = padTo(bw, n), padTo(bg, n)
		num += sq(floats.Distance(bw, bg, 2))
		den += sq(floats.Norm(bw, 2))
	}
	if den == 0 {
		if num == 0 {
			return 0, nil
		}
		return math.Inf(1), nil
	}
	return math.Sqrt(num / den), nil
}

func sq(x float64) float64 { return x * x }

func padTo(v []float64, n int) []float64 {
	if len(v) == n {
		return v
	}
	out := make([]float64, n)
	copy(out, v)
	return out
}

// SetDeltaError compares two adapter sets layer by layer and returns the
// largest relative error and the layer it occurred in. A layer present in
// only one set counts as error 1 against an empty update.
func SetDeltaError(want, got AdapterSet) (float64, string, error) {
	var (
		worst float64
		at    string
	)
	seen := make(map[string]bool, len(want))
	for _, id := range want.LayerIDs() {
		seen[id] = true
		g := got[id]
		e := 1.0
		if g != nil {
			var err error
			if e, err = DeltaError(want[id], g); err != nil {
				return 0, id, fmt.Errorf("lora: compare %s: %w", id, err)
			}
		}
		if e > worst || at == "" {
			worst, at = e, id
		}
	}
	for _, id := range got.LayerIDs() {
		if !seen[id] && 1 > worst {
			worst, at = 1, id
		}
	}
	return worst, at, nil
}
