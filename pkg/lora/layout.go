package lora

import (
	"fmt"
	"slices"

	gt "github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// Layout names the in-memory arrangement of packed factor tensors. The
// stored shape is the same for every layout; only element order differs.
type Layout string

const (
	// LayoutPlain stores factors row-major, rank rows first.
	LayoutPlain Layout = "plain/v1"
	// LayoutTiled stores factors as contiguous tile x tile blocks, the order
	// the fused low-rank kernels read them in.
	LayoutTiled Layout = "tiled/v1"
)

func (l Layout) validate() error {
	switch l {
	case LayoutPlain, LayoutTiled:
		return nil
	default:
		return fmt.Errorf("lora: unknown layout %q", l)
	}
}

// ParseLayout accepts "plain", "tiled" and the versioned names.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "plain", string(LayoutPlain):
		return LayoutPlain, nil
	case "", "tiled", string(LayoutTiled):
		return LayoutTiled, nil
	default:
		return "", fmt.Errorf("lora: unknown layout %q", s)
	}
}

// apply converts a plain matrix into layout l.
func (l Layout) apply(name string, m tensor.Mat, tile int) (tensor.Mat, error) {
	if l != LayoutTiled {
		return m, nil
	}
	return retile(name, m, tile, false)
}

// undo converts a matrix stored in layout l back to plain order.
func (l Layout) undo(name string, m tensor.Mat, tile int) (tensor.Mat, error) {
	if l != LayoutTiled {
		return m, nil
	}
	return retile(name, m, tile, true)
}

// retile swaps the two middle axes of the 4-d view of m. Going forward the
// view is [R/t, t, C/t, t]; going back it is [R/t, C/t, t, t]. The swap is
// its own inverse once the view is chosen accordingly.
func retile(name string, m tensor.Mat, t int, inverse bool) (tensor.Mat, error) {
	if t <= 1 || m.R == 0 || m.C == 0 {
		return m.Clone(), nil
	}
	if m.R%t != 0 || m.C%t != 0 {
		return tensor.Mat{}, shapeErrorf(name, "[%d %d] is not a multiple of tile %d", m.R, m.C, t)
	}
	view := []int{m.R / t, t, m.C / t, t}
	if inverse {
		view = []int{m.R / t, m.C / t, t, t}
	}
	dims := []int{m.R, m.C}

	n := gt.New(gt.WithShape(dims...), gt.WithBacking(slices.Clone(m.Data)))
	if err := n.Reshape(view...); err != nil {
		return tensor.Mat{}, err
	}
	if err := n.T(0, 2, 1, 3); err != nil {
		return tensor.Mat{}, err
	}
	if err := n.Reshape(dims...); err != nil {
		return tensor.Mat{}, err
	}
	if err := n.Transpose(); err != nil {
		return tensor.Mat{}, err
	}

	rows, err := native.SelectF32(n, 1)
	if err != nil {
		return tensor.Mat{}, err
	}
	out := make([]float32, 0, m.R*m.C)
	for _, r := range rows {
		out = append(out, r...)
	}
	return tensor.NewMatFromData(m.R, m.C, out), nil
}
