package lora

import (
	"slices"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// AdapterLayer is one low-rank correction: delta = (Alpha/Rank) * Up @ Down.
type AdapterLayer struct {
	LayerID string
	Rank    int
	Down    *Tensor // [rank, in]
	Up      *Tensor // [out, rank]
	Alpha   float32
	Bias    *Tensor // optional [out]
}

func (l *AdapterLayer) InFeatures() int  { return l.Down.Dim(1) }
func (l *AdapterLayer) OutFeatures() int { return l.Up.Dim(0) }

// Factor is the scalar applied to Up @ Down.
func (l *AdapterLayer) Factor() float32 {
	return l.Alpha / float32(l.Rank)
}

// Validate checks the factor shapes against the declared rank.
func (l *AdapterLayer) Validate() error {
	if l.Down == nil || l.Up == nil {
		return shapeErrorf(l.LayerID, "missing down or up factor")
	}
	if l.Rank < 1 {
		return shapeErrorf(l.LayerID, "rank %d < 1", l.Rank)
	}
	if l.Down.NDim() != 2 || l.Up.NDim() != 2 {
		return shapeErrorf(l.LayerID, "factors must be rank-2 (down %v, up %v)", l.Down.Shape(), l.Up.Shape())
	}
	if l.Down.Dim(0) != l.Rank || l.Up.Dim(1) != l.Rank {
		return shapeErrorf(l.LayerID, "rank %d disagrees with down %v / up %v", l.Rank, l.Down.Shape(), l.Up.Shape())
	}
	if l.Bias != nil && (l.Bias.NDim() != 1 || l.Bias.Dim(0) != l.OutFeatures()) {
		return shapeErrorf(l.LayerID, "bias %v does not match out_features %d", l.Bias.Shape(), l.OutFeatures())
	}
	return nil
}

// Delta returns Factor * Up @ Down in float64 precision.
func (l *AdapterLayer) Delta() (tensor.Mat, error) {
	down, err := l.Down.Mat()
	if err != nil {
		return tensor.Mat{}, err
	}
	up, err := l.Up.Mat()
	if err != nil {
		return tensor.Mat{}, err
	}
	p := tensor.Product(up, down)
	out := tensor.NewMat(up.R, down.C)
	f := float64(l.Factor())
	for i := 0; i < out.R; i++ {
		for j := 0; j < out.C; j++ {
			out.Set(i, j, float32(f*p.At(i, j)))
		}
	}
	return out, nil
}

// AdapterSet maps layer IDs to adapter layers.
type AdapterSet map[string]*AdapterLayer

// LayerIDs returns the keys in sorted order.
func (s AdapterSet) LayerIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Weighted pairs an adapter set with its strength for merging.
type Weighted struct {
	Set      AdapterSet
	Strength float32
}
