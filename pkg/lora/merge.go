package lora

import (
	"fmt"
	"math"

	"github.com/samcharles93/lowrank/internal/tensor"
)

type contributor struct {
	layer    *AdapterLayer
	strength float32
}

// Merge combines several weighted adapter sets into one. Layers are matched
// by ID; the merged delta of a layer is the strength-weighted sum of the
// contributors' deltas.
//
// Adapters with strength 0 are dropped before anything else, so a layer that
// only they touch is absent from the result. A layer with exactly one
// contributor keeps its factors untouched and only has Alpha multiplied by the
// strength. Layers with several contributors are concatenated block-diagonally
// along the rank axis with each down factor prescaled by strength*alpha/rank;
// the merged rank is the sum of the contributor ranks and alpha equals it.
func Merge(adapters []Weighted, opts ...Option) (AdapterSet, error) {
	o, _, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	byLayer := make(map[string][]contributor)
	for i, a := range adapters {
		s := a.Strength
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("lora: merge: adapter %d has non-finite strength %v", i, s)
		}
		if s == 0 {
			continue
		}
		for _, id := range a.Set.LayerIDs() {
			l := a.Set[id]
			if err := l.Validate(); err != nil {
				return nil, err
			}
			byLayer[id] = append(byLayer[id], contributor{layer: l, strength: s})
		}
	}

	out := make(AdapterSet, len(byLayer))
	for id, cs := range byLayer {
		merged, err := o.mergeLayer(id, cs)
		if err != nil {
			return nil, err
		}
		out[id] = merged
	}
	o.log.Debug("merged adapters", "inputs", len(adapters), "layers", len(out))
	return out, nil
}

func (o *options) mergeLayer(id string, cs []contributor) (*AdapterLayer, error) {
	first := cs[0].layer
	for _, c := range cs[1:] {
		if c.layer.InFeatures() != first.InFeatures() || c.layer.OutFeatures() != first.OutFeatures() {
			return nil, shapeErrorf(id, "contributors disagree on shape: [%d %d] vs [%d %d]",
				first.OutFeatures(), first.InFeatures(), c.layer.OutFeatures(), c.layer.InFeatures())
		}
	}

	if len(cs) == 1 {
		c := cs[0]
		return &AdapterLayer{
			LayerID: id,
			Rank:    c.layer.Rank,
			Down:    c.layer.Down,
			Up:      c.layer.Up,
			Alpha:   c.layer.Alpha * c.strength,
			Bias:    c.layer.Bias,
		}, nil
	}

	downs := make([]tensor.Mat, len(cs))
	ups := make([]tensor.Mat, len(cs))
	for i, c := range cs {
		d, err := o.mat(id+" down", c.layer.Down)
		if err != nil {
			return nil, err
		}
		u, err := o.mat(id+" up", c.layer.Up)
		if err != nil {
			return nil, err
		}
		downs[i] = d.Scaled(c.strength * (c.layer.Alpha / float32(c.layer.Rank)))
		ups[i] = u
	}

	bias, err := o.mergeBias(id, cs)
	if err != nil {
		return nil, err
	}

	var down, up tensor.Mat
	if o.merge == MergeAdditive && sameRank(cs) {
		down, up = additive(downs, ups)
	} else {
		if o.merge == MergeAdditive {
			o.log.Warn("ranks differ, falling back to block-diagonal merge", "layer", id)
		}
		down, up = tensor.VStack(downs...), tensor.HStack(ups...)
	}
	return &AdapterLayer{
		LayerID: id,
		Rank:    down.R,
		Down:    FromMat(down),
		Up:      FromMat(up),
		Alpha:   float32(down.R),
		Bias:    bias,
	}, nil
}

func sameRank(cs []contributor) bool {
	for _, c := range cs[1:] {
		if c.layer.Rank != cs[0].layer.Rank {
			return false
		}
	}
	return true
}

// additive sums the prescaled down factors and averages the up factors,
// accumulating in caller order. It is exact when all contributors share the
// same up factor and approximate otherwise.
func additive(downs, ups []tensor.Mat) (tensor.Mat, tensor.Mat) {
	down := tensor.NewMat(downs[0].R, downs[0].C)
	up := tensor.NewMat(ups[0].R, ups[0].C)
	for i := range downs {
		for k, v := range downs[i].Data {
			down.Data[k] += v
		}
		for k, v := range ups[i].Data {
			up.Data[k] += v
		}
	}
	n := float32(len(ups))
	for k := range up.Data {
		up.Data[k] /= n
	}
	return down, up
}

// mergeBias folds each contributor's factor into its bias, since the merged
// layer has factor 1.
func (o *options) mergeBias(id string, cs []contributor) (*Tensor, error) {
	var sum []float32
	for _, c := range cs {
		if c.layer.Bias == nil {
			continue
		}
		b, err := o.decode(id+" bias", c.layer.Bias)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = make([]float32, len(b))
		}
		f := c.strength * c.layer.Factor()
		for i, v := range b {
			sum[i] += f * v
		}
	}
	if sum == nil {
		return nil, nil
	}
	return FromFloat32([]int{len(sum)}, sum), nil
}
