package lora

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// PartInfo records where one dense layer lives inside a packed module.
type PartInfo struct {
	LayerID    string  `json:"layer"`
	Rank       int     `json:"rank"`
	RankOffset int     `json:"rank_offset"`
	Alpha      float32 `json:"alpha"`
	OutOffset  int     `json:"out_offset"`
	OutSize    int     `json:"out_size"`
	InOffset   int     `json:"in_offset,omitempty"`
	InSize     int     `json:"in_size"`
	Bias       bool    `json:"bias,omitempty"`
}

// PackedLayer is one engine module in nunchaku layout.
//
//	Down  [RankPadded, In]
//	Up    [Out, RankPadded]
//	Scale [Out]   factor / channel scale per output row
//	Bias  [Out]   optional, already multiplied by the factor
//
// Rank and Parts are zero when the layer was loaded without a sidecar.
type PackedLayer struct {
	Name       string
	Rank       int
	RankPadded int
	Down       *Tensor
	Up         *Tensor
	Scale      *Tensor
	Bias       *Tensor
	Layout     Layout
	Parts      []PartInfo
}

// PackResult is the output of ToNunchaku.
type PackResult struct {
	Layers map[string]*PackedLayer
	Report Report
}

// ToNunchaku merges the weighted adapters and packs every touched engine
// module. meta supplies the base quantization of each quantized module and
// may be nil when only unquantized modules are touched.
func ToNunchaku(adapters []Weighted, meta BaseQuantMetadata, opts ...Option) (*PackResult, error) {
	o, m, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		o.base = meta
	}
	res := &PackResult{Layers: make(map[string]*PackedLayer)}

	// Drop layers the topology cannot place before merging so that permissive
	// runs still merge everything else.
	clean := make([]Weighted, 0, len(adapters))
	for _, a := range adapters {
		set := make(AdapterSet, len(a.Set))
		for _, id := range a.Set.LayerIDs() {
			l := a.Set[id]
			if err := checkLayer(m, id, l); err != nil {
				if err := o.fail(&res.Report, id, err); err != nil {
					return nil, err
				}
				continue
			}
			set[id] = l
		}
		clean = append(clean, Weighted{Set: set, Strength: a.Strength})
	}

	merged, err := Merge(clean, opts...)
	if err != nil {
		return nil, err
	}

	var mods []*PackedModule
	for _, name := range m.ModuleNames() {
		mod, _ := m.Module(name)
		for _, b := range mod.Sources {
			if merged[b.LayerID] != nil {
				mods = append(mods, mod)
				break
			}
		}
	}

	out := make([]*PackedLayer, len(mods))
	errs := make([]error, len(mods))
	var done atomic.Int64

	// Every job runs to completion so strict mode reports the first failure
	// in module order, independent of scheduling.
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, mod := range mods {
		g.Go(func() error {
			out[i], errs[i] = o.packModule(mod, merged)
			if o.progress != nil {
				o.progress(int(done.Add(1)), len(mods))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, mod := range mods {
		if errs[i] != nil {
			if err := o.fail(&res.Report, mod.Name, errs[i]); err != nil {
				return nil, err
			}
			continue
		}
		if out[i] != nil {
			res.Layers[mod.Name] = out[i]
		}
	}
	res.Report.sort()
	o.log.Info("packed adapter", "modules", len(res.Layers), "skipped", len(res.Report.Skipped))
	return res, nil
}

func checkLayer(m *Mapper, id string, l *AdapterLayer) error {
	dl, ok := m.Layer(id)
	if !ok {
		return &UnknownLayerError{Name: id}
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if l.InFeatures() != dl.In || l.OutFeatures() != dl.Out {
		return shapeErrorf(id, "factors are [%d %d], layer is [%d %d]", l.OutFeatures(), l.InFeatures(), dl.Out, dl.In)
	}
	return nil
}

func (o *options) packModule(mod *PackedModule, set AdapterSet) (*PackedLayer, error) {
	ch, err := o.channelScales(mod)
	if err != nil {
		return nil, err
	}

	rank := 0
	for _, b := range mod.Sources {
		if l := set[b.LayerID]; l != nil {
			rank += l.Rank
		}
	}
	al := Aligner{Tile: o.tileSize}
	padded := al.PaddedRank(rank)
	if o.maxRank > 0 && padded > o.maxRank {
		return nil, &RankExceededError{Layer: mod.Name, Rank: rank, Max: o.maxRank}
	}

	down := tensor.NewMat(padded, mod.In)
	up := tensor.NewMat(mod.Out, padded)
	scale := make([]float32, mod.Out)
	var bias []float32
	parts := make([]PartInfo, 0, len(mod.Sources))

	off := 0
	for _, b := range mod.Sources {
		l := set[b.LayerID]
		if l == nil {
			continue
		}
		d, err := o.mat(b.LayerID+" down", l.Down)
		if err != nil {
			return nil, err
		}
		u, err := o.mat(b.LayerID+" up", l.Up)
		if err != nil {
			return nil, err
		}
		tensor.Place(down, tensor.SliceCols(d, b.InOffset, b.InOffset+b.InSize), off, 0)
		tensor.Place(up, u, b.OutOffset, off)

		f := l.Factor()
		for r := b.OutOffset; r < b.OutOffset+b.OutSize; r++ {
			scale[r] = f / ch[r]
		}

		p := PartInfo{
			LayerID:    b.LayerID,
			Rank:       l.Rank,
			RankOffset: off,
			Alpha:      l.Alpha,
			OutOffset:  b.OutOffset,
			OutSize:    b.OutSize,
			InOffset:   b.InOffset,
			InSize:     b.InSize,
		}
		// A split layer's bias belongs to the output once, not to every part.
		if l.Bias != nil && (mod.Kind != RuleSplitInput || b.InOffset == 0) {
			bv, err := o.decode(b.LayerID+" bias", l.Bias)
			if err != nil {
				return nil, err
			}
			if bias == nil {
				bias = make([]float32, mod.Out)
			}
			for i, v := range bv {
				bias[b.OutOffset+i] = f * v
			}
			p.Bias = true
		}
		parts = append(parts, p)
		off += l.Rank
	}

	if down, err = o.layout.apply(mod.Name+".lora_down", down, o.tileSize); err != nil {
		return nil, err
	}
	if up, err = o.layout.apply(mod.Name+".lora_up", up, o.tileSize); err != nil {
		return nil, err
	}

	pl := &PackedLayer{
		Name:       mod.Name,
		Rank:       rank,
		RankPadded: padded,
		Scale:      FromFloat32([]int{mod.Out}, scale),
		Layout:     o.layout,
		Parts:      parts,
	}
	if pl.Down, err = o.emit(FromMat(down)); err != nil {
		return nil, err
	}
	if pl.Up, err = o.emit(FromMat(up)); err != nil {
		return nil, err
	}
	if bias != nil {
		if pl.Bias, err = o.emit(FromFloat32([]int{mod.Out}, bias)); err != nil {
			return nil, err
		}
	}
	o.log.Debug("packed module", "module", mod.Name, "rank", rank, "rank_padded", padded, "parts", len(parts))
	return pl, nil
}
