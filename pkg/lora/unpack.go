package lora

import (
	"errors"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// UnpackResult is the output of ToDiffusers.
type UnpackResult struct {
	Set    AdapterSet
	Report Report
}

// piece is one dense layer recovered from one packed module. up already has
// any per-row scale variation folded in, so delta = factor * up @ down.
type piece struct {
	b      Binding
	down   tensor.Mat // [r, b.InSize]
	up     tensor.Mat // [b.OutSize, r]
	factor float32
	alpha  float32
	bias   []float32 // effective, nil when absent
}

type unpacked struct {
	pieces   []piece
	warnings []string
}

// ToDiffusers converts packed layers back to dense adapters. Fused modules are
// split into their sub-layers and split modules are joined again. The scale
// divides out exactly when the layers carry part metadata; otherwise the
// factor is recovered from the scale tensor and, for quantized modules, the
// channel scales supplied through WithBaseMetadata.
func ToDiffusers(packed map[string]*PackedLayer, opts ...Option) (*UnpackResult, error) {
	o, m, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	res := &UnpackResult{Set: make(AdapterSet)}

	names := make([]string, 0, len(packed))
	for name := range packed {
		names = append(names, name)
	}
	slices.Sort(names)

	type job struct {
		mod *PackedModule
		pl  *PackedLayer
	}
	var jobs []job
	for _, name := range names {
		mod, ok := m.Module(name)
		if !ok {
			if err := o.fail(&res.Report, name, &UnknownLayerError{Name: name}); err != nil {
				return nil, err
			}
			continue
		}
		jobs = append(jobs, job{mod: mod, pl: packed[name]})
	}

	out := make([]unpacked, len(jobs))
	errs := make([]error, len(jobs))
	var done atomic.Int64

	// Every job runs to completion so strict mode reports the first failure
	// in module order, independent of scheduling.
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, j := range jobs {
		g.Go(func() error {
			out[i], errs[i] = o.unpackModule(j.mod, j.pl)
			if o.progress != nil {
				o.progress(int(done.Add(1)), len(jobs))
			}
			return nil
		})
	}
	_ = g.Wait()

	byLayer := make(map[string][]piece)
	for i, j := range jobs {
		if errs[i] != nil {
			if err := o.fail(&res.Report, j.mod.Name, errs[i]); err != nil {
				return nil, err
			}
			continue
		}
		res.Report.Warnings = append(res.Report.Warnings, out[i].warnings...)
		for _, p := range out[i].pieces {
			byLayer[p.b.LayerID] = append(byLayer[p.b.LayerID], p)
		}
	}

	for id, ps := range byLayer {
		dl, _ := m.Layer(id)
		l, err := o.assemble(dl, ps)
		if err != nil {
			if err := o.fail(&res.Report, id, err); err != nil {
				return nil, err
			}
			continue
		}
		res.Set[id] = l
	}
	res.Report.sort()
	o.log.Info("unpacked adapter", "layers", len(res.Set), "skipped", len(res.Report.Skipped))
	return res, nil
}

func (o *options) unpackModule(mod *PackedModule, pl *PackedLayer) (unpacked, error) {
	var res unpacked
	if pl == nil || pl.Down == nil || pl.Up == nil || pl.Scale == nil {
		return res, shapeErrorf(mod.Name, "packed layer needs down, up and scale")
	}
	down, err := o.mat(mod.Name+".lora_down", pl.Down)
	if err != nil {
		return res, err
	}
	up, err := o.mat(mod.Name+".lora_up", pl.Up)
	if err != nil {
		return res, err
	}
	scale, err := o.decode(mod.Name+".lora_scale", pl.Scale)
	if err != nil {
		return res, err
	}
	if down.C != mod.In || up.R != mod.Out || down.R != up.C || len(scale) != mod.Out {
		return res, shapeErrorf(mod.Name, "down [%d %d], up [%d %d], scale %d do not fit module [%d %d]",
			down.R, down.C, up.R, up.C, len(scale), mod.Out, mod.In)
	}
	var bias []float32
	if pl.Bias != nil {
		if bias, err = o.decode(mod.Name+".lora_bias", pl.Bias); err != nil {
			return res, err
		}
		if len(bias) != mod.Out {
			return res, shapeErrorf(mod.Name, "bias has %d values for %d outputs", len(bias), mod.Out)
		}
	}

	layout := pl.Layout
	if layout == "" {
		layout = o.layout
	}
	if err := layout.validate(); err != nil {
		return res, err
	}
	if down, err = layout.undo(mod.Name+".lora_down", down, o.tileSize); err != nil {
		return res, err
	}
	if up, err = layout.undo(mod.Name+".lora_up", up, o.tileSize); err != nil {
		return res, err
	}

	al := Aligner{Tile: o.tileSize}
	rank := pl.Rank
	if rank == 0 {
		for _, p := range pl.Parts {
			rank = max(rank, p.RankOffset+p.Rank)
		}
	}
	if rank > 0 {
		d, u, err := al.Unpad(mod.Name, down, up, rank)
		var mp *MalformedPaddingError
		switch {
		case errors.As(err, &mp) && !o.strictPad:
			res.warnings = append(res.warnings, mp.Error())
			o.log.Warn("non-zero padding truncated", "module", mod.Name, "rank", rank)
			down, up = tensor.SliceRows(down, 0, rank), tensor.SliceCols(up, 0, rank)
		case err != nil:
			return res, err
		default:
			down, up = d, u
		}
	} else {
		var half int
		down, up, half = al.Trim(down, up)
		if half > 0 {
			res.warnings = append(res.warnings, mod.Name+": trailing rank component is zero on one side only")
			o.log.Warn("padding is zero on one side only", "module", mod.Name)
		}
	}

	if len(pl.Parts) > 0 {
		res.pieces, err = partsFromMeta(mod, pl.Parts, down, up, bias)
	} else {
		res.pieces, err = o.partsFromScale(mod, down, up, scale, bias)
	}
	return res, err
}

func partsFromMeta(mod *PackedModule, parts []PartInfo, down, up tensor.Mat, bias []float32) ([]piece, error) {
	var out []piece
	for _, p := range parts {
		b, ok := sourceFor(mod, p.LayerID)
		if !ok {
			return nil, &UnknownLayerError{Name: p.LayerID}
		}
		if p.Rank <= 0 || p.RankOffset < 0 || p.RankOffset+p.Rank > down.R {
			return nil, shapeErrorf(mod.Name, "part %s rank [%d, %d) outside rank %d", p.LayerID, p.RankOffset, p.RankOffset+p.Rank, down.R)
		}
		pc := piece{
			b:      b,
			down:   tensor.SliceRows(down, p.RankOffset, p.RankOffset+p.Rank),
			up:     tensor.SliceCols(tensor.SliceRows(up, b.OutOffset, b.OutOffset+b.OutSize), p.RankOffset, p.RankOffset+p.Rank),
			alpha:  p.Alpha,
			factor: p.Alpha / float32(p.Rank),
		}
		if p.Bias && bias != nil {
			pc.bias = slices.Clone(bias[b.OutOffset : b.OutOffset+b.OutSize])
		}
		out = append(out, pc)
	}
	return out, nil
}

// partsFromScale recovers each source from the scale tensor alone. The rank
// components of a source are the up columns that are non-zero in its rows.
func (o *options) partsFromScale(mod *PackedModule, down, up tensor.Mat, scale, bias []float32) ([]piece, error) {
	ch, err := o.channelScales(mod)
	if err != nil {
		return nil, err
	}
	var out []piece
	for _, b := range mod.Sources {
		rows := tensor.SliceRows(up, b.OutOffset, b.OutOffset+b.OutSize)
		var cols []int
		for j := 0; j < rows.C; j++ {
			if !tensor.IsZeroCol(rows, j) {
				cols = append(cols, j)
			}
		}
		var eff []float32
		if bias != nil && (mod.Kind != RuleSplitInput || b.InOffset == 0) {
			eff = slices.Clone(bias[b.OutOffset : b.OutOffset+b.OutSize])
			if isZero(eff) {
				eff = nil
			}
		}
		if len(cols) == 0 && eff == nil {
			continue
		}

		// The mean row factor becomes alpha/rank; per-row deviations from it
		// are folded into up.
		var sum float64
		rowFactor := make([]float32, b.OutSize)
		for i := range rowFactor {
			rowFactor[i] = scale[b.OutOffset+i] * ch[b.OutOffset+i]
			sum += float64(rowFactor[i])
		}
		f := float32(sum / float64(b.OutSize))
		if f == 0 {
			continue
		}
		u := tensor.SelectCols(rows, cols)
		for i, rf := range rowFactor {
			if rf == f {
				continue
			}
			k := rf / f
			r := u.Row(i)
			for j := range r {
				r[j] *= k
			}
		}
		d := tensor.NewMat(len(cols), down.C)
		for i, c := range cols {
			copy(d.Row(i), down.Row(c))
		}
		out = append(out, piece{
			b:      b,
			down:   d,
			up:     u,
			factor: f,
			alpha:  f * float32(len(cols)),
			bias:   eff,
		})
	}
	return out, nil
}

func sourceFor(mod *PackedModule, id string) (Binding, bool) {
	for _, b := range mod.Sources {
		if b.LayerID == id {
			return b, true
		}
	}
	return Binding{}, false
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// assemble turns the pieces recovered for one dense layer into an adapter
// layer. Simple and fused layers have exactly one piece; split layers have
// one per target module that carried the layer.
func (o *options) assemble(dl *DenseLayer, ps []piece) (*AdapterLayer, error) {
	slices.SortFunc(ps, func(a, b piece) int { return a.b.InOffset - b.b.InOffset })

	var (
		down, up tensor.Mat
		alpha    float32
		factor   float32
	)
	switch {
	case len(ps) == 1 && len(dl.Targets) == 1:
		down, up, alpha, factor = ps[0].down, ps[0].up, ps[0].alpha, ps[0].factor
	case sharedFactors(dl, ps):
		parts := make([]tensor.Mat, len(ps))
		for i, p := range ps {
			parts[i] = p.down
		}
		down, up, alpha, factor = tensor.HStack(parts...), ps[0].up, ps[0].alpha, ps[0].factor
	default:
		// Block-diagonal join: each target keeps its own rank components,
		// zero outside its input slice, with its factor folded into up.
		rank := 0
		for _, p := range ps {
			rank += p.down.R
		}
		down = tensor.NewMat(rank, dl.In)
		ups := make([]tensor.Mat, len(ps))
		off := 0
		for i, p := range ps {
			tensor.Place(down, p.down, off, p.b.InOffset)
			ups[i] = p.up.Scaled(p.factor)
			off += p.down.R
		}
		up = tensor.HStack(ups...)
		alpha, factor = float32(rank), 1
	}

	l := &AdapterLayer{LayerID: dl.ID, Rank: down.R, Alpha: alpha}
	if l.Rank == 0 {
		// Bias-only layer: keep a single zero component so the factors stay
		// well formed.
		down, up = tensor.NewMat(1, dl.In), tensor.NewMat(dl.Out, 1)
		l.Rank, l.Alpha, factor = 1, 1, 1
	}
	var err error
	if l.Down, err = o.emit(FromMat(down)); err != nil {
		return nil, err
	}
	if l.Up, err = o.emit(FromMat(up)); err != nil {
		return nil, err
	}

	var bias []float32
	for _, p := range ps {
		if p.bias == nil {
			continue
		}
		if bias == nil {
			bias = make([]float32, dl.Out)
		}
		for i, v := range p.bias {
			bias[i] += v
		}
	}
	if bias != nil && factor != 0 {
		for i := range bias {
			bias[i] /= factor
		}
		if l.Bias, err = o.emit(FromFloat32([]int{dl.Out}, bias)); err != nil {
			return nil, err
		}
	}
	return l, l.Validate()
}

// sharedFactors reports whether every target of a split layer carries the
// same rank components, which lets the input slices be concatenated back
// into one down factor without growing the rank.
func sharedFactors(dl *DenseLayer, ps []piece) bool {
	if len(ps) != len(dl.Targets) {
		return false
	}
	for i, p := range ps {
		if p.b.InOffset != dl.Targets[i].InOffset {
			return false
		}
		if i == 0 {
			continue
		}
		if p.factor != ps[0].factor || p.alpha != ps[0].alpha || !tensor.Equal(p.up, ps[0].up) {
			return false
		}
	}
	return true
}
