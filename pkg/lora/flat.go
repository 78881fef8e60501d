package lora

import (
	"encoding/binary"
	"maps"
	"math"
	"slices"
)

// FlatResult is a converted flat tensor map together with its sidecar.
type FlatResult struct {
	Tensors map[string]*Tensor
	Sidecar *Sidecar
	// Layers counts converted layers: packed modules or dense layers.
	Layers int
	Report Report
}

func sortedNames(weights map[string]*Tensor) []string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// scalarValue reads a one-element float tensor, accepting F64 as well since
// some trainers store alpha that way.
func scalarValue(name string, t *Tensor) (float32, error) {
	if t.NumElements() != 1 {
		return 0, shapeErrorf(name, "expected a scalar, got shape %v", t.Shape())
	}
	if t.DType() == DTypeF64 {
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(t.Bytes()))), nil
	}
	v, err := t.Float32s()
	if err != nil {
		return 0, &UnsupportedDtypeError{Name: name, DType: t.DType()}
	}
	return v[0], nil
}

// ParseDense groups a dense tensor map into adapter layers. Layers without an
// alpha tensor get alpha = rank, so their factor is 1. Names the topology does
// not know fail in strict mode; in permissive mode they are listed in
// Report.Passthrough.
func ParseDense(weights map[string]*Tensor, opts ...Option) (AdapterSet, *Report, error) {
	o, m, err := newOptions(opts)
	if err != nil {
		return nil, nil, err
	}
	rep := &Report{}
	type parts struct {
		down, up, bias *Tensor
		alpha          *float32
		bad            bool
	}
	byLayer := make(map[string]*parts)
	for _, name := range sortedNames(weights) {
		t := weights[name]
		ref, err := m.ResolveDense(name)
		if err != nil {
			if o.policy == PolicyStrict {
				return nil, nil, err
			}
			rep.Passthrough = append(rep.Passthrough, name)
			rep.skip(name, err)
			continue
		}
		p := byLayer[ref.LayerID]
		if p == nil {
			p = &parts{}
			byLayer[ref.LayerID] = p
		}
		switch ref.Role {
		case RoleDown:
			p.down = t
		case RoleUp:
			p.up = t
		case RoleBias:
			p.bias = t
		case RoleScale:
			v, err := scalarValue(name, t)
			if err != nil {
				if err := o.fail(rep, ref.LayerID, err); err != nil {
					return nil, nil, err
				}
				p.bad = true
				continue
			}
			p.alpha = &v
		}
	}

	set := make(AdapterSet, len(byLayer))
	for id, p := range byLayer {
		if p.bad {
			continue
		}
		if p.down == nil || p.up == nil {
			if err := o.fail(rep, id, shapeErrorf(id, "needs both down and up factors")); err != nil {
				return nil, nil, err
			}
			continue
		}
		l := &AdapterLayer{LayerID: id, Rank: p.down.Dim(0), Down: p.down, Up: p.up, Bias: p.bias}
		l.Alpha = float32(l.Rank)
		if p.alpha != nil {
			l.Alpha = *p.alpha
		}
		if err := l.Validate(); err != nil {
			if err := o.fail(rep, id, err); err != nil {
				return nil, nil, err
			}
			continue
		}
		set[id] = l
	}
	rep.sort()
	return set, rep, nil
}

// FlattenDense renders an adapter set with the canonical dense names.
func FlattenDense(set AdapterSet, opts ...Option) (map[string]*Tensor, error) {
	o, m, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Tensor, len(set)*3)
	for _, id := range set.LayerIDs() {
		l := set[id]
		if _, ok := m.Layer(id); !ok {
			return nil, &UnknownLayerError{Name: id}
		}
		put := func(role Role, t *Tensor) error {
			if t == nil {
				return nil
			}
			t, err := o.emit(t)
			if err != nil {
				return err
			}
			out[m.DenseName(TensorRef{LayerID: id, Role: role})] = t
			return nil
		}
		if err := put(RoleDown, l.Down); err != nil {
			return nil, err
		}
		if err := put(RoleUp, l.Up); err != nil {
			return nil, err
		}
		if err := put(RoleBias, l.Bias); err != nil {
			return nil, err
		}
		out[m.DenseName(TensorRef{LayerID: id, Role: RoleScale})] = Scalar(l.Alpha)
	}
	return out, nil
}

// ParsePacked groups a packed tensor map into layers. sc may be nil, in which
// case rank and parts are unknown and the layout comes from WithLayout.
func ParsePacked(weights map[string]*Tensor, sc *Sidecar, opts ...Option) (map[string]*PackedLayer, *Report, error) {
	o, m, err := newOptions(opts)
	if err != nil {
		return nil, nil, err
	}
	if sc != nil {
		if err := sc.check(m.Topology()); err != nil {
			return nil, nil, err
		}
	}
	rep := &Report{}
	layers := make(map[string]*PackedLayer)
	for _, name := range sortedNames(weights) {
		t := weights[name]
		ref, err := m.ResolvePacked(name)
		if err != nil {
			if o.policy == PolicyStrict {
				return nil, nil, err
			}
			rep.Passthrough = append(rep.Passthrough, name)
			rep.skip(name, err)
			continue
		}
		pl := layers[ref.LayerID]
		if pl == nil {
			pl = &PackedLayer{Name: ref.LayerID, Layout: o.layout}
			if sc != nil {
				if meta, ok := sc.Layers[ref.LayerID]; ok {
					pl.Rank = meta.Rank
					pl.RankPadded = meta.RankPadded
					pl.Parts = meta.Parts
					if meta.Layout != "" {
						pl.Layout = meta.Layout
					}
				}
			}
			layers[ref.LayerID] = pl
		}
		switch ref.Role {
		case RoleDown:
			pl.Down = t
			if pl.RankPadded == 0 && t.NDim() == 2 {
				pl.RankPadded = t.Dim(0)
			}
		case RoleUp:
			pl.Up = t
		case RoleScale:
			pl.Scale = t
		case RoleBias:
			pl.Bias = t
		}
	}
	rep.sort()
	return layers, rep, nil
}

// FlattenPacked renders packed layers with their engine names.
func FlattenPacked(layers map[string]*PackedLayer) map[string]*Tensor {
	out := make(map[string]*Tensor, len(layers)*4)
	for name, pl := range layers {
		put := func(role Role, t *Tensor) {
			if t != nil {
				out[name+packedEmit[role]] = t
			}
		}
		put(RoleDown, pl.Down)
		put(RoleUp, pl.Up)
		put(RoleScale, pl.Scale)
		put(RoleBias, pl.Bias)
	}
	return out
}

// ConvertToNunchakuFluxLowrankDict converts a flat dense FLUX.1 adapter into
// flat nunchaku tensors. Any topology option is overridden with the built-in
// FLUX.1 table. Input that is already packed is returned unchanged with a
// warning. Unknown tensors are copied through in permissive mode.
func ConvertToNunchakuFluxLowrankDict(weights map[string]*Tensor, meta BaseQuantMetadata, strength float32, opts ...Option) (*FlatResult, error) {
	opts = append(slices.Clone(opts), WithTopology(FluxTopology()))
	return ConvertToNunchaku(weights, meta, strength, opts...)
}

// ConvertToNunchaku is ConvertToNunchakuFluxLowrankDict for any topology.
func ConvertToNunchaku(weights map[string]*Tensor, meta BaseQuantMetadata, strength float32, opts ...Option) (*FlatResult, error) {
	o, m, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	if Detect(weights, o.tileSize) == FormatPacked {
		res := &FlatResult{Tensors: maps.Clone(weights)}
		res.Report.warnf("input is already in %s format", FormatPacked)
		return res, nil
	}
	set, rep, err := ParseDense(weights, opts...)
	if err != nil {
		return nil, err
	}
	packed, err := ToNunchaku([]Weighted{{Set: set, Strength: strength}}, meta, opts...)
	if err != nil {
		return nil, err
	}
	res := &FlatResult{
		Tensors: FlattenPacked(packed.Layers),
		Sidecar: NewSidecar(m.Topology(), o.tileSize, packed.Layers),
		Layers:  len(packed.Layers),
	}
	for _, name := range rep.Passthrough {
		res.Tensors[name] = weights[name]
	}
	res.Report.merge(*rep)
	res.Report.merge(packed.Report)
	res.Report.sort()
	return res, nil
}

// ConvertToDiffusers unpacks a flat nunchaku tensor map into flat dense
// tensors. The sidecar, when present, fixes the tile size.
func ConvertToDiffusers(weights map[string]*Tensor, sc *Sidecar, opts ...Option) (*FlatResult, error) {
	if sc != nil && sc.TileSize > 0 {
		opts = append(slices.Clone(opts), WithTileSize(sc.TileSize))
	}
	layers, rep, err := ParsePacked(weights, sc, opts...)
	if err != nil {
		return nil, err
	}
	un, err := ToDiffusers(layers, opts...)
	if err != nil {
		return nil, err
	}
	tensors, err := FlattenDense(un.Set, opts...)
	if err != nil {
		return nil, err
	}
	for _, name := range rep.Passthrough {
		tensors[name] = weights[name]
	}
	res := &FlatResult{Tensors: tensors, Layers: len(un.Set)}
	res.Report.merge(*rep)
	res.Report.merge(un.Report)
	res.Report.sort()
	return res, nil
}

