package lora

import (
	"strings"
	"sync"
)

// Role is the part a tensor plays within one adapter layer.
type Role string

const (
	RoleDown  Role = "down"
	RoleUp    Role = "up"
	RoleScale Role = "scale"
	RoleBias  Role = "bias"
)

// TensorRef is a resolved tensor name.
type TensorRef struct {
	LayerID string
	Role    Role
}

type suffixRule struct {
	suffix string
	role   Role
}

// Suffix tables, longest match first. The first entry per role is the one
// emitted when writing names.
var (
	denseSuffixes = []suffixRule{
		{".lora_down.weight", RoleDown},
		{".lora_up.weight", RoleUp},
		{".lora_A.weight", RoleDown},
		{".lora_B.weight", RoleUp},
		{".lora_B.bias", RoleBias},
		{".alpha", RoleScale},
	}
	packedSuffixes = []suffixRule{
		{".lora_scale", RoleScale},
		{".lora_down", RoleDown},
		{".lora_bias", RoleBias},
		{".lora_up", RoleUp},
	}
	denseEmit = map[Role]string{
		RoleDown:  ".lora_A.weight",
		RoleUp:    ".lora_B.weight",
		RoleScale: ".alpha",
		RoleBias:  ".lora_B.bias",
	}
	packedEmit = map[Role]string{
		RoleDown:  ".lora_down",
		RoleUp:    ".lora_up",
		RoleScale: ".lora_scale",
		RoleBias:  ".lora_bias",
	}
)

// Mapper is the bidirectional name table for one topology. Dense tensors
// resolve to dense layer IDs, packed tensors to packed module names; the
// compiled bindings connect the two.
type Mapper struct {
	topo *Topology
	c    *compiled
}

var (
	fluxMapperOnce sync.Once
	fluxMapper     *Mapper
)

// NewMapper compiles a topology into a mapper.
func NewMapper(t *Topology) (*Mapper, error) {
	if t == FluxTopology() {
		fluxMapperOnce.Do(func() {
			c, err := compileTopology(t)
			if err != nil {
				panic(err)
			}
			fluxMapper = &Mapper{topo: t, c: c}
		})
		return fluxMapper, nil
	}
	c, err := compileTopology(t)
	if err != nil {
		return nil, err
	}
	return &Mapper{topo: t, c: c}, nil
}

func (m *Mapper) Topology() *Topology { return m.topo }

func splitSuffix(name string, rules []suffixRule) (string, Role, bool) {
	for _, r := range rules {
		if base, ok := strings.CutSuffix(name, r.suffix); ok && base != "" {
			return base, r.role, true
		}
	}
	return "", "", false
}

func (m *Mapper) stripDensePrefix(name string) string {
	for _, p := range m.topo.DensePrefixes {
		if rest, ok := strings.CutPrefix(name, p); ok {
			return rest
		}
	}
	return name
}

// ResolveDense resolves a dense tensor name such as
// "transformer.transformer_blocks.0.attn.to_q.lora_A.weight".
func (m *Mapper) ResolveDense(name string) (TensorRef, error) {
	base, role, ok := splitSuffix(name, denseSuffixes)
	if !ok {
		return TensorRef{}, &UnknownLayerError{Name: name}
	}
	id := m.stripDensePrefix(base)
	if _, ok := m.c.dense[id]; !ok {
		return TensorRef{}, &UnknownLayerError{Name: name}
	}
	return TensorRef{LayerID: id, Role: role}, nil
}

// ResolvePacked resolves a packed tensor name such as
// "transformer_blocks.0.qkv_proj.lora_down". LayerID is the module name.
func (m *Mapper) ResolvePacked(name string) (TensorRef, error) {
	base, role, ok := splitSuffix(name, packedSuffixes)
	if !ok {
		return TensorRef{}, &UnknownLayerError{Name: name}
	}
	if _, ok := m.c.modules[base]; !ok {
		return TensorRef{}, &UnknownLayerError{Name: name}
	}
	return TensorRef{LayerID: base, Role: role}, nil
}

func (m *Mapper) Resolve(name string, f Format) (TensorRef, error) {
	if f == FormatPacked {
		return m.ResolvePacked(name)
	}
	return m.ResolveDense(name)
}

// DenseName is the inverse of ResolveDense.
func (m *Mapper) DenseName(ref TensorRef) string {
	prefix := ""
	if len(m.topo.DensePrefixes) > 0 {
		prefix = m.topo.DensePrefixes[0]
	}
	return prefix + ref.LayerID + denseEmit[ref.Role]
}

// PackedName is the inverse of ResolvePacked.
func (m *Mapper) PackedName(ref TensorRef) string {
	return ref.LayerID + packedEmit[ref.Role]
}

func (m *Mapper) Module(name string) (*PackedModule, bool) {
	mod, ok := m.c.modules[name]
	return mod, ok
}

func (m *Mapper) Layer(id string) (*DenseLayer, bool) {
	l, ok := m.c.dense[id]
	return l, ok
}

// ModuleNames lists packed modules in topology order.
func (m *Mapper) ModuleNames() []string {
	return append([]string(nil), m.c.order...)
}
