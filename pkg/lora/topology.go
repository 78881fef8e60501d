package lora

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleKind selects how dense layers feed a packed module.
type RuleKind string

const (
	// RuleSimple maps one dense layer onto one packed module.
	RuleSimple RuleKind = "simple"
	// RuleFusedOutput stacks several dense layers along the output dimension.
	RuleFusedOutput RuleKind = "fused_output"
	// RuleSplitInput splits one dense layer's input across several packed modules.
	RuleSplitInput RuleKind = "split_input"
)

// Topology describes how a model's dense adapter layers map onto the packed
// modules of the quantized engine. It is configuration, not code: the same
// table drives both conversion directions.
type Topology struct {
	Name     string `yaml:"name"`
	Version  int    `yaml:"version"`
	TileSize int    `yaml:"tile_size"`
	MaxRank  int    `yaml:"max_rank"`

	// DensePrefixes are stripped from dense tensor names before lookup. The
	// first entry is used when emitting dense names.
	DensePrefixes []string `yaml:"dense_prefixes"`

	Blocks []BlockGroup `yaml:"blocks"`
}

// BlockGroup repeats its modules Count times under "<prefix>.<i>.". With
// Count 0 the modules are emitted once under the prefix (or bare if empty).
type BlockGroup struct {
	DensePrefix  string       `yaml:"dense_prefix"`
	PackedPrefix string       `yaml:"packed_prefix"`
	Count        int          `yaml:"count"`
	Modules      []ModuleRule `yaml:"modules"`
}

// ModuleRule is one entry of a block. For simple and fused_output rules
// Packed names the module and In is its input size; simple rules use Dense
// and Out directly, fused rules list their sub-layers in Parts with Size as
// the output rows. For split_input rules Dense names the layer, Out is its
// output size and each part names a packed module with Size input columns.
type ModuleRule struct {
	Kind      RuleKind   `yaml:"kind"`
	Packed    string     `yaml:"packed,omitempty"`
	Dense     string     `yaml:"dense,omitempty"`
	In        int        `yaml:"in,omitempty"`
	Out       int        `yaml:"out,omitempty"`
	Quantized bool       `yaml:"quantized"`
	Parts     []PartRule `yaml:"parts,omitempty"`
}

type PartRule struct {
	Dense     string `yaml:"dense,omitempty"`
	Packed    string `yaml:"packed,omitempty"`
	Size      int    `yaml:"size"`
	Quantized *bool  `yaml:"quantized,omitempty"`
}

//go:embed topologies/flux.yaml
var fluxYAML []byte

var (
	fluxOnce sync.Once
	fluxTopo *Topology
	fluxErr  error
)

// FluxTopology returns the built-in FLUX.1 transformer table. The returned
// value is shared and must not be modified.
func FluxTopology() *Topology {
	fluxOnce.Do(func() {
		fluxTopo, fluxErr = ParseTopology(fluxYAML)
	})
	if fluxErr != nil {
		panic(fmt.Sprintf("lora: embedded flux topology: %v", fluxErr))
	}
	return fluxTopo
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("lora: parse topology: %w", err)
	}
	if _, err := compileTopology(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTopology reads a YAML topology file. The names "flux" and "flux.1"
// resolve to the built-in table.
func LoadTopology(path string) (*Topology, error) {
	switch path {
	case "", "flux", "flux.1":
		return FluxTopology(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTopology(data)
}

// Binding ties a slice of a dense layer to a slice of a packed module: the
// dense input columns [InOffset, InOffset+InSize) feed the whole module input
// and the dense output rows land at module rows [OutOffset, OutOffset+OutSize).
type Binding struct {
	LayerID   string
	Module    string
	InOffset  int
	InSize    int
	OutOffset int
	OutSize   int
}

// PackedModule is a compiled engine module.
type PackedModule struct {
	Name      string
	Kind      RuleKind
	In, Out   int
	Quantized bool
	Sources   []Binding
}

// DenseLayer is a compiled dense adapter attachment point.
type DenseLayer struct {
	ID      string
	In, Out int
	Targets []Binding
}

type compiled struct {
	modules map[string]*PackedModule
	order   []string
	dense   map[string]*DenseLayer
}

func compileTopology(t *Topology) (*compiled, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("lora: topology: missing name")
	}
	if t.TileSize < 0 || t.MaxRank < 0 {
		return nil, fmt.Errorf("lora: topology %s: negative tile size or max rank", t.Name)
	}
	c := &compiled{
		modules: make(map[string]*PackedModule),
		dense:   make(map[string]*DenseLayer),
	}
	for gi, g := range t.Blocks {
		n := max(g.Count, 1)
		for i := range n {
			densePrefix := blockPrefix(g.DensePrefix, g.Count, i)
			packedPrefix := blockPrefix(g.PackedPrefix, g.Count, i)
			for ri, r := range g.Modules {
				if err := c.addRule(densePrefix, packedPrefix, r); err != nil {
					return nil, fmt.Errorf("lora: topology %s: block %d rule %d: %w", t.Name, gi, ri, err)
				}
			}
		}
	}
	return c, nil
}

func blockPrefix(prefix string, count, i int) string {
	if count == 0 {
		return prefix
	}
	return fmt.Sprintf("%s.%d", prefix, i)
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func (c *compiled) addModule(m *PackedModule) error {
	if _, dup := c.modules[m.Name]; dup {
		return fmt.Errorf("duplicate packed module %q", m.Name)
	}
	c.modules[m.Name] = m
	c.order = append(c.order, m.Name)
	return nil
}

func (c *compiled) addDense(d *DenseLayer) error {
	if _, dup := c.dense[d.ID]; dup {
		return fmt.Errorf("duplicate dense layer %q", d.ID)
	}
	c.dense[d.ID] = d
	return nil
}

func (c *compiled) addRule(densePrefix, packedPrefix string, r ModuleRule) error {
	switch r.Kind {
	case RuleSimple, "":
		if r.Packed == "" || r.Dense == "" || r.In <= 0 || r.Out <= 0 {
			return fmt.Errorf("simple rule needs packed, dense, in and out")
		}
		b := Binding{
			LayerID: joinName(densePrefix, r.Dense),
			Module:  joinName(packedPrefix, r.Packed),
			InSize:  r.In,
			OutSize: r.Out,
		}
		m := &PackedModule{Name: b.Module, Kind: RuleSimple, In: r.In, Out: r.Out, Quantized: r.Quantized, Sources: []Binding{b}}
		if err := c.addModule(m); err != nil {
			return err
		}
		return c.addDense(&DenseLayer{ID: b.LayerID, In: r.In, Out: r.Out, Targets: []Binding{b}})

	case RuleFusedOutput:
		if r.Packed == "" || r.In <= 0 || len(r.Parts) < 2 {
			return fmt.Errorf("fused_output rule needs packed, in and at least two parts")
		}
		m := &PackedModule{Name: joinName(packedPrefix, r.Packed), Kind: RuleFusedOutput, In: r.In, Quantized: r.Quantized}
		for _, p := range r.Parts {
			if p.Dense == "" || p.Size <= 0 {
				return fmt.Errorf("fused_output part needs dense and size")
			}
			b := Binding{
				LayerID:   joinName(densePrefix, p.Dense),
				Module:    m.Name,
				InSize:    r.In,
				OutOffset: m.Out,
				OutSize:   p.Size,
			}
			m.Out += p.Size
			m.Sources = append(m.Sources, b)
			if err := c.addDense(&DenseLayer{ID: b.LayerID, In: r.In, Out: p.Size, Targets: []Binding{b}}); err != nil {
				return err
			}
		}
		if r.Out != 0 && r.Out != m.Out {
			return fmt.Errorf("fused_output %s: parts sum to %d, rule says %d", m.Name, m.Out, r.Out)
		}
		return c.addModule(m)

	case RuleSplitInput:
		if r.Dense == "" || r.Out <= 0 || len(r.Parts) < 2 {
			return fmt.Errorf("split_input rule needs dense, out and at least two parts")
		}
		d := &DenseLayer{ID: joinName(densePrefix, r.Dense), Out: r.Out}
		for _, p := range r.Parts {
			if p.Packed == "" || p.Size <= 0 {
				return fmt.Errorf("split_input part needs packed and size")
			}
			quantized := r.Quantized
			if p.Quantized != nil {
				quantized = *p.Quantized
			}
			b := Binding{
				LayerID:  d.ID,
				Module:   joinName(packedPrefix, p.Packed),
				InOffset: d.In,
				InSize:   p.Size,
				OutSize:  r.Out,
			}
			d.In += p.Size
			d.Targets = append(d.Targets, b)
			m := &PackedModule{Name: b.Module, Kind: RuleSplitInput, In: p.Size, Out: r.Out, Quantized: quantized, Sources: []Binding{b}}
			if err := c.addModule(m); err != nil {
				return err
			}
		}
		if r.In != 0 && r.In != d.In {
			return fmt.Errorf("split_input %s: parts sum to %d, rule says %d", d.ID, d.In, r.In)
		}
		return c.addDense(d)

	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}
