package lora

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTopologyBuiltin(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "flux", "flux.1"} {
		got, err := LoadTopology(name)
		if err != nil {
			t.Fatalf("LoadTopology(%q): %v", name, err)
		}
		if got != FluxTopology() {
			t.Fatalf("LoadTopology(%q) did not return the built-in table", name)
		}
	}
	if FluxTopology().TileSize != 16 || FluxTopology().MaxRank != 1024 {
		t.Fatalf("flux tile %d max rank %d", FluxTopology().TileSize, FluxTopology().MaxRank)
	}
}

func TestLoadTopologyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(testTopologyYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	topo, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	m, err := NewMapper(topo)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	if got := m.ModuleNames(); len(got) != 4 {
		t.Fatalf("modules = %v", got)
	}

	if _, err := LoadTopology(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestParseTopologyErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "version: 1\n", "missing name"},
		{"bad yaml", "name: [\n", "parse topology"},
		{
			"unknown kind",
			"name: x\nblocks:\n  - modules:\n      - {kind: magic, packed: a, dense: a, in: 1, out: 1}\n",
			"unknown rule kind",
		},
		{
			"duplicate module",
			"name: x\nblocks:\n  - modules:\n      - {packed: a, dense: a, in: 1, out: 1}\n      - {packed: a, dense: b, in: 1, out: 1}\n",
			"duplicate packed module",
		},
		{
			"fused sum mismatch",
			"name: x\nblocks:\n  - modules:\n      - kind: fused_output\n        packed: qkv\n        in: 4\n        out: 9\n        parts: [{dense: q, size: 4}, {dense: k, size: 4}]\n",
			"parts sum to 8",
		},
		{
			"split with one part",
			"name: x\nblocks:\n  - modules:\n      - kind: split_input\n        dense: p\n        out: 4\n        parts: [{packed: a, size: 4}]\n",
			"at least two parts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTopology([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSplitPartQuantizedOverride(t *testing.T) {
	t.Parallel()
	yaml := `
name: x
blocks:
  - dense_prefix: b
    packed_prefix: b
    count: 2
    modules:
      - kind: split_input
        dense: p
        out: 8
        quantized: true
        parts:
          - {packed: a, size: 4}
          - {packed: c, size: 4, quantized: false}
`
	topo, err := ParseTopology([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	m, err := NewMapper(topo)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := m.Module("b.1.a")
	c, _ := m.Module("b.1.c")
	if a == nil || c == nil {
		t.Fatalf("modules = %v", m.ModuleNames())
	}
	if !a.Quantized || c.Quantized {
		t.Fatalf("quantized a=%v c=%v, want true/false", a.Quantized, c.Quantized)
	}
}
