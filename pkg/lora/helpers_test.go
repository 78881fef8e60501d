package lora

import (
	"bytes"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// testTopologyYAML is a miniature model with one of each rule kind.
const testTopologyYAML = `
name: test
version: 1
tile_size: 16
max_rank: 64
dense_prefixes: [transformer.]
blocks:
  - dense_prefix: block0
    packed_prefix: block0
    modules:
      - {kind: simple, packed: attn.q, dense: attn.q, in: 128, out: 64}
      - kind: fused_output
        packed: attn.qkv
        in: 32
        quantized: true
        parts:
          - {dense: attn.to_q, size: 16}
          - {dense: attn.to_k, size: 16}
          - {dense: attn.to_v, size: 32}
      - kind: split_input
        dense: proj_out
        in: 48
        out: 32
        quantized: true
        parts:
          - {packed: out_proj, size: 16}
          - {packed: mlp_fc2, size: 32}
`

func testTopology(t *testing.T) *Topology {
	t.Helper()
	topo, err := ParseTopology([]byte(testTopologyYAML))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	return topo
}

// testMeta returns base metadata for the quantized modules of the test
// topology with non-trivial channel scales.
func testMeta() BaseQuantMetadata {
	scales := func(n int, seed int64) []float32 {
		rng := rand.New(rand.NewSource(seed))
		s := make([]float32, n)
		for i := range s {
			s[i] = 0.5 + rng.Float32()
		}
		return s
	}
	return BaseQuantMetadata{
		"block0.attn.qkv": {Name: "block0.attn.qkv", InFeatures: 32, OutFeatures: 64, Precision: PrecisionInt4, GroupSize: 64, ChannelScales: scales(64, 1)},
		"block0.out_proj": {Name: "block0.out_proj", InFeatures: 16, OutFeatures: 32, Precision: PrecisionInt4, GroupSize: 64, ChannelScales: scales(32, 2)},
		"block0.mlp_fc2":  {Name: "block0.mlp_fc2", InFeatures: 32, OutFeatures: 32, Precision: PrecisionFP4, GroupSize: 16, ChannelScales: scales(32, 3)},
	}
}

func randLayer(id string, rank, in, out int, alpha float32, seed int64) *AdapterLayer {
	down := tensor.NewMat(rank, in)
	up := tensor.NewMat(out, rank)
	tensor.FillRand(down, seed)
	tensor.FillRand(up, seed+1000)
	return &AdapterLayer{LayerID: id, Rank: rank, Down: FromMat(down), Up: FromMat(up), Alpha: alpha}
}

func randBias(n int, seed int64) *Tensor {
	m := tensor.NewMat(1, n)
	tensor.FillRand(m, seed)
	return FromFloat32([]int{n}, m.Data)
}

// testSet touches every rule kind; attn.to_v is deliberately absent.
func testSet() AdapterSet {
	proj := randLayer("block0.proj_out", 5, 48, 32, 10, 30)
	proj.Bias = randBias(32, 31)
	return AdapterSet{
		"block0.attn.q":    randLayer("block0.attn.q", 6, 128, 64, 6, 10),
		"block0.attn.to_q": randLayer("block0.attn.to_q", 4, 32, 16, 8, 20),
		"block0.attn.to_k": randLayer("block0.attn.to_k", 3, 32, 16, 3, 21),
		"block0.proj_out":  proj,
	}
}

var tensorComparer = cmp.Comparer(func(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType() == b.DType() && slices.Equal(a.Shape(), b.Shape()) && bytes.Equal(a.Bytes(), b.Bytes())
})

func mustFloats(t *testing.T, x *Tensor) []float32 {
	t.Helper()
	v, err := x.Float32s()
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	return v
}

func mustMat(t *testing.T, x *Tensor) tensor.Mat {
	t.Helper()
	m, err := x.Mat()
	if err != nil {
		t.Fatalf("Mat: %v", err)
	}
	return m
}

func assertSetClose(t *testing.T, want, got AdapterSet, tol float64) {
	t.Helper()
	if diff := cmp.Diff(want.LayerIDs(), got.LayerIDs()); diff != "" {
		t.Fatalf("layer ids mismatch (-want +got):\n%s", diff)
	}
	worst, at, err := SetDeltaError(want, got)
	if err != nil {
		t.Fatalf("SetDeltaError: %v", err)
	}
	if worst > tol {
		t.Fatalf("relative error %g at %s exceeds %g", worst, at, tol)
	}
}

