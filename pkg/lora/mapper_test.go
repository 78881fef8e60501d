package lora

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFluxMapperResolve(t *testing.T) {
	t.Parallel()
	m, err := NewMapper(FluxTopology())
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}

	dense := []struct {
		name string
		want TensorRef
	}{
		{"transformer.transformer_blocks.0.attn.to_q.lora_A.weight", TensorRef{"transformer_blocks.0.attn.to_q", RoleDown}},
		{"transformer.transformer_blocks.18.attn.to_k.lora_B.weight", TensorRef{"transformer_blocks.18.attn.to_k", RoleUp}},
		{"base_model.model.single_transformer_blocks.37.proj_out.lora_down.weight", TensorRef{"single_transformer_blocks.37.proj_out", RoleDown}},
		{"single_transformer_blocks.3.proj_mlp.lora_up.weight", TensorRef{"single_transformer_blocks.3.proj_mlp", RoleUp}},
		{"transformer.x_embedder.alpha", TensorRef{"x_embedder", RoleScale}},
		{"transformer.norm_out.linear.lora_B.bias", TensorRef{"norm_out.linear", RoleBias}},
	}
	for _, tt := range dense {
		got, err := m.ResolveDense(tt.name)
		if err != nil {
			t.Fatalf("ResolveDense(%q): %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("ResolveDense(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
		back := m.DenseName(got)
		if again, err := m.ResolveDense(back); err != nil || again != got {
			t.Fatalf("DenseName(%+v) = %q does not resolve back (%v)", got, back, err)
		}
	}

	packed := []struct {
		name string
		want TensorRef
	}{
		{"transformer_blocks.0.qkv_proj.lora_down", TensorRef{"transformer_blocks.0.qkv_proj", RoleDown}},
		{"transformer_blocks.7.qkv_proj_context.lora_scale", TensorRef{"transformer_blocks.7.qkv_proj_context", RoleScale}},
		{"single_transformer_blocks.5.mlp_fc2.lora_up", TensorRef{"single_transformer_blocks.5.mlp_fc2", RoleUp}},
		{"proj_out.lora_bias", TensorRef{"proj_out", RoleBias}},
	}
	for _, tt := range packed {
		got, err := m.ResolvePacked(tt.name)
		if err != nil {
			t.Fatalf("ResolvePacked(%q): %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("ResolvePacked(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
		if back := m.PackedName(got); back != tt.name {
			t.Fatalf("PackedName(%+v) = %q, want %q", got, back, tt.name)
		}
	}
}

func TestMapperUnknown(t *testing.T) {
	t.Parallel()
	m, err := NewMapper(FluxTopology())
	if err != nil {
		t.Fatal(err)
	}
	names := []string{
		"",
		"transformer.transformer_blocks.19.attn.to_q.lora_A.weight",
		"transformer.transformer_blocks.0.attn.to_q.weight",
		"text_encoder.layers.0.q_proj.lora_A.weight",
		".lora_A.weight",
	}
	for _, name := range names {
		_, err := m.Resolve(name, FormatDense)
		if !errors.Is(err, ErrUnknownLayer) {
			t.Fatalf("Resolve(%q): got %v, want ErrUnknownLayer", name, err)
		}
	}
	if _, err := m.Resolve("transformer_blocks.0.attn.to_q.lora_down", FormatPacked); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("dense layer id accepted as packed module: %v", err)
	}
}

func TestFluxFusedAndSplitBindings(t *testing.T) {
	t.Parallel()
	m, err := NewMapper(FluxTopology())
	if err != nil {
		t.Fatal(err)
	}

	qkv, ok := m.Module("transformer_blocks.4.qkv_proj")
	if !ok {
		t.Fatal("qkv_proj missing")
	}
	want := []Binding{
		{LayerID: "transformer_blocks.4.attn.to_q", Module: qkv.Name, InSize: 3072, OutOffset: 0, OutSize: 3072},
		{LayerID: "transformer_blocks.4.attn.to_k", Module: qkv.Name, InSize: 3072, OutOffset: 3072, OutSize: 3072},
		{LayerID: "transformer_blocks.4.attn.to_v", Module: qkv.Name, InSize: 3072, OutOffset: 6144, OutSize: 3072},
	}
	if diff := cmp.Diff(want, qkv.Sources); diff != "" {
		t.Fatalf("qkv sources (-want +got):\n%s", diff)
	}
	if qkv.Out != 9216 || !qkv.Quantized {
		t.Fatalf("qkv out %d quantized %v", qkv.Out, qkv.Quantized)
	}

	proj, ok := m.Layer("single_transformer_blocks.0.proj_out")
	if !ok {
		t.Fatal("proj_out missing")
	}
	if proj.In != 15360 || proj.Out != 3072 || len(proj.Targets) != 2 {
		t.Fatalf("proj_out = %+v", proj)
	}
	if got := proj.Targets[1]; got.Module != "single_transformer_blocks.0.mlp_fc2" || got.InOffset != 3072 || got.InSize != 12288 {
		t.Fatalf("mlp_fc2 binding = %+v", got)
	}

	// 19 double blocks with 10 modules, 38 single blocks with 5, 4 top level.
	if n := len(m.ModuleNames()); n != 19*10+38*5+4 {
		t.Fatalf("%d packed modules", n)
	}
	for _, name := range m.ModuleNames() {
		if strings.Contains(name, "..") {
			t.Fatalf("malformed module name %q", name)
		}
	}
}
