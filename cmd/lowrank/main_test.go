package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/lowrank/internal/loraio"
	"github.com/samcharles93/lowrank/internal/tensor"
	"github.com/samcharles93/lowrank/pkg/lora"
)

// The CLI keeps flag values in package variables, so these tests run
// sequentially.

func denseLayer(tensors map[string]*lora.Tensor, id string, rank, in, out int, alpha float32, seed int64) {
	down := tensor.NewMat(rank, in)
	up := tensor.NewMat(out, rank)
	tensor.FillRand(down, seed)
	tensor.FillRand(up, seed+1)
	tensors["transformer."+id+".lora_A.weight"] = lora.FromMat(down)
	tensors["transformer."+id+".lora_B.weight"] = lora.FromMat(up)
	tensors["transformer."+id+".alpha"] = lora.Scalar(alpha)
}

func writeAdapters(t *testing.T, dir string) (string, string) {
	t.Helper()
	a := map[string]*lora.Tensor{}
	denseLayer(a, "x_embedder", 4, 64, 3072, 4, 1)
	b := map[string]*lora.Tensor{}
	denseLayer(b, "x_embedder", 8, 64, 3072, 16, 3)
	denseLayer(b, "proj_out", 4, 3072, 64, 2, 5)

	pa, pb := filepath.Join(dir, "a.safetensors"), filepath.Join(dir, "b.safetensors")
	if _, err := loraio.Save(pa, a, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := loraio.Save(pb, b, nil); err != nil {
		t.Fatal(err)
	}
	return pa, pb
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	argv := append([]string{"lowrank", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "error"}, args...)
	err := app.Run(context.Background(), argv)
	return buf.String(), err
}

func TestToNunchakuMergeAndBack(t *testing.T) {
	dir := t.TempDir()
	pa, pb := writeAdapters(t, dir)
	packed := filepath.Join(dir, "packed.safetensors")

	if _, err := run(t, "to-nunchaku", "-q", "--verify", "--lora", pa+":0.5", "--lora", pb, "-o", packed); err != nil {
		t.Fatalf("to-nunchaku: %v", err)
	}
	ck, err := loraio.Load(packed)
	if err != nil {
		t.Fatalf("load packed: %v", err)
	}
	if ck.Sidecar == nil {
		t.Fatal("packed output has no sidecar")
	}
	if got := ck.Sidecar.Layers["x_embedder"]; got.Rank != 12 || got.RankPadded != 16 {
		t.Fatalf("x_embedder = %+v, want rank 12 padded 16", got)
	}

	out, err := run(t, "detect", pa, packed)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !strings.Contains(out, pa+": diffusers") || !strings.Contains(out, packed+": nunchaku") {
		t.Fatalf("detect output:\n%s", out)
	}

	dense := filepath.Join(dir, "dense.safetensors")
	if _, err := run(t, "to-diffusers", "-q", "-i", packed, "-o", dense); err != nil {
		t.Fatalf("to-diffusers: %v", err)
	}
	back, err := loraio.Load(dense)
	if err != nil {
		t.Fatal(err)
	}
	set, _, err := lora.ParseDense(back.Tensors)
	if err != nil {
		t.Fatalf("ParseDense: %v", err)
	}
	if diff := cmp.Diff([]string{"proj_out", "x_embedder"}, set.LayerIDs()); diff != "" {
		t.Fatalf("layers (-want +got):\n%s", diff)
	}
}

func TestToNunchakuCopiesPackedInput(t *testing.T) {
	dir := t.TempDir()
	pa, _ := writeAdapters(t, dir)
	packed := filepath.Join(dir, "packed.safetensors")
	if _, err := run(t, "to-nunchaku", "-q", "--lora", pa, "-o", packed); err != nil {
		t.Fatal(err)
	}
	again := filepath.Join(dir, "again.safetensors")
	if _, err := run(t, "to-nunchaku", "-q", "--lora", packed, "-o", again); err != nil {
		t.Fatalf("packed input: %v", err)
	}
	first, _ := loraio.Load(packed)
	second, err := loraio.Load(again)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Tensors) != len(second.Tensors) || second.Sidecar == nil {
		t.Fatalf("copy changed the adapter: %d vs %d tensors", len(first.Tensors), len(second.Tensors))
	}
}

func TestToNunchakuStrictUnknownLayer(t *testing.T) {
	dir := t.TempDir()
	in := map[string]*lora.Tensor{}
	denseLayer(in, "x_embedder", 4, 64, 3072, 4, 1)
	in["text_encoder.q_proj.lora_A.weight"] = lora.FromFloat32([]int{1, 2}, []float32{1, 2})
	path := filepath.Join(dir, "mixed.safetensors")
	if _, err := loraio.Save(path, in, nil); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.safetensors")

	if _, err := run(t, "to-nunchaku", "-q", "--policy", "strict", "--lora", path, "-o", out); err == nil {
		t.Fatal("strict run accepted unknown tensor")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("strict failure left output behind: %v", err)
	}

	if _, err := run(t, "to-nunchaku", "-q", "--policy", "permissive", "--lora", path, "-o", out); err != nil {
		t.Fatalf("permissive: %v", err)
	}
	ck, err := loraio.Load(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ck.Tensors["text_encoder.q_proj.lora_A.weight"]; !ok {
		t.Fatal("unknown tensor not passed through")
	}
}

// paddedRankSamples returns how many packed modules the padded rank
// histogram has seen.
func paddedRankSamples(t *testing.T) uint64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "lowrank_padded_rank" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestTileSizeEightRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pa, _ := writeAdapters(t, dir)
	packed := filepath.Join(dir, "packed8.safetensors")

	before := paddedRankSamples(t)
	if _, err := run(t, "to-nunchaku", "-q", "--tile-size", "8", "--lora", pa, "-o", packed); err != nil {
		t.Fatalf("to-nunchaku: %v", err)
	}
	ck, err := loraio.Load(packed)
	if err != nil {
		t.Fatal(err)
	}
	if ck.Sidecar == nil || ck.Sidecar.TileSize != 8 {
		t.Fatalf("sidecar = %+v, want tile 8", ck.Sidecar)
	}
	if got := ck.Sidecar.Layers["x_embedder"]; got.Rank != 4 || got.RankPadded != 8 {
		t.Fatalf("x_embedder = %+v, want rank 4 padded 8", got)
	}
	if got := paddedRankSamples(t) - before; got != uint64(len(ck.Sidecar.Layers)) {
		t.Fatalf("padded rank samples grew by %d, want %d", got, len(ck.Sidecar.Layers))
	}

	out, err := run(t, "detect", packed)
	if err != nil || !strings.Contains(out, packed+": nunchaku") {
		t.Fatalf("detect: %q (%v)", out, err)
	}

	// No --tile-size here: the sidecar decides.
	again := filepath.Join(dir, "again.safetensors")
	if _, err := run(t, "to-nunchaku", "-q", "--lora", packed, "-o", again); err != nil {
		t.Fatalf("packed input not copied: %v", err)
	}
	dense := filepath.Join(dir, "dense.safetensors")
	if _, err := run(t, "to-diffusers", "-q", "-i", packed, "-o", dense); err != nil {
		t.Fatalf("to-diffusers: %v", err)
	}
	back, err := loraio.Load(dense)
	if err != nil {
		t.Fatal(err)
	}
	if lora.Detect(back.Tensors, 8) == lora.FormatPacked || back.Sidecar != nil {
		t.Fatal("packed file copied instead of unpacked")
	}
	set, _, err := lora.ParseDense(back.Tensors)
	if err != nil {
		t.Fatalf("ParseDense: %v", err)
	}
	if l := set["x_embedder"]; l == nil || l.Rank != 4 {
		t.Fatalf("x_embedder = %+v, want rank 4", l)
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	pa, _ := writeAdapters(t, dir)
	packed := filepath.Join(dir, "packed.safetensors")
	if _, err := run(t, "to-nunchaku", "-q", "--layout", "plain", "--lora", pa, "-o", packed); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "inspect", "--tensors", "--metadata", packed)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"format:  nunchaku", "topology flux.1", "x_embedder.lora_scale", "plain/v1", loraio.ChecksumsKey} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil || !strings.Contains(out, "version:") {
		t.Fatalf("version output %q (%v)", out, err)
	}
}
