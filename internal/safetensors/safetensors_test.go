package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"maps"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

// writeSafetensors creates a minimal safetensors file for testing.
func writeSafetensors(t *testing.T, path string, tensors map[string]tensorHeader, payload []byte) {
	t.Helper()
	header := make(map[string]tensorHeader, len(tensors))
	maps.Copy(header, tensors)
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(payload)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeSafetensors(t, path, map[string]tensorHeader{
		"weight": {DType: "F32", Shape: []int{2, 3}, DataOffsets: []int64{0, 24}},
	}, make([]byte, 24))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.Path != path {
		t.Fatalf("expected path %q, got %q", path, f.Path)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if diff := cmp.Diff(TensorInfo{DType: "F32", Shape: []int{2, 3}, Start: 0, End: 24}, info); diff != "" {
		t.Fatalf("info (-want +got):\n%s", diff)
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("got %v, want ErrCorruptFile", err)
	}
}

func TestParseHeaderLengthPastEnd(t *testing.T) {
	t.Parallel()
	var data [16]byte
	binary.LittleEndian.PutUint64(data[:8], 1000)
	if _, err := Parse(data[:]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("got %v, want ErrCorruptFile", err)
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	header := []byte("{not json")
	data := make([]byte, 8+len(header))
	binary.LittleEndian.PutUint64(data[:8], uint64(len(header)))
	copy(data[8:], header)
	if _, err := Parse(data); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("got %v, want ErrCorruptFile", err)
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	tests := map[string]tensorHeader{
		"one offset":    {DType: "F32", Shape: []int{1}, DataOffsets: []int64{0}},
		"reversed":      {DType: "F32", Shape: []int{1}, DataOffsets: []int64{4, 0}},
		"past payload":  {DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
		"size mismatch": {DType: "F32", Shape: []int{2}, DataOffsets: []int64{0, 4}},
	}
	for name, th := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			writeSafetensors(t, path, map[string]tensorHeader{"x": th}, make([]byte, 8))
			if _, err := Open(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMetadataAndRead(t *testing.T) {
	t.Parallel()
	payload := f32Bytes(1, 2, 3, 4, 5)
	var buf bytes.Buffer
	err := Encode(&buf, map[string]Entry{
		"b.vec":   {DType: "F32", Shape: []int{4}, Data: payload[4:]},
		"a.alpha": {DType: "F32", Shape: []int{}, Data: payload[:4]},
	}, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	hdrLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if hdrLen%8 != 0 {
		t.Fatalf("header length %d not 8-byte aligned", hdrLen)
	}

	path := filepath.Join(t.TempDir(), "m.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"format": "pt"}, f.Metadata); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.alpha", "b.vec"}, f.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}

	raw, info, err := f.ReadTensor("b.vec")
	if err != nil {
		t.Fatalf("ReadTensor: %v", err)
	}
	if info.Start != 4 || !bytes.Equal(raw, payload[4:]) {
		t.Fatalf("b.vec = %v at %d", raw, info.Start)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if raw[0] != payload[4] {
		t.Fatal("payload copy invalidated by Close")
	}
	if _, _, err := f.ReadTensor("b.vec"); err == nil {
		t.Fatal("read after close succeeded")
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f, err := Parse(encoded(t, nil, nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, _, err := f.ReadTensor("nope"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.Names()) != 0 || len(f.Metadata) != 0 {
		t.Fatalf("empty file parsed as %+v", f)
	}
}

func TestEncodeRejects(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Encode(&buf, map[string]Entry{"x": {DType: "F16", Shape: []int{3}, Data: make([]byte, 4)}}, nil); err == nil {
		t.Fatal("short payload accepted")
	}
	if err := Encode(&buf, map[string]Entry{metadataKey: {DType: "U8", Shape: []int{1}, Data: []byte{1}}}, nil); err == nil {
		t.Fatal("reserved name accepted")
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	t.Parallel()
	tensors := map[string]Entry{}
	for _, name := range []string{"z", "m", "a", "q"} {
		tensors[name] = Entry{DType: "U8", Shape: []int{2}, Data: []byte(name + name)}
	}
	first := encoded(t, tensors, map[string]string{"k": "v", "a": "b"})
	for range 5 {
		if !bytes.Equal(first, encoded(t, tensors, map[string]string{"k": "v", "a": "b"})) {
			t.Fatal("encoding changed between runs")
		}
	}
	f, err := Parse(first)
	if err != nil {
		t.Fatal(err)
	}
	if info, _ := f.Tensor("a"); info.Start != 0 {
		t.Fatalf("tensors not laid out by name: a starts at %d", info.Start)
	}
}

func TestWriteFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.safetensors")
	if err := WriteFile(path, map[string]Entry{"x": {DType: "F32", Shape: []int{1}, Data: f32Bytes(7)}}, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	raw, _, err := f.ReadTensor("x")
	if err != nil || math.Float32frombits(binary.LittleEndian.Uint32(raw)) != 7 {
		t.Fatalf("x = %v (%v)", raw, err)
	}
}

func encoded(t *testing.T, tensors map[string]Entry, meta map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, tensors, meta); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}
