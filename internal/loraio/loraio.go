// Package loraio reads and writes adapter checkpoints as safetensors files
// and attaches the conversion sidecar, provenance and payload checksums to
// their metadata.
package loraio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/lowrank/internal/safetensors"
	"github.com/samcharles93/lowrank/internal/version"
	"github.com/samcharles93/lowrank/pkg/lora"
)

// Metadata keys written next to lora.SidecarKey.
const (
	VersionKey      = "lowrank.version"
	ConversionIDKey = "lowrank.conversion_id"
	ChecksumsKey    = "lowrank.checksums"
)

var (
	ErrChecksum  = errors.New("loraio: checksum mismatch")
	ErrNoTensors = errors.New("loraio: no safetensors files")
)

// Checkpoint is a flat tensor map with the metadata it was stored with.
type Checkpoint struct {
	Tensors  map[string]*lora.Tensor
	Metadata map[string]string
	// Sidecar is nil when the checkpoint was not written by this tool.
	Sidecar *lora.Sidecar
	Files   []string
}

// Manifest describes a written checkpoint.
type Manifest struct {
	ConversionID string
	Version      string
	Checksums    map[string]string
}

// Files lists the safetensors files behind path: path itself, or the
// *.safetensors shards of a directory in name order.
func Files(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoTensors, path)
	}
	slices.Sort(files)
	return files, nil
}

// Load reads a checkpoint from a file or a directory of shards. Checksums
// recorded in a shard's metadata are verified against its payloads.
func Load(path string) (*Checkpoint, error) {
	files, err := Files(path)
	if err != nil {
		return nil, err
	}
	ck := &Checkpoint{
		Tensors:  map[string]*lora.Tensor{},
		Metadata: map[string]string{},
		Files:    files,
	}
	for _, file := range files {
		f, err := safetensors.Open(file)
		if err != nil {
			return nil, err
		}
		err = ck.add(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	if err := ck.decodeSidecar(); err != nil {
		return nil, err
	}
	return ck, nil
}

// Decode reads a checkpoint held in memory.
func Decode(data []byte) (*Checkpoint, error) {
	f, err := safetensors.Parse(data)
	if err != nil {
		return nil, err
	}
	ck := &Checkpoint{Tensors: map[string]*lora.Tensor{}, Metadata: map[string]string{}}
	if err := ck.add(f); err != nil {
		return nil, err
	}
	if err := ck.decodeSidecar(); err != nil {
		return nil, err
	}
	return ck, nil
}

func (ck *Checkpoint) add(f *safetensors.File) error {
	sums, err := decodeChecksums(f.Metadata[ChecksumsKey])
	if err != nil {
		return err
	}
	for _, name := range f.Names() {
		if _, dup := ck.Tensors[name]; dup {
			return fmt.Errorf("loraio: tensor %s appears in more than one shard", name)
		}
		raw, info, err := f.ReadTensor(name)
		if err != nil {
			return err
		}
		if want, ok := sums[name]; ok {
			if got := checksum(raw); got != want {
				return fmt.Errorf("%w: %s has %s, recorded %s", ErrChecksum, name, got, want)
			}
		}
		t, err := lora.NewTensor(lora.DType(info.DType), info.Shape, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		ck.Tensors[name] = t
	}
	for k, v := range f.Metadata {
		if _, ok := ck.Metadata[k]; !ok {
			ck.Metadata[k] = v
		}
	}
	return nil
}

func (ck *Checkpoint) decodeSidecar() error {
	sc, err := lora.DecodeSidecar(ck.Metadata[lora.SidecarKey])
	if err != nil {
		return err
	}
	ck.Sidecar = sc
	return nil
}

func decodeChecksums(v string) (map[string]string, error) {
	if v == "" {
		return nil, nil
	}
	var sums map[string]string
	if err := json.Unmarshal([]byte(v), &sums); err != nil {
		return nil, fmt.Errorf("loraio: %s: %w", ChecksumsKey, err)
	}
	return sums, nil
}

func checksum(raw []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// Encode writes tensors as one safetensors container. sc may be nil for
// dense output.
func Encode(w io.Writer, tensors map[string]*lora.Tensor, sc *lora.Sidecar) (*Manifest, error) {
	entries, meta, man, err := prepare(tensors, sc)
	if err != nil {
		return nil, err
	}
	if err := safetensors.Encode(w, entries, meta); err != nil {
		return nil, err
	}
	return man, nil
}

// Save writes tensors to path, replacing any existing file atomically.
func Save(path string, tensors map[string]*lora.Tensor, sc *lora.Sidecar) (*Manifest, error) {
	entries, meta, man, err := prepare(tensors, sc)
	if err != nil {
		return nil, err
	}
	if err := safetensors.WriteFile(path, entries, meta); err != nil {
		return nil, err
	}
	return man, nil
}

func prepare(tensors map[string]*lora.Tensor, sc *lora.Sidecar) (map[string]safetensors.Entry, map[string]string, *Manifest, error) {
	man := &Manifest{
		ConversionID: uuid.NewString(),
		Version:      version.String(),
		Checksums:    make(map[string]string, len(tensors)),
	}
	entries := make(map[string]safetensors.Entry, len(tensors))
	for name, t := range tensors {
		entries[name] = safetensors.Entry{DType: string(t.DType()), Shape: t.Shape(), Data: t.Bytes()}
		man.Checksums[name] = checksum(t.Bytes())
	}
	sums, err := json.Marshal(man.Checksums)
	if err != nil {
		return nil, nil, nil, err
	}
	meta := map[string]string{
		"format":        "pt",
		VersionKey:      man.Version,
		ConversionIDKey: man.ConversionID,
		ChecksumsKey:    string(sums),
	}
	if sc != nil {
		enc, err := sc.Encode()
		if err != nil {
			return nil, nil, nil, err
		}
		meta[lora.SidecarKey] = enc
	}
	return entries, meta, man, nil
}

// ParseSpec splits a "path[:strength]" argument. The strength defaults to 1.
func ParseSpec(s string) (string, float32, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return s, 1, nil
	}
	v, err := strconv.ParseFloat(s[i+1:], 32)
	if err != nil {
		// Not a number, so the colon belongs to the path.
		return s, 1, nil
	}
	return s[:i], float32(v), nil
}
