package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// Entry is one tensor to be written.
type Entry struct {
	DType string
	Shape []int
	Data  []byte
}

// Encode writes tensors and metadata as a safetensors container. Tensors are
// laid out in name order and the header is space padded to a multiple of
// eight bytes.
func Encode(w io.Writer, tensors map[string]Entry, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("safetensors: reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, name := range names {
		e := tensors[name]
		if sz := dtypeSize(e.DType); sz > 0 {
			n, err := numElements(e.Shape)
			if err != nil {
				return fmt.Errorf("tensor %s: %w", name, err)
			}
			if n*sz != len(e.Data) {
				return fmt.Errorf("tensor %s: %s%v needs %d bytes, have %d", name, e.DType, e.Shape, n*sz, len(e.Data))
			}
		}
		shape := e.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorHeader{
			DType:       e.DType,
			Shape:       shape,
			DataOffsets: []int64{off, off + int64(len(e.Data))},
		}
		off += int64(len(e.Data))
	}

	// goccy/go-json sorts map keys, which keeps output byte-stable.
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: marshal header: %w", err)
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		for range 8 - pad {
			headerBytes = append(headerBytes, ' ')
		}
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := bw.Write(tensors[name].Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile encodes into a temporary file next to path and renames it into
// place, so readers never observe a partial file.
func WriteFile(path string, tensors map[string]Entry, metadata map[string]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(tmp, tensors, metadata); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
