package loraio

import (
	"fmt"
	"strings"

	"github.com/samcharles93/lowrank/internal/safetensors"
	"github.com/samcharles93/lowrank/pkg/lora"
)

// Suffixes of the quantized base checkpoint tensors.
const (
	suffixQWeight  = ".qweight"
	suffixWScales  = ".wscales"
	suffixWCScales = ".wcscales"
	suffixWTScale  = ".wtscale"
)

// LoadBaseMetadata scans a quantized base checkpoint and describes every
// quantized module in it. Only the small scale tensors are read.
//
// Module dims come from the packed 4-bit weight [out, in/2], the group size
// from the group scales [in/group, out]. FP8 group scales mark fp4 modules.
// Channel scales are wcscales times the scalar wtscale; a module with
// neither gets nil, which the packer treats as all ones.
func LoadBaseMetadata(path string) (lora.BaseQuantMetadata, error) {
	files, err := Files(path)
	if err != nil {
		return nil, err
	}
	meta := lora.BaseQuantMetadata{}
	for _, file := range files {
		f, err := safetensors.Open(file)
		if err != nil {
			return nil, err
		}
		err = scanBase(f, meta)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	return meta, nil
}

func scanBase(f *safetensors.File, meta lora.BaseQuantMetadata) error {
	for _, name := range f.Names() {
		module, ok := strings.CutSuffix(name, suffixQWeight)
		if !ok {
			continue
		}
		info, _ := f.Tensor(name)
		if len(info.Shape) != 2 {
			return fmt.Errorf("%s: want a rank-2 packed weight, got %v", name, info.Shape)
		}
		b := &lora.BaseLayer{
			Name:        module,
			OutFeatures: info.Shape[0],
			InFeatures:  info.Shape[1] * 2,
			Precision:   lora.PrecisionInt4,
		}
		if ws, ok := f.Tensor(module + suffixWScales); ok {
			if len(ws.Shape) != 2 || ws.Shape[0] == 0 || b.InFeatures%ws.Shape[0] != 0 {
				return fmt.Errorf("%s%s: shape %v does not divide %d inputs", module, suffixWScales, ws.Shape, b.InFeatures)
			}
			b.GroupSize = b.InFeatures / ws.Shape[0]
			if lora.DType(ws.DType) == lora.DTypeF8E4M3 {
				b.Precision = lora.PrecisionFP4
			}
		}
		scales, err := channelScales(f, module, b.OutFeatures)
		if err != nil {
			return err
		}
		b.ChannelScales = scales
		meta[module] = b
	}
	return nil
}

func channelScales(f *safetensors.File, module string, out int) ([]float32, error) {
	wc, err := readFloats(f, module+suffixWCScales)
	if err != nil {
		return nil, err
	}
	wt, err := readFloats(f, module+suffixWTScale)
	if err != nil {
		return nil, err
	}
	if wc == nil && wt == nil {
		return nil, nil
	}
	if wc == nil {
		wc = make([]float32, out)
		for i := range wc {
			wc[i] = 1
		}
	}
	if len(wc) != out {
		return nil, fmt.Errorf("%s%s: %d scales for %d outputs", module, suffixWCScales, len(wc), out)
	}
	if wt != nil {
		if len(wt) != 1 {
			return nil, fmt.Errorf("%s%s: want a scalar, got %d values", module, suffixWTScale, len(wt))
		}
		for i := range wc {
			wc[i] *= wt[0]
		}
	}
	return wc, nil
}

// readFloats returns nil without error when the tensor is absent.
func readFloats(f *safetensors.File, name string) ([]float32, error) {
	if _, ok := f.Tensor(name); !ok {
		return nil, nil
	}
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	t, err := lora.NewTensor(lora.DType(info.DType), info.Shape, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t.Float32s()
}
