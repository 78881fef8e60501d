package lora

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/samcharles93/lowrank/internal/tensor"
)

// DType names are the safetensors header dtype strings.
type DType string

const (
	DTypeF32    DType = "F32"
	DTypeF16    DType = "F16"
	DTypeBF16   DType = "BF16"
	DTypeF64    DType = "F64"
	DTypeI8     DType = "I8"
	DTypeU8     DType = "U8"
	DTypeI16    DType = "I16"
	DTypeI32    DType = "I32"
	DTypeI64    DType = "I64"
	DTypeBool   DType = "BOOL"
	DTypeF8E4M3 DType = "F8_E4M3"
	DTypeF8E5M2 DType = "F8_E5M2"
)

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case DTypeF64, DTypeI64:
		return 8
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16, DTypeI16:
		return 2
	case DTypeI8, DTypeU8, DTypeBool, DTypeF8E4M3, DTypeF8E5M2:
		return 1
	default:
		return 0
	}
}

// IsHalf reports whether d is a 16-bit float type.
func (d DType) IsHalf() bool { return d == DTypeF16 || d == DTypeBF16 }

// IsFloat reports whether the converter can decode d into float32.
func (d DType) IsFloat() bool { return d == DTypeF32 || d.IsHalf() }

// Tensor is an immutable, typed, shaped buffer. The raw bytes are little
// endian in row-major order. Tensors are never modified after construction;
// every operation that changes values allocates a new Tensor.
type Tensor struct {
	dtype DType
	shape []int
	raw   []byte
}

// NewTensor wraps raw bytes. The caller must not modify raw afterwards.
func NewTensor(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if sz := dtype.Size(); sz != 0 && n*sz != len(raw) {
		return nil, fmt.Errorf("lora: tensor %v %s: want %d bytes, have %d", shape, dtype, n*sz, len(raw))
	}
	return &Tensor{dtype: dtype, shape: slices.Clone(shape), raw: raw}, nil
}

// FromFloat32 builds an F32 tensor from values.
func FromFloat32(shape []int, data []float32) *Tensor {
	n, err := numElements(shape)
	if err != nil || n != len(data) {
		panic(fmt.Sprintf("lora: FromFloat32: shape %v does not hold %d values", shape, len(data)))
	}
	return &Tensor{dtype: DTypeF32, shape: slices.Clone(shape), raw: encodeFloat32(DTypeF32, data)}
}

// FromMat builds a rank-2 F32 tensor from a matrix.
func FromMat(m tensor.Mat) *Tensor {
	return FromFloat32([]int{m.R, m.C}, m.Data)
}

// Scalar builds a zero-dimensional F32 tensor.
func Scalar(v float32) *Tensor {
	return &Tensor{dtype: DTypeF32, shape: []int{}, raw: encodeFloat32(DTypeF32, []float32{v})}
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) NDim() int { return len(t.shape) }

// Dim returns dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	if i < 0 || i >= len(t.shape) {
		return 0
	}
	return t.shape[i]
}

func (t *Tensor) NumElements() int {
	n, _ := numElements(t.shape)
	return n
}

// Bytes returns the raw payload. It must be treated as read-only.
func (t *Tensor) Bytes() []byte { return t.raw }

// Float32s decodes a copy of the tensor values.
func (t *Tensor) Float32s() ([]float32, error) {
	return decodeFloat32(t.dtype, t.raw)
}

// Mat decodes a rank-2 tensor into a matrix.
func (t *Tensor) Mat() (tensor.Mat, error) {
	if len(t.shape) != 2 {
		return tensor.Mat{}, fmt.Errorf("lora: expected rank-2 tensor, got shape %v", t.shape)
	}
	data, err := t.Float32s()
	if err != nil {
		return tensor.Mat{}, err
	}
	return tensor.NewMatFromData(t.shape[0], t.shape[1], data), nil
}

// Cast re-encodes a float tensor into dtype. Non-float tensors and no-op casts
// return t itself.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if t.dtype == dtype {
		return t, nil
	}
	if !t.dtype.IsFloat() {
		return t, nil
	}
	if !dtype.IsFloat() {
		return nil, &UnsupportedDtypeError{DType: dtype}
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	return &Tensor{dtype: dtype, shape: slices.Clone(t.shape), raw: encodeFloat32(dtype, data)}, nil
}

// IsZero reports whether every byte of the payload is zero, which for the
// float dtypes means every value is +0.
func (t *Tensor) IsZero() bool {
	for _, b := range t.raw {
		if b != 0 {
			return false
		}
	}
	return true
}

func decodeFloat32(dtype DType, raw []byte) ([]float32, error) {
	switch dtype {
	case DTypeF32:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("lora: invalid f32 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case DTypeF16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("lora: invalid f16 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("lora: invalid bf16 data size %d", len(raw))
		}
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, &UnsupportedDtypeError{DType: dtype}
	}
}

func encodeFloat32(dtype DType, data []float32) []byte {
	switch dtype {
	case DTypeF16:
		out := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	case DTypeBF16:
		return bfloat16.EncodeFloat32(data)
	default:
		out := make([]byte, len(data)*4)
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("lora: invalid dim %d", d)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("lora: tensor too large")
		}
		n *= d
	}
	return n, nil
}
