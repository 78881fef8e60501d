package lora

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownLayer        = errors.New("lora: unknown layer")
	ErrRankExceeded        = errors.New("lora: rank exceeds engine limit")
	ErrUnsupportedDtype    = errors.New("lora: unsupported dtype")
	ErrMissingBaseMetadata = errors.New("lora: missing base quantization metadata")
	ErrMalformedPadding    = errors.New("lora: malformed padding")
	ErrShapeMismatch       = errors.New("lora: shape mismatch")
)

// UnknownLayerError reports a tensor or layer name the mapper cannot resolve.
type UnknownLayerError struct {
	Name string
}

func (e *UnknownLayerError) Error() string {
	return fmt.Sprintf("lora: unknown layer %q", e.Name)
}

func (e *UnknownLayerError) Unwrap() error { return ErrUnknownLayer }

// RankExceededError reports a layer whose rank is above the engine maximum.
type RankExceededError struct {
	Layer string
	Rank  int
	Max   int
}

func (e *RankExceededError) Error() string {
	return fmt.Sprintf("lora: layer %q: rank %d exceeds engine maximum %d", e.Layer, e.Rank, e.Max)
}

func (e *RankExceededError) Unwrap() error { return ErrRankExceeded }

// UnsupportedDtypeError reports a tensor the converter refuses to decode.
type UnsupportedDtypeError struct {
	Name  string
	DType DType
}

func (e *UnsupportedDtypeError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("lora: unsupported dtype %s", e.DType)
	}
	return fmt.Sprintf("lora: tensor %q: unsupported dtype %s", e.Name, e.DType)
}

func (e *UnsupportedDtypeError) Unwrap() error { return ErrUnsupportedDtype }

// MissingBaseMetadataError reports a quantized module with no base metadata.
type MissingBaseMetadataError struct {
	Layer string
}

func (e *MissingBaseMetadataError) Error() string {
	return fmt.Sprintf("lora: no base quantization metadata for %q", e.Layer)
}

func (e *MissingBaseMetadataError) Unwrap() error { return ErrMissingBaseMetadata }

// MalformedPaddingError reports non-zero values in the region a packed layer
// declares as tile padding.
type MalformedPaddingError struct {
	Layer      string
	Rank       int
	RankPadded int
}

func (e *MalformedPaddingError) Error() string {
	return fmt.Sprintf("lora: layer %q: padding rows %d..%d are not zero", e.Layer, e.Rank, e.RankPadded)
}

func (e *MalformedPaddingError) Unwrap() error { return ErrMalformedPadding }

// ShapeError reports a tensor whose shape disagrees with the layer it feeds.
type ShapeError struct {
	Name string
	Msg  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("lora: %s: %s", e.Name, e.Msg)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

func shapeErrorf(name, format string, args ...any) error {
	return &ShapeError{Name: name, Msg: fmt.Sprintf(format, args...)}
}
