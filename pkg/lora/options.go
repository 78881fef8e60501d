package lora

import (
	"fmt"
	"runtime"

	"github.com/samcharles93/lowrank/internal/logger"
	"github.com/samcharles93/lowrank/internal/tensor"
)

// Policy controls what happens when a single layer fails to convert.
type Policy int

const (
	// PolicyStrict aborts the whole conversion on the first error.
	PolicyStrict Policy = iota
	// PolicyPermissive skips failing layers and reports them.
	PolicyPermissive
)

func (p Policy) String() string {
	if p == PolicyPermissive {
		return "permissive"
	}
	return "strict"
}

// ParsePolicy accepts "strict" and "permissive".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "strict":
		return PolicyStrict, nil
	case "permissive":
		return PolicyPermissive, nil
	default:
		return PolicyStrict, fmt.Errorf("lora: unknown policy %q", s)
	}
}

// MergePolicy selects how adapters touching the same layer are combined.
type MergePolicy int

const (
	// MergeBlockDiagonal concatenates factors along the rank axis. Exact.
	MergeBlockDiagonal MergePolicy = iota
	// MergeAdditive sums prescaled factors element-wise when all contributors
	// share a rank. The result drops the cross terms of the product, so it is
	// an approximation of the summed deltas.
	MergeAdditive
)

func (p MergePolicy) String() string {
	if p == MergeAdditive {
		return "additive"
	}
	return "block-diagonal"
}

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "block", "block-diagonal":
		return MergeBlockDiagonal, nil
	case "additive":
		return MergeAdditive, nil
	default:
		return MergeBlockDiagonal, fmt.Errorf("lora: unknown merge policy %q", s)
	}
}

// Option configures a conversion call.
type Option func(*options)

type options struct {
	tileSize   int
	maxRank    int
	workers    int
	policy     Policy
	merge      MergePolicy
	layout     Layout
	upcastHalf bool
	strictPad  bool
	outDType   DType
	topology   *Topology
	base       BaseQuantMetadata
	log        logger.Logger
	progress   func(done, total int)
}

func WithTileSize(n int) Option            { return func(o *options) { o.tileSize = n } }
func WithMaxRank(n int) Option             { return func(o *options) { o.maxRank = n } }
func WithWorkers(n int) Option             { return func(o *options) { o.workers = n } }
func WithPolicy(p Policy) Option           { return func(o *options) { o.policy = p } }
func WithMergePolicy(p MergePolicy) Option { return func(o *options) { o.merge = p } }
func WithLayout(l Layout) Option           { return func(o *options) { o.layout = l } }

// WithUpcastHalf controls whether F16/BF16 factors are decoded to F32. When
// disabled, half-precision inputs fail with UnsupportedDtypeError.
func WithUpcastHalf(v bool) Option { return func(o *options) { o.upcastHalf = v } }

// WithStrictPadding controls whether non-zero values in the padded rank
// region fail unpacking with MalformedPaddingError (the default) or are
// truncated with a warning.
func WithStrictPadding(v bool) Option { return func(o *options) { o.strictPad = v } }

// WithOutputDType sets the dtype of emitted factor tensors (default F32).
func WithOutputDType(d DType) Option { return func(o *options) { o.outDType = d } }

func WithTopology(t *Topology) Option { return func(o *options) { o.topology = t } }

// WithBaseMetadata supplies base quantization metadata to ToDiffusers, which
// needs it only for packed layers without recorded alpha.
func WithBaseMetadata(m BaseQuantMetadata) Option { return func(o *options) { o.base = m } }

func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

// WithProgress registers a callback invoked after each module. It may be
// called from several goroutines.
func WithProgress(fn func(done, total int)) Option { return func(o *options) { o.progress = fn } }

func newOptions(opts []Option) (*options, *Mapper, error) {
	o := &options{
		policy:     PolicyStrict,
		merge:      MergeBlockDiagonal,
		layout:     LayoutTiled,
		upcastHalf: true,
		strictPad:  true,
		outDType:   DTypeF32,
	}
	for _, fn := range opts {
		fn(o)
	}
	if o.topology == nil {
		o.topology = FluxTopology()
	}
	if o.tileSize == 0 {
		o.tileSize = o.topology.TileSize
	}
	if o.tileSize <= 0 {
		o.tileSize = DefaultTileSize
	}
	if o.maxRank == 0 {
		o.maxRank = o.topology.MaxRank
	}
	if o.workers <= 0 {
		o.workers = runtime.GOMAXPROCS(0)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	if !o.outDType.IsFloat() {
		return nil, nil, &UnsupportedDtypeError{DType: o.outDType}
	}
	if err := o.layout.validate(); err != nil {
		return nil, nil, err
	}
	m, err := NewMapper(o.topology)
	if err != nil {
		return nil, nil, err
	}
	return o, m, nil
}

// decode converts a tensor to float32 under the upcast policy.
func (o *options) decode(name string, t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, shapeErrorf(name, "missing tensor")
	}
	switch {
	case t.DType() == DTypeF32:
	case t.DType().IsHalf() && o.upcastHalf:
	default:
		return nil, &UnsupportedDtypeError{Name: name, DType: t.DType()}
	}
	return t.Float32s()
}

// mat decodes a rank-2 factor tensor under the upcast policy.
func (o *options) mat(name string, t *Tensor) (tensor.Mat, error) {
	data, err := o.decode(name, t)
	if err != nil {
		return tensor.Mat{}, err
	}
	if t.NDim() != 2 {
		return tensor.Mat{}, shapeErrorf(name, "expected rank-2 tensor, got %v", t.Shape())
	}
	return tensor.NewMatFromData(t.Dim(0), t.Dim(1), data), nil
}

func (o *options) emit(t *Tensor) (*Tensor, error) {
	if t == nil {
		return nil, nil
	}
	return t.Cast(o.outDType)
}
