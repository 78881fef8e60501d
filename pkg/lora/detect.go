package lora

import "strings"

// Format is the closed set of adapter layouts the converter understands.
type Format int

const (
	FormatDense Format = iota
	FormatPacked
)

func (f Format) String() string {
	switch f {
	case FormatPacked:
		return "nunchaku"
	default:
		return "diffusers"
	}
}

// DefaultTileSize is the rank granularity of the nunchaku low-rank kernels.
const DefaultTileSize = 16

// FormatSignature describes how a format shows up in a tensor collection.
type FormatSignature struct {
	Format Format
	// Pairs lists (down, up) suffix pairs; one complete pair is evidence.
	Pairs [][2]string
	// ScaleSuffix, when RequireScale is set, must be present next to a pair.
	ScaleSuffix  string
	RequireScale bool
	// DTypes accepted for the factor tensors.
	DTypes []DType
}

var (
	PackedSignature = FormatSignature{
		Format:       FormatPacked,
		Pairs:        [][2]string{{".lora_down", ".lora_up"}},
		ScaleSuffix:  ".lora_scale",
		RequireScale: true,
		DTypes:       []DType{DTypeF32, DTypeF16, DTypeBF16},
	}
	DenseSignature = FormatSignature{
		Format: FormatDense,
		Pairs: [][2]string{
			{".lora_A.weight", ".lora_B.weight"},
			{".lora_down.weight", ".lora_up.weight"},
		},
		ScaleSuffix: ".alpha",
		DTypes:      []DType{DTypeF32, DTypeF16, DTypeBF16},
	}
)

// matchPacked reports whether weights contain a scale tensor whose sibling up
// factor has a tile-aligned last dimension.
func (s FormatSignature) matchPacked(weights map[string]*Tensor, tile int) bool {
	for name := range weights {
		base, ok := strings.CutSuffix(name, s.ScaleSuffix)
		if !ok || base == "" {
			continue
		}
		for _, p := range s.Pairs {
			up := weights[base+p[1]]
			if up == nil || up.NDim() == 0 {
				continue
			}
			if last := up.Dim(-1); last > 0 && last%tile == 0 {
				return true
			}
		}
	}
	return false
}

// matchPairs reports whether at least one complete (down, up) pair exists.
func (s FormatSignature) matchPairs(weights map[string]*Tensor) bool {
	for name := range weights {
		for _, p := range s.Pairs {
			if base, ok := strings.CutSuffix(name, p[0]); ok && base != "" {
				if weights[base+p[1]] != nil {
					return true
				}
			}
		}
	}
	return false
}

// Detect classifies a tensor collection. Anything that is not positively
// identified as packed is reported as dense, including an empty collection.
// Detect never panics on malformed input.
func Detect(weights map[string]*Tensor, tileSize int) Format {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	if len(weights) == 0 {
		return FormatDense
	}
	if PackedSignature.matchPacked(weights, tileSize) {
		return FormatPacked
	}
	return FormatDense
}

// IsDenseFormat reports whether weights contain at least one dense pair and
// no packed signature.
func IsDenseFormat(weights map[string]*Tensor) bool {
	return Detect(weights, DefaultTileSize) == FormatDense && DenseSignature.matchPairs(weights)
}

// IsNunchakuFormat reports whether weights use the packed nunchaku layout.
func IsNunchakuFormat(weights map[string]*Tensor) bool {
	return Detect(weights, DefaultTileSize) == FormatPacked
}
