package lora

import (
	"fmt"
	"slices"
)

// BaseLayer describes how one packed module is quantized in the base model.
// ChannelScales are the per-output-channel scales the fused kernel applies to
// the low-rank branch; an empty slice means all ones.
type BaseLayer struct {
	Name          string    `json:"name"`
	InFeatures    int       `json:"in_features"`
	OutFeatures   int       `json:"out_features"`
	Precision     string    `json:"precision"`
	GroupSize     int       `json:"group_size"`
	ChannelScales []float32 `json:"-"`
}

// BaseQuantMetadata is keyed by packed module name.
type BaseQuantMetadata map[string]*BaseLayer

// Precisions understood by the packer.
const (
	PrecisionInt4 = "int4"
	PrecisionFP4  = "fp4"
)

// channelScales returns the per-row scales of module m, checking the base
// layer against the module dimensions. Unquantized modules always get ones.
func (o *options) channelScales(m *PackedModule) ([]float32, error) {
	ones := func() []float32 {
		s := make([]float32, m.Out)
		for i := range s {
			s[i] = 1
		}
		return s
	}
	if !m.Quantized {
		return ones(), nil
	}
	b := o.base[m.Name]
	if b == nil {
		return nil, &MissingBaseMetadataError{Layer: m.Name}
	}
	if err := b.check(m); err != nil {
		return nil, err
	}
	if len(b.ChannelScales) == 0 {
		return ones(), nil
	}
	return slices.Clone(b.ChannelScales), nil
}

func (b *BaseLayer) check(m *PackedModule) error {
	switch b.Precision {
	case "", PrecisionInt4, PrecisionFP4:
	default:
		return fmt.Errorf("lora: %s: unknown base precision %q", m.Name, b.Precision)
	}
	if b.InFeatures != 0 && b.InFeatures != m.In {
		return shapeErrorf(m.Name, "base in_features %d, topology says %d", b.InFeatures, m.In)
	}
	if b.OutFeatures != 0 && b.OutFeatures != m.Out {
		return shapeErrorf(m.Name, "base out_features %d, topology says %d", b.OutFeatures, m.Out)
	}
	if n := len(b.ChannelScales); n != 0 && n != m.Out {
		return shapeErrorf(m.Name, "%d channel scales for %d outputs", n, m.Out)
	}
	for i, s := range b.ChannelScales {
		if s == 0 {
			return shapeErrorf(m.Name, "channel scale %d is zero", i)
		}
	}
	return nil
}
