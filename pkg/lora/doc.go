// Package lora converts low-rank adapter weights between the dense layout
// used by diffusers pipelines and the packed layout consumed by the nunchaku
// int4/fp4 inference kernels.
//
// A conversion is a pure function of its inputs. Dense adapters are merged
// (Merge), mapped onto the engine's fused modules (Mapper), zero-padded to the
// kernel tile (Aligner), scaled into the quantized base layer's numeric domain
// and finally laid out for the kernel (ToNunchaku). ToDiffusers undoes every
// step except the base model's own quantization error.
//
// Modules are converted concurrently, but results never depend on
// scheduling: under PolicyStrict ToNunchaku returns the error of the first
// failing module in topology order and ToDiffusers that of the first in name
// order.
package lora
