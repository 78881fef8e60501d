package lora

import "github.com/samcharles93/lowrank/internal/tensor"

// Aligner pads and unpads the rank axis to the kernel tile size.
type Aligner struct {
	Tile int
}

// PaddedRank returns ceil(r/Tile)*Tile.
func (a Aligner) PaddedRank(r int) int {
	t := a.Tile
	if t <= 1 {
		return r
	}
	return (r + t - 1) / t * t
}

// Pad zero-extends down rows and up columns to PaddedRank(down.R). The extra
// rank components contribute nothing to up @ down.
func (a Aligner) Pad(down, up tensor.Mat) (tensor.Mat, tensor.Mat) {
	rp := a.PaddedRank(down.R)
	return tensor.PadRows(down, rp), tensor.PadCols(up, rp)
}

// Unpad truncates to rank, failing with MalformedPaddingError when the
// dropped rows of down or columns of up hold anything but exact zeros.
func (a Aligner) Unpad(layer string, down, up tensor.Mat, rank int) (tensor.Mat, tensor.Mat, error) {
	if rank < 0 || rank > down.R || rank > up.C {
		return tensor.Mat{}, tensor.Mat{}, shapeErrorf(layer, "recorded rank %d outside padded rank %d", rank, down.R)
	}
	for i := rank; i < down.R; i++ {
		if !tensor.IsZeroRow(down, i) {
			return tensor.Mat{}, tensor.Mat{}, &MalformedPaddingError{Layer: layer, Rank: rank, RankPadded: down.R}
		}
	}
	for j := rank; j < up.C; j++ {
		if !tensor.IsZeroCol(up, j) {
			return tensor.Mat{}, tensor.Mat{}, &MalformedPaddingError{Layer: layer, Rank: rank, RankPadded: up.C}
		}
	}
	return tensor.SliceRows(down, 0, rank), tensor.SliceCols(up, 0, rank), nil
}

// Trim removes trailing rank components whose down row and up column are both
// exactly zero. It stops at the first component that is not fully zero;
// halfZero counts trailing components where only one side was zero, which
// means the source did not pad with a clean no-op.
func (a Aligner) Trim(down, up tensor.Mat) (d, u tensor.Mat, halfZero int) {
	r := min(down.R, up.C)
	for r > 0 {
		zd := tensor.IsZeroRow(down, r-1)
		zu := tensor.IsZeroCol(up, r-1)
		if zd && zu {
			r--
			continue
		}
		if zd || zu {
			halfZero++
		}
		break
	}
	return tensor.SliceRows(down, 0, r), tensor.SliceCols(up, 0, r), halfZero
}
