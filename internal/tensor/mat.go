package tensor

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Data holds
// the flattened matrix values and always has length R*C.
//
// Mat values produced by the helpers in this package never alias their
// inputs, so callers can treat a Mat they did not create as read-only.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a new zero initialised matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Data: data}
}

func (m Mat) At(i, j int) float32 { return m.Data[i*m.C+j] }

func (m Mat) Set(i, j int, v float32) { m.Data[i*m.C+j] = v }

// Row returns a view of the i‑th row.
func (m Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

func (m Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	copy(out.Data, m.Data)
	return out
}

// Scaled returns a copy of m with every element multiplied by f.
func (m Mat) Scaled(f float32) Mat {
	out := NewMat(m.R, m.C)
	for i, v := range m.Data {
		out.Data[i] = v * f
	}
	return out
}

// PadRows returns m extended with zero rows up to r rows.
func PadRows(m Mat, r int) Mat {
	if r < m.R {
		panic("PadRows: target smaller than matrix")
	}
	out := NewMat(r, m.C)
	copy(out.Data, m.Data)
	return out
}

// PadCols returns m extended with zero columns up to c columns.
func PadCols(m Mat, c int) Mat {
	if c < m.C {
		panic("PadCols: target smaller than matrix")
	}
	out := NewMat(m.R, c)
	for i := 0; i < m.R; i++ {
		copy(out.Data[i*c:i*c+m.C], m.Row(i))
	}
	return out
}

// SliceRows copies rows [from, to).
func SliceRows(m Mat, from, to int) Mat {
	if from < 0 || to > m.R || from > to {
		panic("SliceRows: range out of bounds")
	}
	out := NewMat(to-from, m.C)
	copy(out.Data, m.Data[from*m.C:to*m.C])
	return out
}

// SliceCols copies columns [from, to).
func SliceCols(m Mat, from, to int) Mat {
	if from < 0 || to > m.C || from > to {
		panic("SliceCols: range out of bounds")
	}
	w := to - from
	out := NewMat(m.R, w)
	for i := 0; i < m.R; i++ {
		copy(out.Data[i*w:(i+1)*w], m.Data[i*m.C+from:i*m.C+to])
	}
	return out
}

// SelectCols copies the listed columns in order.
func SelectCols(m Mat, cols []int) Mat {
	out := NewMat(m.R, len(cols))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for k, j := range cols {
			out.Data[i*len(cols)+k] = row[j]
		}
	}
	return out
}

// VStack concatenates matrices along the row axis. All inputs must share C.
func VStack(ms ...Mat) Mat {
	if len(ms) == 0 {
		return Mat{}
	}
	c := ms[0].C
	r := 0
	for _, m := range ms {
		if m.C != c {
			panic("VStack: column mismatch")
		}
		r += m.R
	}
	out := NewMat(r, c)
	off := 0
	for _, m := range ms {
		copy(out.Data[off:], m.Data)
		off += len(m.Data)
	}
	return out
}

// HStack concatenates matrices along the column axis. All inputs must share R.
func HStack(ms ...Mat) Mat {
	if len(ms) == 0 {
		return Mat{}
	}
	r := ms[0].R
	c := 0
	for _, m := range ms {
		if m.R != r {
			panic("HStack: row mismatch")
		}
		c += m.C
	}
	out := NewMat(r, c)
	col := 0
	for _, m := range ms {
		for i := 0; i < r; i++ {
			copy(out.Data[i*c+col:i*c+col+m.C], m.Row(i))
		}
		col += m.C
	}
	return out
}

// Place copies src into dst with its top-left corner at (r0, c0).
func Place(dst, src Mat, r0, c0 int) {
	if r0+src.R > dst.R || c0+src.C > dst.C {
		panic("Place: source does not fit")
	}
	for i := 0; i < src.R; i++ {
		copy(dst.Data[(r0+i)*dst.C+c0:(r0+i)*dst.C+c0+src.C], src.Row(i))
	}
}

func IsZeroRow(m Mat, i int) bool {
	for _, v := range m.Row(i) {
		if v != 0 {
			return false
		}
	}
	return true
}

func IsZeroCol(m Mat, j int) bool {
	for i := 0; i < m.R; i++ {
		if m.Data[i*m.C+j] != 0 {
			return false
		}
	}
	return true
}

// IsZero reports whether every element is exactly zero.
func IsZero(m Mat) bool {
	for _, v := range m.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// Equal reports element-wise bit equality of values and shape.
func Equal(a, b Mat) bool {
	if a.R != b.R || a.C != b.C {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// Dense converts m into a float64 gonum matrix.
func Dense(m Mat) *mat.Dense {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	if m.R == 0 || m.C == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(m.R, m.C, data)
}

// Product computes a @ b in float64 precision.
func Product(a, b Mat) *mat.Dense {
	if a.C != b.R {
		panic("Product: inner dimension mismatch")
	}
	var out mat.Dense
	if a.R == 0 || b.C == 0 {
		return &out
	}
	if a.C == 0 {
		return mat.NewDense(a.R, b.C, nil)
	}
	out.Mul(Dense(a), Dense(b))
	return &out
}

// FillRand fills the matrix with reproducible pseudo‑random values in
// roughly (-0.01, 0.01).
func FillRand(m Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
