// Package mat32 is the dense float32 substrate for the recurrent nodes.
//
// A Matrix is laid out column-major, rows = feature dimension and cols =
// packed (stream, time) index, so that the column slices the time-recurrent
// computations keep taking are contiguous spans of the backing slice.
// Matrices convert to and from gorgonia tensors at the package boundary;
// everything inside operates on the flat backing.
package mat32

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Matrix is a dense column-major float32 matrix. The zero value is an empty
// matrix ready for Resize.
type Matrix struct {
	rows, cols int
	data       []float32
}

// New returns a zeroed rows x cols matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{rows: rows, cols: cols, data: make([]float32, rows*cols)}
}

// FromDense copies a 2D float32 tensor (row-major) into a Matrix.
func FromDense(d *tensor.Dense) (*Matrix, error) {
	if d.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("mat32: expected float32 tensor, got %v", d.Dtype())
	}
	shp := d.Shape()
	if len(shp) != 2 {
		return nil, errors.Errorf("mat32: expected a 2D tensor, got shape %v", shp)
	}
	rows, cols := shp[0], shp[1]
	src := d.Data().([]float32)
	m := New(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.data[c*rows+r] = src[r*cols+c]
		}
	}
	return m, nil
}

// Dense copies the matrix into a freshly backed row-major tensor.
func (m *Matrix) Dense() *tensor.Dense {
	backing := make([]float32, m.rows*m.cols)
	for r := 0; r < m.rows; r++ {
		for c := 0; c < m.cols; c++ {
			backing[r*m.cols+c] = m.data[c*m.rows+r]
		}
	}
	return tensor.New(tensor.WithShape(m.rows, m.cols), tensor.WithBacking(backing))
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// IsEmpty reports whether the matrix holds no elements.
func (m *Matrix) IsEmpty() bool { return m.rows == 0 || m.cols == 0 }

// Data exposes the column-major backing slice.
func (m *Matrix) Data() []float32 { return m.data }

// At returns the element at (r, c).
func (m *Matrix) At(r, c int) float32 { return m.data[c*m.rows+r] }

// SetAt sets the element at (r, c).
func (m *Matrix) SetAt(r, c int, v float32) { m.data[c*m.rows+r] = v }

// Resize reshapes the matrix. Contents are unspecified afterwards unless
// the shape is unchanged, in which case values are kept.
func (m *Matrix) Resize(rows, cols int) {
	if m.rows == rows && m.cols == cols {
		return
	}
	m.rows, m.cols = rows, cols
	if cap(m.data) < rows*cols {
		m.data = make([]float32, rows*cols)
	} else {
		m.data = m.data[:rows*cols]
	}
}

// Fill sets every element to v.
func (m *Matrix) Fill(v float32) {
	for i := range m.data {
		m.data[i] = v
	}
}

// Zero sets every element to 0.
func (m *Matrix) Zero() { m.Fill(0) }

// FillNaN poisons the matrix with NaN so that any column a masking bug
// leaves untouched is observably invalid rather than silently zero.
func (m *Matrix) FillNaN() { m.Fill(math32.NaN()) }

// HasNaN reports whether any element is NaN.
func (m *Matrix) HasNaN() bool {
	for _, v := range m.data {
		if math32.IsNaN(v) {
			return true
		}
	}
	return false
}

// ColumnSlice returns a view of n columns starting at start. The view
// shares the backing slice; writes through it are visible in m. Views must
// not be resized.
func (m *Matrix) ColumnSlice(start, n int) *Matrix {
	if start < 0 || start+n > m.cols {
		panic(fmt.Sprintf("mat32: column slice [%d:%d] out of range on %dx%d matrix", start, start+n, m.rows, m.cols))
	}
	return &Matrix{rows: m.rows, cols: n, data: m.data[start*m.rows : (start+n)*m.rows]}
}

// Copy copies src into m, resizing as needed.
func (m *Matrix) Copy(src *Matrix) {
	m.Resize(src.rows, src.cols)
	copy(m.data, src.data)
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.rows, m.cols)
	copy(c.data, m.data)
	return c
}

// SameShape reports whether m and other have identical dimensions.
func (m *Matrix) SameShape(other *Matrix) bool {
	return m.rows == other.rows && m.cols == other.cols
}

func (m *Matrix) String() string {
	return fmt.Sprintf("Matrix(%dx%d)", m.rows, m.cols)
}
