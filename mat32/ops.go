package mat32

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/vecf32"
)

// The arithmetic below panics on shape mismatches: callers of this package
// validate shapes at their pass boundaries, so a mismatch down here is a
// programming error, not a runtime condition.

func assertSameShape(op string, a, b *Matrix) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("mat32.%s: shape mismatch %v vs %v", op, a, b))
	}
}

// Mul computes dst = a·b, resizing dst.
func Mul(dst, a, b *Matrix) {
	if a.cols != b.rows {
		panic(fmt.Sprintf("mat32.Mul: inner dimension mismatch %v · %v", a, b))
	}
	dst.Resize(a.rows, b.cols)
	dst.Zero()
	mulAdd(dst, a, b)
}

// MulAdd computes dst += op(a)·op(b), where op transposes its argument when
// the corresponding flag is set. dst must already have the result shape.
func MulAdd(dst, a *Matrix, transA bool, b *Matrix, transB bool) {
	switch {
	case !transA && !transB:
		if a.cols != b.rows || dst.rows != a.rows || dst.cols != b.cols {
			panic(fmt.Sprintf("mat32.MulAdd: %v += %v · %v", dst, a, b))
		}
		mulAdd(dst, a, b)
	case transA && !transB:
		if a.rows != b.rows || dst.rows != a.cols || dst.cols != b.cols {
			panic(fmt.Sprintf("mat32.MulAdd: %v += %vᵀ · %v", dst, a, b))
		}
		// dst[i,j] += dot(a.col(i), b.col(j)); both columns contiguous.
		for j := 0; j < b.cols; j++ {
			bcol := b.data[j*b.rows : (j+1)*b.rows]
			out := dst.data[j*dst.rows : (j+1)*dst.rows]
			for i := 0; i < a.cols; i++ {
				acol := a.data[i*a.rows : (i+1)*a.rows]
				var sum float32
				for r := range acol {
					sum += acol[r] * bcol[r]
				}
				out[i] += sum
			}
		}
	case !transA && transB:
		if a.cols != b.cols || dst.rows != a.rows || dst.cols != b.rows {
			panic(fmt.Sprintf("mat32.MulAdd: %v += %v · %vᵀ", dst, a, b))
		}
		// Sum of outer products over the shared column index.
		for k := 0; k < a.cols; k++ {
			acol := a.data[k*a.rows : (k+1)*a.rows]
			bcol := b.data[k*b.rows : (k+1)*b.rows]
			for j := 0; j < b.rows; j++ {
				s := bcol[j]
				if s == 0 {
					continue
				}
				out := dst.data[j*dst.rows : (j+1)*dst.rows]
				for r := range acol {
					out[r] += s * acol[r]
				}
			}
		}
	default:
		if a.rows != b.cols || dst.rows != a.cols || dst.cols != b.rows {
			panic(fmt.Sprintf("mat32.MulAdd: %v += %vᵀ · %vᵀ", dst, a, b))
		}
		for j := 0; j < b.rows; j++ {
			for i := 0; i < a.cols; i++ {
				var sum float32
				for r := 0; r < a.rows; r++ {
					sum += a.At(r, i) * b.At(j, r)
				}
				dst.data[j*dst.rows+i] += sum
			}
		}
	}
}

func mulAdd(dst, a, b *Matrix) {
	for j := 0; j < b.cols; j++ {
		out := dst.data[j*dst.rows : (j+1)*dst.rows]
		bcol := b.data[j*b.rows : (j+1)*b.rows]
		for k := 0; k < a.cols; k++ {
			s := bcol[k]
			if s == 0 {
				continue
			}
			acol := a.data[k*a.rows : (k+1)*a.rows]
			for r := range acol {
				out[r] += s * acol[r]
			}
		}
	}
}

// Add computes dst += src elementwise.
func Add(dst, src *Matrix) {
	assertSameShape("Add", dst, src)
	vecf32.Add(dst.data, src.data)
}

// Sub computes dst -= src elementwise.
func Sub(dst, src *Matrix) {
	assertSameShape("Sub", dst, src)
	vecf32.Sub(dst.data, src.data)
}

// Scale computes dst *= s.
func Scale(dst *Matrix, s float32) {
	vecf32.Scale(dst.data, s)
}

// Hadamard computes dst = a ⊙ b, resizing dst.
func Hadamard(dst, a, b *Matrix) {
	assertSameShape("Hadamard", a, b)
	dst.Copy(a)
	vecf32.Mul(dst.data, b.data)
}

// AddHadamard computes dst += a ⊙ b.
func AddHadamard(dst, a, b *Matrix) {
	assertSameShape("AddHadamard", a, b)
	assertSameShape("AddHadamard", dst, a)
	for i, v := range a.data {
		dst.data[i] += v * b.data[i]
	}
}

// Sigmoid computes dst = σ(src) elementwise, resizing dst.
func Sigmoid(dst, src *Matrix) {
	dst.Resize(src.rows, src.cols)
	for i, v := range src.data {
		dst.data[i] = 1 / (1 + math32.Exp(-v))
	}
}

// SigmoidDeriv computes dst = g ⊙ (1-g) elementwise, where g already holds
// sigmoid outputs. Resizes dst.
func SigmoidDeriv(dst, g *Matrix) {
	dst.Resize(g.rows, g.cols)
	for i, v := range g.data {
		dst.data[i] = v * (1 - v)
	}
}

// Tanh computes dst = tanh(src) elementwise, resizing dst.
func Tanh(dst, src *Matrix) {
	dst.Resize(src.rows, src.cols)
	for i, v := range src.data {
		dst.data[i] = math32.Tanh(v)
	}
}

// AddTanhDeriv computes dst += grad ⊙ (1 - v²) elementwise, where v already
// holds tanh outputs.
func AddTanhDeriv(dst, v, grad *Matrix) {
	assertSameShape("AddTanhDeriv", v, grad)
	assertSameShape("AddTanhDeriv", dst, v)
	for i, t := range v.data {
		dst.data[i] += grad.data[i] * (1 - t*t)
	}
}

// AddColBroadcast adds the single-column matrix col to every column of dst.
func AddColBroadcast(dst, col *Matrix) {
	if col.cols != 1 || col.rows != dst.rows {
		panic(fmt.Sprintf("mat32.AddColBroadcast: %v += broadcast %v", dst, col))
	}
	for j := 0; j < dst.cols; j++ {
		vecf32.Add(dst.data[j*dst.rows:(j+1)*dst.rows], col.data)
	}
}

// MulColBroadcast multiplies every column of dst elementwise by the
// single-column matrix col.
func MulColBroadcast(dst, col *Matrix) {
	if col.cols != 1 || col.rows != dst.rows {
		panic(fmt.Sprintf("mat32.MulColBroadcast: %v ⊙= broadcast %v", dst, col))
	}
	for j := 0; j < dst.cols; j++ {
		vecf32.Mul(dst.data[j*dst.rows:(j+1)*dst.rows], col.data)
	}
}

// RowwiseDot computes dst[r,0] = Σ_c a[r,c]·b[r,c], resizing dst to a
// single column.
func RowwiseDot(dst, a, b *Matrix) {
	assertSameShape("RowwiseDot", a, b)
	dst.Resize(a.rows, 1)
	dst.Zero()
	for i, v := range a.data {
		dst.data[i%a.rows] += v * b.data[i]
	}
}

// AddRowSums adds the per-row sums of a into the single-column matrix dst.
func AddRowSums(dst, a *Matrix) {
	if dst.cols != 1 || dst.rows != a.rows {
		panic(fmt.Sprintf("mat32.AddRowSums: %v += rowsums %v", dst, a))
	}
	for j := 0; j < a.cols; j++ {
		vecf32.Add(dst.data, a.data[j*a.rows:(j+1)*a.rows])
	}
}
