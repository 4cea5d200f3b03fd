package mat32

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

const tolerance = 1e-6

func approx() cmp.Option { return cmpopts.EquateApprox(0, tolerance) }

func seq(rows, cols int, start float32) *Matrix {
	m := New(rows, cols)
	for i := range m.Data() {
		m.Data()[i] = start + float32(i)*0.25
	}
	return m
}

// naiveMulAdd is the obvious triple loop the specialized variants must
// agree with.
func naiveMulAdd(dst, a *Matrix, transA bool, b *Matrix, transB bool) {
	at := func(m *Matrix, r, c int, trans bool) float32 {
		if trans {
			return m.At(c, r)
		}
		return m.At(r, c)
	}
	aRows, aCols := a.Rows(), a.Cols()
	if transA {
		aRows, aCols = aCols, aRows
	}
	bCols := b.Cols()
	if transB {
		bCols = b.Rows()
	}
	for i := 0; i < aRows; i++ {
		for j := 0; j < bCols; j++ {
			var sum float32
			for k := 0; k < aCols; k++ {
				sum += at(a, i, k, transA) * at(b, k, j, transB)
			}
			dst.SetAt(i, j, dst.At(i, j)+sum)
		}
	}
}

func TestMulAddVariants(t *testing.T) {
	a := seq(3, 4, -1)
	b := seq(4, 2, 0.5)
	bt := seq(2, 4, 0.5)
	at := seq(4, 3, -1)

	cases := []struct {
		name           string
		a, b           *Matrix
		transA, transB bool
		rows, cols     int
	}{
		{"plain", a, b, false, false, 3, 2},
		{"transA", at, b, true, false, 3, 2},
		{"transB", a, bt, false, true, 3, 2},
		{"both", at, bt, true, true, 3, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := New(c.rows, c.cols)
			got.Fill(0.125)
			want := got.Clone()

			MulAdd(got, c.a, c.transA, c.b, c.transB)
			naiveMulAdd(want, c.a, c.transA, c.b, c.transB)
			assert.Empty(t, cmp.Diff(want.Data(), got.Data(), approx()))
		})
	}
}

func TestMulResetsDst(t *testing.T) {
	a := seq(2, 3, 1)
	b := seq(3, 2, -0.5)
	got := New(2, 2)
	got.Fill(100) // must be discarded

	Mul(got, a, b)
	want := New(2, 2)
	naiveMulAdd(want, a, false, b, false)
	assert.Empty(t, cmp.Diff(want.Data(), got.Data(), approx()))
}

func TestSigmoidAndDeriv(t *testing.T) {
	src := seq(2, 2, -1)
	g := New(0, 0)
	Sigmoid(g, src)
	for i, v := range src.Data() {
		want := 1 / (1 + math32.Exp(-v))
		assert.InDelta(t, want, g.Data()[i], tolerance)
	}

	d := New(0, 0)
	SigmoidDeriv(d, g)
	for i, v := range g.Data() {
		assert.InDelta(t, v*(1-v), d.Data()[i], tolerance)
	}
}

func TestTanhAndDeriv(t *testing.T) {
	src := seq(2, 3, -0.75)
	v := New(0, 0)
	Tanh(v, src)
	for i, x := range src.Data() {
		assert.InDelta(t, math32.Tanh(x), v.Data()[i], tolerance)
	}

	grad := seq(2, 3, 1)
	dst := New(2, 3)
	dst.Fill(0.5)
	AddTanhDeriv(dst, v, grad)
	for i, tv := range v.Data() {
		assert.InDelta(t, 0.5+grad.Data()[i]*(1-tv*tv), dst.Data()[i], tolerance)
	}
}

func TestColBroadcasts(t *testing.T) {
	dst := seq(3, 2, 0)
	col := seq(3, 1, 10)

	added := dst.Clone()
	AddColBroadcast(added, col)
	for j := 0; j < 2; j++ {
		for r := 0; r < 3; r++ {
			assert.InDelta(t, dst.At(r, j)+col.At(r, 0), added.At(r, j), tolerance)
		}
	}

	mulled := dst.Clone()
	MulColBroadcast(mulled, col)
	for j := 0; j < 2; j++ {
		for r := 0; r < 3; r++ {
			assert.InDelta(t, dst.At(r, j)*col.At(r, 0), mulled.At(r, j), tolerance)
		}
	}

	assert.Panics(t, func() { AddColBroadcast(dst, seq(2, 1, 0)) })
}

func TestRowwiseDot(t *testing.T) {
	a := seq(3, 4, 0)
	b := seq(3, 4, 2)
	got := New(0, 0)
	RowwiseDot(got, a, b)

	for r := 0; r < 3; r++ {
		var want float32
		for c := 0; c < 4; c++ {
			want += a.At(r, c) * b.At(r, c)
		}
		assert.InDelta(t, want, got.At(r, 0), tolerance)
	}
}

func TestAddRowSums(t *testing.T) {
	a := seq(3, 4, -2)
	dst := New(3, 1)
	dst.Fill(1)
	AddRowSums(dst, a)

	for r := 0; r < 3; r++ {
		want := float32(1)
		for c := 0; c < 4; c++ {
			want += a.At(r, c)
		}
		assert.InDelta(t, want, dst.At(r, 0), tolerance)
	}
}

func TestHadamard(t *testing.T) {
	a := seq(2, 2, 1)
	b := seq(2, 2, -1)
	dst := New(0, 0)
	Hadamard(dst, a, b)
	for i := range a.Data() {
		assert.InDelta(t, a.Data()[i]*b.Data()[i], dst.Data()[i], tolerance)
	}

	acc := New(2, 2)
	acc.Fill(3)
	AddHadamard(acc, a, b)
	for i := range a.Data() {
		assert.InDelta(t, 3+a.Data()[i]*b.Data()[i], acc.Data()[i], tolerance)
	}
}
