// Package recurrent implements the time-recurrent nodes of a computation
// graph over packed minibatches: a delayed-value shift operator (past and
// future flavours) and an LSTM cell with full backpropagation through time,
// both honoring per-stream sequence boundaries and carrying state across
// minibatches for truncated-BPTT training.
//
// The surrounding graph scheduler, the optimizer and the minibatch reader
// are external collaborators; a node only exposes forward and backward
// passes over values it owns, plus explicit carry objects for the state
// that outlives a single minibatch.
package recurrent

import (
	"github.com/seqmind/recurrent/mat32"
	"github.com/seqmind/recurrent/mb"
)

// Node is the contract between this package and the graph scheduler that
// drives it. Evaluate and ComputeGradient run over the whole minibatch;
// the frame variants exist for loop-aware schedulers that unroll time
// themselves.
type Node interface {
	Name() string

	// Value holds the forward output, feature rows by packed
	// (stream, time) columns.
	Value() *mat32.Matrix

	// Grad holds the gradient of the objective w.r.t. Value.
	Grad() *mat32.Matrix

	// Inputs returns the nodes this node reads from.
	Inputs() []Node

	// Validate checks arity and shapes and sizes the output. It must be
	// called after attaching inputs and before any pass.
	Validate() error

	Evaluate() error
	EvaluateFrame(t int) error

	// ComputeGradient accumulates this node's gradient contribution into
	// input inputIndex's Grad.
	ComputeGradient(inputIndex int) error
	ComputeGradientFrame(inputIndex, t int) error
}

// LayoutSetter is implemented by nodes that consume the packed-minibatch
// boundary information.
type LayoutSetter interface {
	SetLayout(*mb.Layout) error
}

// Param is a leaf node: an input or a learnable parameter block. It has no
// inputs and both passes are no-ops; values are written by the data reader
// or the optimizer, gradients are accumulated into it by consumers.
type Param struct {
	name      string
	value     *mat32.Matrix
	grad      *mat32.Matrix
	learnable bool
}

// NewInput returns a non-learnable leaf of the given shape.
func NewInput(name string, rows, cols int) *Param {
	return &Param{name: name, value: mat32.New(rows, cols), grad: mat32.New(0, 0)}
}

// NewParam returns a learnable leaf of the given shape.
func NewParam(name string, rows, cols int) *Param {
	p := NewInput(name, rows, cols)
	p.learnable = true
	return p
}

func (p *Param) Name() string         { return p.name }
func (p *Param) Value() *mat32.Matrix { return p.value }
func (p *Param) Grad() *mat32.Matrix  { return p.grad }
func (p *Param) Inputs() []Node       { return nil }
func (p *Param) Validate() error      { return nil }

// Learnable reports whether the optimizer updates this leaf.
func (p *Param) Learnable() bool { return p.learnable }

func (p *Param) Evaluate() error           { return nil }
func (p *Param) EvaluateFrame(t int) error { return nil }

func (p *Param) ComputeGradient(inputIndex int) error         { return nil }
func (p *Param) ComputeGradientFrame(inputIndex, t int) error { return nil }

var (
	_ Node = (*Param)(nil)
	_ Node = (*DelayedValue)(nil)
	_ Node = (*LSTM)(nil)

	_ LayoutSetter = (*DelayedValue)(nil)
	_ LayoutSetter = (*LSTM)(nil)
)

// accumulateGrad adds src into dst's gradient, adopting src's shape when the
// gradient buffer is still empty.
func accumulateGrad(dst Node, src *mat32.Matrix) {
	g := dst.Grad()
	if g.IsEmpty() {
		g.Copy(src)
		return
	}
	mat32.Add(g, src)
}
