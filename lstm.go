package recurrent

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seqmind/recurrent/mat32"
	"github.com/seqmind/recurrent/mb"
)

// GradientStatus tracks whether the LSTM's reverse sweep has run for the
// current forward pass. The sweep computes all five input gradients at
// once, so it must execute at most once per pass no matter how many inputs
// the scheduler asks for.
type GradientStatus uint8

const (
	GradientNotComputed GradientStatus = iota
	GradientComputed
)

func (s GradientStatus) String() string {
	switch s {
	case GradientNotComputed:
		return "NotComputed"
	case GradientComputed:
		return "Computed"
	}
	return "UNKNOWN STATUS"
}

// Carry is the state an LSTM hands across a minibatch seam: one column per
// parallel stream of the last valid output and cell state. It is an
// explicit value object owned by whoever holds it; the node keeps no hidden
// global state.
type Carry struct {
	Output *tensor.Dense
	State  *tensor.Dense
}

// ErrorCarry is the symmetric carry for gradients flowing backward across a
// minibatch seam under truncated BPTT.
type ErrorCarry struct {
	Output *tensor.Dense
	State  *tensor.Dense
}

// lstmArity is the fixed input arity: the observation plus four packed
// parameter blocks.
const lstmArity = 5

// Input block column layout, one row per hidden unit:
//
//	input(0): observation [inputDim x T·S]
//	input(1): input gate  [b | Wxi | Whi | Wci], outputDim x (inputDim+outputDim+2)
//	input(2): forget gate [b | Wxf | Whf | Wcf], same shape
//	input(3): output gate [b | Wxo | Who | Wco], same shape
//	input(4): cell weight [b | Wxc | Whc],       outputDim x (inputDim+outputDim+1)
type LSTM struct {
	name   string
	inputs [lstmArity]Node
	layout *mb.Layout

	inputDim  int
	outputDim int

	// defaultState initializes the cell state at sequence starts and on
	// first use of the carry.
	defaultState float32

	value *mat32.Matrix
	grad  *mat32.Matrix

	// retained forward activations, one block of S columns per frame;
	// required by the reverse sweep and never overwritten between passes
	state     *mat32.Matrix
	gi        *mat32.Matrix
	gf        *mat32.Matrix
	gOut      *mat32.Matrix
	tanhState *mat32.Matrix
	tanhObs   *mat32.Matrix

	// cross-minibatch carry: read at frame 0. The last-valid snapshot is
	// promoted into the carry only when the NEXT forward pass begins;
	// promoting it eagerly would clobber the seam history the backward
	// sweep still needs for frame 0.
	pastOutput   *mat32.Matrix
	pastState    *mat32.Matrix
	lastOutput   *mat32.Matrix
	lastState    *mat32.Matrix
	carryPending bool

	// per-frame history scratch
	prevOutput *mat32.Matrix
	prevState  *mat32.Matrix

	// gradient accumulators, one per input
	grdToObs        *mat32.Matrix
	grdToInputGate  *mat32.Matrix
	grdToForgetGate *mat32.Matrix
	grdToOutputGate *mat32.Matrix
	grdToCellWgt    *mat32.Matrix

	// gradient carry across the minibatch seam
	errToPrevOutput *mat32.Matrix
	errToPrevState  *mat32.Matrix
	futureObsErr    *mat32.Matrix
	futureStateErr  *mat32.Matrix
	useFutureErrors bool

	gradStatus GradientStatus
}

// NewLSTM builds an LSTM node over the observation and the four packed
// parameter blocks. defaultState is the cell-state value used at sequence
// starts.
func NewLSTM(name string, obs, inputGate, forgetGate, outputGate, cellWgt Node, defaultState float32) *LSTM {
	l := &LSTM{
		name:         name,
		inputs:       [lstmArity]Node{obs, inputGate, forgetGate, outputGate, cellWgt},
		defaultState: defaultState,

		value:     mat32.New(0, 0),
		grad:      mat32.New(0, 0),
		state:     mat32.New(0, 0),
		gi:        mat32.New(0, 0),
		gf:        mat32.New(0, 0),
		gOut:      mat32.New(0, 0),
		tanhState: mat32.New(0, 0),
		tanhObs:   mat32.New(0, 0),

		pastOutput: mat32.New(0, 0),
		pastState:  mat32.New(0, 0),
		lastOutput: mat32.New(0, 0),
		lastState:  mat32.New(0, 0),
		prevOutput: mat32.New(0, 0),
		prevState:  mat32.New(0, 0),

		grdToObs:        mat32.New(0, 0),
		grdToInputGate:  mat32.New(0, 0),
		grdToForgetGate: mat32.New(0, 0),
		grdToOutputGate: mat32.New(0, 0),
		grdToCellWgt:    mat32.New(0, 0),

		errToPrevOutput: mat32.New(0, 0),
		errToPrevState:  mat32.New(0, 0),
		futureObsErr:    mat32.New(0, 0),
		futureStateErr:  mat32.New(0, 0),
	}
	return l
}

func (l *LSTM) Name() string         { return l.name }
func (l *LSTM) Value() *mat32.Matrix { return l.value }
func (l *LSTM) Grad() *mat32.Matrix  { return l.grad }

func (l *LSTM) Inputs() []Node { return l.inputs[:] }

// GradientStatus reports whether the reverse sweep has run since the last
// forward pass.
func (l *LSTM) GradientStatus() GradientStatus { return l.gradStatus }

// SetLayout installs the minibatch boundary information. The LSTM consumes
// the base layout directly; it needs no shifted variant.
func (l *LSTM) SetLayout(lay *mb.Layout) error {
	l.layout = lay
	return nil
}

type learnable interface {
	Learnable() bool
}

// Validate checks the five-input arity, the packed block shapes and sizes
// the output.
func (l *LSTM) Validate() error {
	for i, in := range l.inputs {
		if in == nil {
			return errors.Wrapf(ErrInvalidConfig, "%s: LSTM operations take five inputs, input %d is missing", l.name, i)
		}
	}
	for i := 1; i < lstmArity; i++ {
		p, ok := l.inputs[i].(learnable)
		if !ok || !p.Learnable() {
			return errors.Wrapf(ErrInvalidConfig, "%s: input %d must be a learnable parameter block", l.name, i)
		}
	}

	obs := l.inputs[0].Value()
	if obs.IsEmpty() {
		return errors.Wrapf(ErrInvalidConfig, "%s: observation input has no elements", l.name)
	}
	for i := 1; i < lstmArity; i++ {
		if l.inputs[i].Value().IsEmpty() {
			return errors.Wrapf(ErrInvalidConfig, "%s: parameter block %d has no elements", l.name, i)
		}
	}

	in := obs.Rows()
	out := l.inputs[1].Value().Rows()
	gateCols := in + out + 2
	for i := 1; i <= 3; i++ {
		blk := l.inputs[i].Value()
		if blk.Rows() != out || blk.Cols() != gateCols {
			return errors.Wrapf(ErrInvalidConfig, "%s: gate block %d is %v, want %dx%d", l.name, i, blk, out, gateCols)
		}
	}
	if blk := l.inputs[4].Value(); blk.Rows() != out || blk.Cols() != in+out+1 {
		return errors.Wrapf(ErrInvalidConfig, "%s: cell weight block is %v, want %dx%d", l.name, blk, out, in+out+1)
	}

	l.inputDim, l.outputDim = in, out
	l.value.Resize(out, obs.Cols())
	l.value.FillNaN()
	return nil
}

// Evaluate runs the forward pass over the whole minibatch, one frame-wide
// slice at a time in strictly increasing time order, then snapshots each
// stream's last valid column for promotion into the carry when the next
// pass begins. The carry itself stays untouched until then: the backward
// sweep reads it as frame 0's seam history.
func (l *LSTM) Evaluate() error {
	if err := l.beginForward(); err != nil {
		return err
	}
	T := l.layout.Frames()
	for t := 0; t < T; t++ {
		l.prepareHistory(t)
		l.stepFrame(t)
	}
	l.finishForward()
	return nil
}

// EvaluateFrame runs the forward pass for a single frame. Frames must be
// visited in strictly increasing order; frame 0 sets up the pass and the
// last frame snapshots the carry, mirroring Evaluate.
func (l *LSTM) EvaluateFrame(t int) error {
	if t == 0 {
		if err := l.beginForward(); err != nil {
			return err
		}
	}
	l.prepareHistory(t)
	l.stepFrame(t)
	if t == l.layout.Frames()-1 {
		l.finishForward()
	}
	return nil
}

func (l *LSTM) beginForward() error {
	if l.layout == nil {
		return errors.Wrapf(ErrInvalidConfig, "%s: no layout set", l.name)
	}
	obs := l.inputs[0].Value()
	S := l.layout.Streams()
	cols := obs.Cols()
	if cols != S*l.layout.Frames() {
		return errors.Wrapf(ErrShapeMismatch, "%s: observation has %d columns, layout wants %d streams x %d frames", l.name, cols, S, l.layout.Frames())
	}
	out := l.outputDim

	if l.carryPending {
		l.pastOutput.Copy(l.lastOutput)
		l.pastState.Copy(l.lastState)
		l.carryPending = false
	}

	// poison everything with NaN so a masking bug shows up as NaN output
	// rather than a silent zero
	for _, m := range []*mat32.Matrix{l.value, l.state, l.gi, l.gf, l.gOut, l.tanhState, l.tanhObs} {
		m.Resize(out, cols)
		m.FillNaN()
	}

	if l.pastState.IsEmpty() || l.pastState.Cols() != S {
		l.pastState.Resize(out, S)
		l.pastState.Fill(l.defaultState)
	}
	if l.pastOutput.IsEmpty() || l.pastOutput.Cols() != S {
		l.pastOutput.Resize(out, S)
		l.pastOutput.Zero()
	}
	return nil
}

func (l *LSTM) finishForward() {
	l.saveLastState()
	l.carryPending = true
	l.gradStatus = GradientNotComputed
}

// prepareHistory fills prevOutput/prevState for frame t: the carry at the
// first frame, the previous slice otherwise. Streams starting a sequence at
// t are reset: previous state becomes the default state, previous output
// becomes zero, so no data flows across the boundary.
func (l *LSTM) prepareHistory(t int) {
	S := l.layout.Streams()
	if t == 0 {
		l.prevOutput.Copy(l.pastOutput)
		l.prevState.Copy(l.pastState)
	} else {
		l.prevOutput.Copy(l.value.ColumnSlice((t-1)*S, S))
		l.prevState.Copy(l.state.ColumnSlice((t-1)*S, S))
	}
	if !l.layout.IsFrame(t, mb.SequenceStart) {
		return
	}
	for s := 0; s < S; s++ {
		if l.layout.Is(s, t, mb.SequenceStart) {
			l.prevOutput.ColumnSlice(s, 1).Zero()
			l.prevState.ColumnSlice(s, 1).Fill(l.defaultState)
		}
	}
}

// stepFrame computes one frame-wide slice of the gated recurrence:
//
//	gate = σ(Wx·x + Wh·h_prev + Wc ⊙ c + b)   for input/forget/output
//	g    = tanh(Wxc·x + Whc·h_prev + bc)
//	c_t  = gi ⊙ g + gf ⊙ c_prev
//	h_t  = go ⊙ tanh(c_t)
//
// The peephole terms are column broadcasts, not matrix products. Peepholes
// on the input and forget gate see c_prev; the output gate sees c_t.
func (l *LSTM) stepFrame(t int) {
	S := l.layout.Streams()
	in, out := l.inputDim, l.outputDim

	obs := l.inputs[0].Value().ColumnSlice(t*S, S)
	Wi := l.inputs[1].Value()
	Wf := l.inputs[2].Value()
	Wo := l.inputs[3].Value()
	Wc := l.inputs[4].Value()

	gi := l.gi.ColumnSlice(t*S, S)
	gf := l.gf.ColumnSlice(t*S, S)
	gOut := l.gOut.ColumnSlice(t*S, S)
	st := l.state.ColumnSlice(t*S, S)
	tanhSt := l.tanhState.ColumnSlice(t*S, S)
	tanhOb := l.tanhObs.ColumnSlice(t*S, S)
	output := l.value.ColumnSlice(t*S, S)

	tmp := mat32.Borrow(out, S)
	defer mat32.Return(tmp)

	// input gate
	mat32.Mul(gi, Wi.ColumnSlice(1, in), obs)
	mat32.MulAdd(gi, Wi.ColumnSlice(1+in, out), false, l.prevOutput, false)
	mat32.AddColBroadcast(gi, Wi.ColumnSlice(0, 1))
	tmp.Copy(l.prevState)
	mat32.MulColBroadcast(tmp, Wi.ColumnSlice(1+in+out, 1))
	mat32.Add(gi, tmp)
	mat32.Sigmoid(gi, gi)

	// forget gate
	mat32.Mul(gf, Wf.ColumnSlice(1, in), obs)
	mat32.MulAdd(gf, Wf.ColumnSlice(1+in, out), false, l.prevOutput, false)
	mat32.AddColBroadcast(gf, Wf.ColumnSlice(0, 1))
	tmp.Copy(l.prevState)
	mat32.MulColBroadcast(tmp, Wf.ColumnSlice(1+in+out, 1))
	mat32.Add(gf, tmp)
	mat32.Sigmoid(gf, gf)

	// cell state
	mat32.Mul(st, Wc.ColumnSlice(1, in), obs)
	mat32.MulAdd(st, Wc.ColumnSlice(1+in, out), false, l.prevOutput, false)
	mat32.AddColBroadcast(st, Wc.ColumnSlice(0, 1))
	mat32.Tanh(tanhOb, st)
	mat32.Hadamard(st, gi, tanhOb)
	mat32.AddHadamard(st, gf, l.prevState)

	// output gate
	mat32.Mul(gOut, Wo.ColumnSlice(1, in), obs)
	mat32.MulAdd(gOut, Wo.ColumnSlice(1+in, out), false, l.prevOutput, false)
	mat32.AddColBroadcast(gOut, Wo.ColumnSlice(0, 1))
	tmp.Copy(st)
	mat32.MulColBroadcast(tmp, Wo.ColumnSlice(1+in+out, 1))
	mat32.Add(gOut, tmp)
	mat32.Sigmoid(gOut, gOut)

	mat32.Tanh(tanhSt, st)
	mat32.Hadamard(output, gOut, tanhSt)
}

// saveLastState snapshots each stream's last valid (non-NoFeature) output
// and state columns. Streams may end before the last frame inside a packed
// minibatch, so the scan walks backward per stream.
func (l *LSTM) saveLastState() {
	S := l.layout.Streams()
	T := l.layout.Frames()
	l.lastOutput.Resize(l.outputDim, S)
	l.lastOutput.Zero()
	l.lastState.Resize(l.outputDim, S)
	l.lastState.Zero()

	for s := 0; s < S; s++ {
		for t := T - 1; t >= 0; t-- {
			if l.layout.Is(s, t, mb.NoFeature) {
				continue
			}
			l.lastOutput.ColumnSlice(s, 1).Copy(l.value.ColumnSlice(t*S+s, 1))
			l.lastState.ColumnSlice(s, 1).Copy(l.state.ColumnSlice(t*S+s, 1))
			break
		}
	}
}

/// History returns the cross-minibatch carry: the carry read at the start of
// the pass when last is false, or the last valid output/state snapshot when
// last is true (what a truncated-BPTT driver feeds to the next minibatch).
func (l *LSTM) History(last bool) Carry {
	if last {
		return Carry{Output: l.lastOutput.Dense(), State: l.lastState.Dense()}
	}
	return Carry{Output: l.pastOutput.Dense(), State: l.pastState.Dense()}
}

// SetHistory installs an externally carried output/state pair, as handed
// between minibatches by a truncated-BPTT driver.
func (l *LSTM) SetHistory(c Carry) error {
	out, err := mat32.FromDense(c.Output)
	if err != nil {
		return errors.Wrapf(err, "%s: set history output", l.name)
	}
	st, err := mat32.FromDense(c.State)
	if err != nil {
		return errors.Wrapf(err, "%s: set history state", l.name)
	}
	l.pastOutput.Copy(out)
	l.pastState.Copy(st)
	l.carryPending = false
	return nil
}

// ErrorsToPreviousMinibatch returns the gradient carry produced by the last
// reverse sweep: the gradients w.r.t. the output and state that entered
// this minibatch, for consumption by the chronologically earlier
// minibatch's backward pass.
func (l *LSTM) ErrorsToPreviousMinibatch() ErrorCarry {
	return ErrorCarry{Output: l.errToPrevOutput.Dense(), State: l.errToPrevState.Dense()}
}

// SetErrorsFromFutureMinibatch installs the gradient carry from the
// chronologically later minibatch's backward pass and enables the
// cross-minibatch error path for subsequent sweeps.
func (l *LSTM) SetErrorsFromFutureMinibatch(c ErrorCarry) error {
	out, err := mat32.FromDense(c.Output)
	if err != nil {
		return errors.Wrapf(err, "%s: set future errors output", l.name)
	}
	st, err := mat32.FromDense(c.State)
	if err != nil {
		return errors.Wrapf(err, "%s: set future errors state", l.name)
	}
	l.futureObsErr.Copy(out)
	l.futureStateErr.Copy(st)
	l.useFutureErrors = true
	return nil
}
