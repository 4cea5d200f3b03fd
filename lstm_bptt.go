package recurrent

import (
	"github.com/pkg/errors"

	"github.com/seqmind/recurrent/mat32"
	"github.com/seqmind/recurrent/mb"
)

// ComputeGradient backpropagates through the whole minibatch. The first
// call after a forward pass runs a single reverse sweep that fills the
// gradients for all five inputs at once; later calls for the other inputs
// only hand out the already-computed accumulators.
func (l *LSTM) ComputeGradient(inputIndex int) error {
	if inputIndex < 0 || inputIndex >= lstmArity {
		return errors.Wrapf(ErrInvalidConfig, "%s: LSTM operations take five inputs, got gradient request for input %d", l.name, inputIndex)
	}
	if l.gradStatus == GradientNotComputed {
		if err := l.backwardSweep(); err != nil {
			return err
		}
		l.gradStatus = GradientComputed
	}

	switch inputIndex {
	case 0:
		accumulateGrad(l.inputs[0], l.grdToObs)
	case 1:
		accumulateGrad(l.inputs[1], l.grdToInputGate)
	case 2:
		accumulateGrad(l.inputs[2], l.grdToForgetGate)
	case 3:
		accumulateGrad(l.inputs[3], l.grdToOutputGate)
	case 4:
		accumulateGrad(l.inputs[4], l.grdToCellWgt)
	}
	return nil
}

// ComputeGradientFrame is unsupported: the reverse sweep needs the running
// recurrent gradients of every later frame, so the LSTM backpropagates
// whole minibatches only.
func (l *LSTM) ComputeGradientFrame(inputIndex, t int) error {
	return errors.Wrapf(ErrNotImplemented, "%s: per-frame gradients; the LSTM backpropagates whole minibatches only", l.name)
}

// backwardSweep walks frames in strictly decreasing time order. At each
// frame the upstream output gradient combines with the recurrent gradients
// carried from frame t+1 (and, under truncated BPTT, with the error carry
// from the next minibatch at each stream's final valid frame), gets zeroed
// for gap streams, and is pushed through the gate math. Recurrent gradients
// are zeroed afterward for streams whose sequence starts at t, so nothing
// leaks across a boundary.
func (l *LSTM) backwardSweep() error {
	if l.value.IsEmpty() || l.state.IsEmpty() {
		return errors.Wrapf(ErrInvalidConfig, "%s: backward pass invoked before any forward pass", l.name)
	}
	if !l.grad.SameShape(l.value) {
		return errors.Wrapf(ErrShapeMismatch, "%s: output gradient is %v, activations are %v", l.name, l.grad, l.value)
	}

	S := l.layout.Streams()
	T := l.layout.Frames()
	in, out := l.inputDim, l.outputDim

	l.grdToObs.Resize(in, S*T)
	l.grdToObs.Zero()
	for i, g := range []*mat32.Matrix{l.grdToInputGate, l.grdToForgetGate, l.grdToOutputGate, l.grdToCellWgt} {
		blk := l.inputs[i+1].Value()
		g.Resize(blk.Rows(), blk.Cols())
		g.Zero()
	}

	grdToPrevOutput := mat32.Borrow(out, S)
	grdToPrevState := mat32.Borrow(out, S)
	outGrd := mat32.Borrow(out, S)
	stateErr := mat32.Borrow(out, S)
	defer func() {
		mat32.Return(grdToPrevOutput)
		mat32.Return(grdToPrevState)
		mat32.Return(outGrd)
		mat32.Return(stateErr)
	}()

	for t := T - 1; t >= 0; t-- {
		outGrd.Copy(l.grad.ColumnSlice(t*S, S))
		mat32.Add(outGrd, grdToPrevOutput)
		stateErr.Copy(grdToPrevState)

		if l.useFutureErrors {
			for s := 0; s < S; s++ {
				if !l.carriesIntoNextMinibatch(s, t) {
					continue
				}
				mat32.Add(outGrd.ColumnSlice(s, 1), l.futureObsErr.ColumnSlice(s, 1))
				mat32.Add(stateErr.ColumnSlice(s, 1), l.futureStateErr.ColumnSlice(s, 1))
			}
		}

		// gap frames carry no signal
		if l.layout.IsFrame(t, mb.NoFeature) {
			for s := 0; s < S; s++ {
				if l.layout.Is(s, t, mb.NoFeature) {
					outGrd.ColumnSlice(s, 1).Zero()
					stateErr.ColumnSlice(s, 1).Zero()
				}
			}
		}

		grdToPrevOutput.Zero()
		grdToPrevState.Zero()

		l.prepareHistory(t)
		l.frameBackward(t, outGrd, stateErr, grdToPrevOutput, grdToPrevState)

		if l.layout.IsFrame(t, mb.SequenceStart) {
			for s := 0; s < S; s++ {
				if l.layout.Is(s, t, mb.SequenceStart) {
					grdToPrevOutput.ColumnSlice(s, 1).Zero()
					grdToPrevState.ColumnSlice(s, 1).Zero()
				}
			}
		}
	}

	l.errToPrevOutput.Copy(grdToPrevOutput)
	l.errToPrevState.Copy(grdToPrevState)
	return nil
}

// carriesIntoNextMinibatch reports whether stream s at frame t is the
// stream's final valid frame of a sequence that continues into the next
// minibatch, i.e. the frame the next minibatch's error carry belongs to.
func (l *LSTM) carriesIntoNextMinibatch(s, t int) bool {
	if l.layout.Get(s, t) != mb.None {
		return false
	}
	if t == l.layout.Frames()-1 {
		return true
	}
	return l.layout.Is(s, t+1, mb.NoFeature)
}

// frameBackward differentiates one frame of the recurrence given outGrd
// (gradient w.r.t. h_t) and stateErr (gradient w.r.t. c_t flowing in from
// frame t+1). It accumulates into the packed weight-block gradients and the
// observation gradient slice, and adds this frame's contributions to the
// recurrent gradients for frame t-1.
//
// Differentiation order matters: the output gate feeds the cell gradient
// through its peephole before the cell path is closed, and the cell
// gradient then fans out to the forget gate, input gate and cell input.
func (l *LSTM) frameBackward(t int, outGrd, stateErr, grdToPrevOutput, grdToPrevState *mat32.Matrix) {
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
	grdObs := l.grdToObs.ColumnSlice(t*S, S)

	tmp := mat32.Borrow(out, S)
	sigDeriv := mat32.Borrow(out, S)
	gateGrd := mat32.Borrow(out, S)
	grdToCell := mat32.Borrow(out, S)
	rw := mat32.Borrow(out, 1)
	defer func() {
		mat32.Return(tmp)
		mat32.Return(sigDeriv)
		mat32.Return(gateGrd)
		mat32.Return(grdToCell)
		mat32.Return(rw)
	}()

	// output gate: h = go ⊙ tanh(c), peephole on c_t
	mat32.Hadamard(tmp, outGrd, tanhSt)
	mat32.SigmoidDeriv(sigDeriv, gOut)
	mat32.Hadamard(gateGrd, tmp, sigDeriv)
	mat32.MulAdd(grdToPrevOutput, Wo.ColumnSlice(1+in, out), true, gateGrd, false)
	mat32.MulAdd(grdObs, Wo.ColumnSlice(1, in), true, gateGrd, false)
	grdToCell.Copy(gateGrd)
	mat32.MulColBroadcast(grdToCell, Wo.ColumnSlice(1+in+out, 1))
	mat32.MulAdd(l.grdToOutputGate.ColumnSlice(1+in, out), gateGrd, false, l.prevOutput, true)
	mat32.MulAdd(l.grdToOutputGate.ColumnSlice(1, in), gateGrd, false, obs, true)
	mat32.RowwiseDot(rw, gateGrd, st)
	mat32.Add(l.grdToOutputGate.ColumnSlice(1+in+out, 1), rw)
	mat32.AddRowSums(l.grdToOutputGate.ColumnSlice(0, 1), gateGrd)

	// close the cell gradient: tanh path plus the state error from t+1
	mat32.Hadamard(tmp, outGrd, gOut)
	mat32.AddTanhDeriv(grdToCell, tanhSt, tmp)
	mat32.Add(grdToCell, stateErr)

	// c_t = gi ⊙ g + gf ⊙ c_prev, so c_prev receives gf ⊙ dc
	mat32.Hadamard(grdToPrevState, gf, grdToCell)

	// forget gate, peephole on c_prev
	mat32.Hadamard(tmp, l.prevState, grdToCell)
	mat32.SigmoidDeriv(sigDeriv, gf)
	mat32.Hadamard(gateGrd, sigDeriv, tmp)
	mat32.MulAdd(grdToPrevOutput, Wf.ColumnSlice(1+in, out), true, gateGrd, false)
	tmp.Copy(gateGrd)
	mat32.MulColBroadcast(tmp, Wf.ColumnSlice(1+in+out, 1))
	mat32.Add(grdToPrevState, tmp)
	mat32.MulAdd(grdObs, Wf.ColumnSlice(1, in), true, gateGrd, false)
	mat32.MulAdd(l.grdToForgetGate.ColumnSlice(1+in, out), gateGrd, false, l.prevOutput, true)
	mat32.RowwiseDot(rw, gateGrd, l.prevState)
	mat32.Add(l.grdToForgetGate.ColumnSlice(1+in+out, 1), rw)
	mat32.MulAdd(l.grdToForgetGate.ColumnSlice(1, in), gateGrd, false, obs, true)
	mat32.AddRowSums(l.grdToForgetGate.ColumnSlice(0, 1), gateGrd)

	// input gate, peephole on c_prev
	mat32.Hadamard(tmp, tanhOb, grdToCell)
	mat32.SigmoidDeriv(sigDeriv, gi)
	mat32.Hadamard(gateGrd, sigDeriv, tmp)
	mat32.MulAdd(grdToPrevOutput, Wi.ColumnSlice(1+in, out), true, gateGrd, false)
	tmp.Copy(gateGrd)
	mat32.MulColBroadcast(tmp, Wi.ColumnSlice(1+in+out, 1))
	mat32.Add(grdToPrevState, tmp)
	mat32.MulAdd(grdObs, Wi.ColumnSlice(1, in), true, gateGrd, false)
	mat32.MulAdd(l.grdToInputGate.ColumnSlice(1+in, out), gateGrd, false, l.prevOutput, true)
	mat32.RowwiseDot(rw, gateGrd, l.prevState)
	mat32.Add(l.grdToInputGate.ColumnSlice(1+in+out, 1), rw)
	mat32.MulAdd(l.grdToInputGate.ColumnSlice(1, in), gateGrd, false, obs, true)
	mat32.AddRowSums(l.grdToInputGate.ColumnSlice(0, 1), gateGrd)

	// cell input: g = tanh(Wxc·x + Whc·h_prev + bc)
	mat32.Hadamard(tmp, gi, grdToCell)
	gateGrd.Zero()
	mat32.AddTanhDeriv(gateGrd, tanhOb, tmp)
	mat32.MulAdd(grdObs, Wc.ColumnSlice(1, in), true, gateGrd, false)
	mat32.MulAdd(grdToPrevOutput, Wc.ColumnSlice(1+in, out), true, gateGrd, false)
	mat32.MulAdd(l.grdToCellWgt.ColumnSlice(1, in), gateGrd, false, obs, true)
	mat32.MulAdd(l.grdToCellWgt.ColumnSlice(1+in, out), gateGrd, false, l.prevOutput, true)
	mat32.AddRowSums(l.grdToCellWgt.ColumnSlice(0, 1), gateGrd)
}
