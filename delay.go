package recurrent

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/seqmind/recurrent/mat32"
	"github.com/seqmind/recurrent/mb"
)

// Direction says where in time a DelayedValue reads from.
type Direction int

const (
	// Past reads the value from timeStep frames earlier.
	Past Direction = -1
	// Future reads the value from timeStep frames later.
	Future Direction = 1
)

// boundary is the flag kind that forces a reset for this direction: a
// backward-looking read must not cross a sequence start, a forward-looking
// read must not cross a sequence end.
func (d Direction) boundary() mb.Flags {
	if d == Past {
		return mb.SequenceStart
	}
	return mb.SequenceEnd
}

// DelayedValue shifts its input by timeStep frames along the time axis of a
// packed minibatch. Columns whose shifted read would cross a sequence
// boundary produce the configured initial activation instead; reads that
// fall off the minibatch edge come from the history carried over from the
// previous minibatch. Past and future variants share this one
// implementation and differ only in the direction tag.
type DelayedValue struct {
	name     string
	in       Node
	dir      Direction
	timeStep int
	initial  float32

	value *mat32.Matrix
	grad  *mat32.Matrix

	// delayed carries the previous minibatch's input values; historySet
	// records that an external driver supplied it, so automatic priming at
	// the minibatch edge must not clobber it.
	delayed    *mat32.Matrix
	historySet bool

	shifted *mb.Layout
}

// PastValue returns a node reading its input timeStep frames in the past.
func PastValue(name string, in Node, initial float32, timeStep int) *DelayedValue {
	return newDelayedValue(name, in, Past, initial, timeStep)
}

// FutureValue returns a node reading its input timeStep frames in the
// future, as used by bidirectional models.
func FutureValue(name string, in Node, initial float32, timeStep int) *DelayedValue {
	return newDelayedValue(name, in, Future, initial, timeStep)
}

func newDelayedValue(name string, in Node, dir Direction, initial float32, timeStep int) *DelayedValue {
	return &DelayedValue{
		name:     name,
		in:       in,
		dir:      dir,
		timeStep: timeStep,
		initial:  initial,
		value:    mat32.New(0, 0),
		grad:     mat32.New(0, 0),
		delayed:  mat32.New(0, 0),
		shifted:  mb.New(0, 0),
	}
}

func (d *DelayedValue) Name() string         { return d.name }
func (d *DelayedValue) Value() *mat32.Matrix { return d.value }
func (d *DelayedValue) Grad() *mat32.Matrix  { return d.grad }
func (d *DelayedValue) Inputs() []Node       { return []Node{d.in} }

// TimeStep returns the shift distance.
func (d *DelayedValue) TimeStep() int { return d.timeStep }

// Validate checks the node's arity and configuration and sizes the output
// to the input's shape.
func (d *DelayedValue) Validate() error {
	if d.timeStep <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: time step must be positive, got %d", d.name, d.timeStep)
	}
	if d.in == nil {
		return errors.Wrapf(ErrInvalidConfig, "%s: delayed-value operations take exactly one input", d.name)
	}
	if in := d.in.Value(); !in.IsEmpty() {
		d.value.Resize(in.Rows(), in.Cols())
	}
	return nil
}

// SetLayout installs the minibatch boundary information and derives the
// shifted variant used by this node: for a shift of k, the k-1 frames that
// follow a boundary (walking away from the read direction) are poisoned
// with the reset flag per stream, because a read of k frames would cross
// the boundary from any of them. A NoFeature frame cancels the remaining
// propagation for its stream. Must be called again whenever the base
// layout changes.
func (d *DelayedValue) SetLayout(l *mb.Layout) error {
	if d.timeStep <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: time step must be positive, got %d", d.name, d.timeStep)
	}
	d.shifted.CopyFrom(l)
	if d.timeStep <= 1 {
		return nil
	}

	// With two packed utterances and a shift of 2 (S: start, E: end,
	// N: no data):
	//	S X X X E S X X X X E N N
	// the shifted layout for a past read becomes
	//	S S X X E S S X X X E N N
	flag := d.dir.boundary()
	S, T := l.Streams(), l.Frames()
	resetLeft := make([]int, S)
	start, end, step := 0, T, 1
	if d.dir == Future {
		start, end, step = T-1, -1, -1
	}
	for t := start; t != end; t += step {
		if l.IsFrame(t, flag|mb.NoFeature) {
			for s := 0; s < S; s++ {
				if l.Is(s, t, flag) {
					resetLeft[s] = d.timeStep
				} else if l.Is(s, t, mb.NoFeature) {
					resetLeft[s] = 0
				}
			}
		}
		for s := 0; s < S; s++ {
			if resetLeft[s] > 0 {
				resetLeft[s]--
				d.shifted.Mask(s, t, mb.NoLabel)
				d.shifted.Set(s, t, flag)
			}
		}
	}
	return nil
}

// Evaluate runs the forward pass over the whole minibatch, visiting frames
// in increasing time order for a past read and decreasing order for a
// future read, then snapshots the input as the next minibatch's history.
// On a first-ever pass with no SetHistory the history is primed from the
// input's current values, same as the frame-driven mode; a supplied
// history is consumed by exactly one pass.
func (d *DelayedValue) Evaluate() error {
	in := d.in.Value()
	S := d.shifted.Streams()
	if S == 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: no layout set", d.name)
	}
	if d.delayed.IsEmpty() {
		d.delayed.Copy(in)
	}
	T := in.Cols() / S
	if d.dir == Past {
		for t := 0; t < T; t++ {
			if err := d.evaluateFrame(t, in); err != nil {
				return err
			}
		}
	} else {
		for t := T - 1; t >= 0; t-- {
			if err := d.evaluateFrame(t, in); err != nil {
				return err
			}
		}
	}
	d.delayed.Copy(in)
	d.historySet = false
	return nil
}

// EvaluateFrame runs the forward pass for one frame. At the minibatch edge
// (t == 0 for past, the last frame for future) the history is primed from
// the input's current values, unless a driver already supplied it through
// SetHistory. The supplied history lasts for one pass: evaluating the far
// frame clears it, so the next minibatch primes automatically again.
func (d *DelayedValue) EvaluateFrame(t int) error {
	in := d.in.Value()
	S := d.shifted.Streams()
	if S == 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: no layout set", d.name)
	}
	T := in.Cols() / S
	edge, tail := 0, T - 1
	if d.dir == Future {
		edge, tail = T - 1, 0
	}
	if t == edge && !d.historySet {
		d.delayed.Copy(in)
	}
	if err := d.evaluateFrame(t, in); err != nil {
		return err
	}
	if t == tail {
		d.historySet = false
	}
	return nil
}

func (d *DelayedValue) evaluateFrame(t int, in *mat32.Matrix) error {
	S := d.shifted.Streams()
	if !d.value.SameShape(in) {
		d.value.Resize(in.Rows(), in.Cols())
	}

	delayedIndex := (t + int(d.dir)*d.timeStep) * S
	fromHistory := delayedIndex < 0 || delayedIndex >= in.Cols()

	if d.shifted.IsFrame(t, d.dir.boundary()) {
		for s := 0; s < S; s++ {
			out := d.value.ColumnSlice(t*S+s, 1)
			if d.shifted.Is(s, t, d.dir.boundary()) {
				out.Fill(d.initial)
			} else {
				out.Copy(d.readShifted(in, delayedIndex+s, 1, fromHistory))
			}
		}
		return nil
	}
	d.value.ColumnSlice(t*S, S).Copy(d.readShifted(in, delayedIndex, S, fromHistory))
	return nil
}

// readShifted resolves a shifted read of n columns starting at col: from the
// input when in range, otherwise from the carried history with modulo
// wraparound over its width. The wraparound tolerates a previous minibatch
// of a different width; it is an explicit fallback, not an error.
func (d *DelayedValue) readShifted(in *mat32.Matrix, col, n int, fromHistory bool) *mat32.Matrix {
	if !fromHistory {
		return in.ColumnSlice(col, n)
	}
	w := d.delayed.Cols()
	start := mod(col, w)
	if start+n <= w {
		return d.delayed.ColumnSlice(start, n)
	}
	// the span wraps; gather column by column
	out := mat32.New(d.delayed.Rows(), n)
	for i := 0; i < n; i++ {
		out.ColumnSlice(i, 1).Copy(d.delayed.ColumnSlice(mod(col+i, w), 1))
	}
	return out
}

// ComputeGradient runs the backward pass over the whole minibatch, visiting
// frames in the reverse of the forward order.
func (d *DelayedValue) ComputeGradient(inputIndex int) error {
	S := d.shifted.Streams()
	if S == 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: no layout set", d.name)
	}
	if !d.grad.SameShape(d.value) {
		return errors.Wrapf(ErrShapeMismatch, "%s: gradient is %v but output is %v", d.name, d.grad, d.value)
	}
	T := d.grad.Cols() / S
	if d.dir == Past {
		for t := T - 1; t >= 0; t-- {
			if err := d.ComputeGradientFrame(inputIndex, t); err != nil {
				return err
			}
		}
		return nil
	}
	for t := 0; t < T; t++ {
		if err := d.ComputeGradientFrame(inputIndex, t); err != nil {
			return err
		}
	}
	return nil
}

// ComputeGradientFrame scatter-adds the output gradient of frame t into the
// input gradient at the shifted index. Columns that were reset read a
// constant in the forward pass, so they contribute nothing; a gradient
// falling off the minibatch edge is dropped here (the cross-minibatch error
// path belongs to the driver).
func (d *DelayedValue) ComputeGradientFrame(inputIndex, t int) error {
	if inputIndex != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: delayed-value operations take exactly one input, got input index %d", d.name, inputIndex)
	}
	if !d.grad.SameShape(d.value) {
		return errors.Wrapf(ErrShapeMismatch, "%s: gradient is %v but output is %v", d.name, d.grad, d.value)
	}
	S := d.shifted.Streams()
	T := d.grad.Cols() / S
	tgt := t + int(d.dir)*d.timeStep
	if tgt < 0 || tgt >= T {
		return nil
	}

	inGrad := d.in.Grad()
	if inGrad.IsEmpty() {
		inGrad.Resize(d.grad.Rows(), d.grad.Cols())
		inGrad.Zero()
	}

	flag := d.dir.boundary()
	if d.shifted.IsFrame(t, flag|mb.NoFeature) {
		for s := 0; s < S; s++ {
			if d.shifted.Is(s, t, flag) || d.shifted.Is(s, t, mb.NoFeature) {
				continue
			}
			mat32.Add(inGrad.ColumnSlice(tgt*S+s, 1), d.grad.ColumnSlice(t*S+s, 1))
		}
		return nil
	}
	mat32.Add(inGrad.ColumnSlice(tgt*S, S), d.grad.ColumnSlice(t*S, S))
	return nil
}

// History snapshots the values that the next minibatch's shifted reads will
// fall back to, for an external truncated-BPTT driver.
func (d *DelayedValue) History() *tensor.Dense {
	return d.in.Value().Dense()
}

// SetHistory installs an externally carried history and marks it primed, so
// the node will not overwrite it at the minibatch edge. The mark holds for
// one forward pass.
func (d *DelayedValue) SetHistory(h *tensor.Dense) error {
	m, err := mat32.FromDense(h)
	if err != nil {
		return errors.Wrapf(err, "%s: set history", d.name)
	}
	d.delayed.Copy(m)
	d.historySet = true
	return nil
}

func mod(a, b int) int {
	return ((a % b) + b) % b
}
