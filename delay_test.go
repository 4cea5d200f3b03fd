package recurrent

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqmind/recurrent/mb"
)

// fillFrames writes a distinct value per (stream, frame) column so tests
// can tell exactly which column a shifted read resolved to.
func fillFrames(n Node, S, T int) {
	v := n.Value()
	for t := 0; t < T; t++ {
		for s := 0; s < S; s++ {
			col := v.ColumnSlice(t*S+s, 1)
			for r := 0; r < v.Rows(); r++ {
				col.SetAt(r, 0, float32(100*t+10*s+r))
			}
		}
	}
}

func setupDelay(t *testing.T, d *DelayedValue, lay *mb.Layout) {
	t.Helper()
	require.NoError(t, d.Validate())
	require.NoError(t, d.SetLayout(lay))
	require.NoError(t, d.Evaluate())
}

func TestPastValueShiftsByOne(t *testing.T) {
	const S, T, rows = 1, 4, 2
	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(0, T-1, mb.SequenceEnd)

	d := PastValue("d", x, 0.5, 1)
	setupDelay(t, d, lay)

	// frame 0 starts a sequence: initial activation
	assert.Equal(t, float32(0.5), d.Value().At(0, 0))
	assert.Equal(t, float32(0.5), d.Value().At(1, 0))
	// later frames read one frame back
	for tt := 1; tt < T; tt++ {
		assert.Equal(t, x.Value().At(0, tt-1), d.Value().At(0, tt), "frame %d", tt)
	}
}

func TestFutureValueShiftsByOne(t *testing.T) {
	const S, T, rows = 1, 4, 2
	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(0, T-1, mb.SequenceEnd)

	d := FutureValue("d", x, -1, 1)
	setupDelay(t, d, lay)

	// the last frame ends the sequence: initial activation
	assert.Equal(t, float32(-1), d.Value().At(0, T-1))
	for tt := 0; tt < T-1; tt++ {
		assert.Equal(t, x.Value().At(0, tt+1), d.Value().At(0, tt), "frame %d", tt)
	}
}

func TestOneFrameSequenceResets(t *testing.T) {
	// a one-frame sequence packed mid-batch is both start and end, so both
	// directions must produce the initial value there
	const S, T = 1, 3
	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(0, 0, mb.SequenceEnd)
	lay.Set(0, 1, mb.SequenceStart|mb.SequenceEnd)
	lay.Set(0, 2, mb.SequenceStart)
	lay.Set(0, 2, mb.SequenceEnd)

	x := NewInput("x", 1, S*T)
	fillFrames(x, S, T)

	past := PastValue("p", x, 7, 1)
	setupDelay(t, past, lay)
	assert.Equal(t, float32(7), past.Value().At(0, 1))

	future := FutureValue("f", x, 9, 1)
	setupDelay(t, future, lay)
	assert.Equal(t, float32(9), future.Value().At(0, 1))
}

func TestPastValuePerStreamBoundaries(t *testing.T) {
	// two streams whose sequences start at different frames
	const S, T, rows = 2, 3, 1
	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(1, 1, mb.SequenceStart)
	lay.Set(1, 0, mb.NoFeature)

	d := PastValue("d", x, 0, 1)
	setupDelay(t, d, lay)

	// stream 1 resets at frame 1, stream 0 reads through it
	assert.Equal(t, x.Value().At(0, 0*S+0), d.Value().At(0, 1*S+0))
	assert.Equal(t, float32(0), d.Value().At(0, 1*S+1))
	// frame 2: both streams read frame 1
	assert.Equal(t, x.Value().At(0, 1*S+0), d.Value().At(0, 2*S+0))
	assert.Equal(t, x.Value().At(0, 1*S+1), d.Value().At(0, 2*S+1))
}

func TestShiftedLayoutPropagation(t *testing.T) {
	// a shift of 3 poisons the two frames after a start for past reads
	const S, T = 1, 6
	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(0, T-1, mb.SequenceEnd)

	x := NewInput("x", 1, S*T)
	d := PastValue("d", x, 0, 3)
	require.NoError(t, d.SetLayout(lay))

	for tt := 0; tt < 3; tt++ {
		assert.True(t, d.shifted.Is(0, tt, mb.SequenceStart), "frame %d should be reset", tt)
	}
	for tt := 3; tt < T; tt++ {
		assert.False(t, d.shifted.Is(0, tt, mb.SequenceStart), "frame %d should read through", tt)
	}
}

func TestShiftedLayoutPropagationFuture(t *testing.T) {
	// for future reads the poison walks backward from the end
	const S, T = 1, 6
	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(0, T-1, mb.SequenceEnd)

	x := NewInput("x", 1, S*T)
	d := FutureValue("d", x, 0, 3)
	require.NoError(t, d.SetLayout(lay))

	for tt := T - 3; tt < T; tt++ {
		assert.True(t, d.shifted.Is(0, tt, mb.SequenceEnd), "frame %d should be reset", tt)
	}
	for tt := 0; tt < T-3; tt++ {
		assert.False(t, d.shifted.Is(0, tt, mb.SequenceEnd), "frame %d should read through", tt)
	}
}

func TestNoFeatureCancelsPropagation(t *testing.T) {
	// S X N X: the gap frame stops the reset poison for its stream
	const S, T = 1, 4
	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(0, 2, mb.NoFeature)

	x := NewInput("x", 1, S*T)
	d := PastValue("d", x, 0, 3)
	require.NoError(t, d.SetLayout(lay))

	assert.True(t, d.shifted.Is(0, 1, mb.SequenceStart))
	assert.False(t, d.shifted.Is(0, 3, mb.SequenceStart))
}

func TestInvalidTimeStep(t *testing.T) {
	x := NewInput("x", 1, 4)
	d := PastValue("d", x, 0, 0)
	err := d.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))

	assert.Equal(t, ErrInvalidConfig, errors.Cause(d.SetLayout(mb.New(1, 4))))
}

func TestEvaluateWithoutLayout(t *testing.T) {
	x := NewInput("x", 1, 4)
	d := PastValue("d", x, 0, 1)
	require.NoError(t, d.Validate())
	err := d.Evaluate()
	require.Error(t, err)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestGradientScatter(t *testing.T) {
	const S, T, rows = 1, 4, 1
	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)

	d := PastValue("d", x, 0, 1)
	setupDelay(t, d, lay)

	d.Grad().Resize(rows, S*T)
	d.Grad().Fill(1)
	require.NoError(t, d.ComputeGradient(0))

	g := x.Grad()
	// frame 0's gradient was dropped at the boundary; frames 1..3 each
	// scattered one unit back to frames 0..2
	assert.Equal(t, float32(1), g.At(0, 0))
	assert.Equal(t, float32(1), g.At(0, 1))
	assert.Equal(t, float32(1), g.At(0, 2))
	assert.Equal(t, float32(0), g.At(0, 3))
}

func TestGradientSkipsResetStreams(t *testing.T) {
	const S, T = 2, 3
	x := NewInput("x", 1, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(1, 1, mb.SequenceStart)
	lay.Set(1, 0, mb.NoFeature)

	d := PastValue("d", x, 0, 1)
	setupDelay(t, d, lay)

	d.Grad().Resize(1, S*T)
	d.Grad().Fill(1)
	require.NoError(t, d.ComputeGradient(0))

	g := x.Grad()
	// stream 1 resets at frame 1, so frame 0 of stream 1 receives nothing
	assert.Equal(t, float32(0), g.At(0, 0*S+1))
	// stream 0 reads through every frame
	assert.Equal(t, float32(1), g.At(0, 0*S+0))
	assert.Equal(t, float32(1), g.At(0, 1*S+0))
	assert.Equal(t, float32(1), g.At(0, 1*S+1))
}

func TestGradientShapeMismatch(t *testing.T) {
	x := NewInput("x", 1, 4)
	d := PastValue("d", x, 0, 1)
	lay := mb.New(1, 4)
	setupDelay(t, d, lay)

	d.Grad().Resize(2, 4) // wrong rows
	err := d.ComputeGradient(0)
	require.Error(t, err)
	assert.Equal(t, ErrShapeMismatch, errors.Cause(err))
}

func TestGradientBadInputIndex(t *testing.T) {
	x := NewInput("x", 1, 4)
	d := PastValue("d", x, 0, 1)
	lay := mb.New(1, 4)
	setupDelay(t, d, lay)

	d.Grad().Resize(1, 4)
	err := d.ComputeGradientFrame(1, 0)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestHistoryCarriesAcrossMinibatches(t *testing.T) {
	const S, T, rows = 1, 3, 2
	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)

	d := PastValue("d", x, 0, 1)
	setupDelay(t, d, lay)
	h := d.History()
	lastIn := x.Value().Clone()

	// second minibatch of the same sequence: no start flag at frame 0
	x2 := x.Value()
	for i := range x2.Data() {
		x2.Data()[i] += 1000
	}
	d2 := PastValue("d", x, 0, 1)
	require.NoError(t, d2.Validate())
	require.NoError(t, d2.SetLayout(mb.New(S, T)))
	require.NoError(t, d2.SetHistory(h))
	require.NoError(t, d2.Evaluate())

	// frame 0 now reads the previous minibatch's last frame
	assert.Equal(t, lastIn.At(0, T-1), d2.Value().At(0, 0))
	assert.Equal(t, lastIn.At(1, T-1), d2.Value().At(1, 0))
	assert.Equal(t, x2.At(0, 0), d2.Value().At(0, 1))
}

func TestHistoryWraparound(t *testing.T) {
	// a shift larger than one frame reaches deeper into the history
	const S, T, rows = 1, 3, 1
	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	lay := mb.New(S, T)

	d := PastValue("d", x, 0, 2)
	require.NoError(t, d.Validate())
	require.NoError(t, d.SetLayout(lay))
	h := d.History()
	prev := x.Value().Clone()

	for i := range x.Value().Data() {
		x.Value().Data()[i] += 1000
	}
	require.NoError(t, d.SetHistory(h))
	require.NoError(t, d.Evaluate())

	// frame 0 reads prev frame T-2, frame 1 reads prev frame T-1
	assert.Equal(t, prev.At(0, T-2), d.Value().At(0, 0))
	assert.Equal(t, prev.At(0, T-1), d.Value().At(0, 1))
	assert.Equal(t, x.Value().At(0, 0), d.Value().At(0, 2))
}

func TestUnprimedDriveModesAgree(t *testing.T) {
	// first-ever minibatch, no boundary flags and no carried history: both
	// drive modes prime the history from the current input
	const S, T, rows = 1, 3, 2
	lay := mb.New(S, T)

	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	whole := PastValue("d", x, 0.25, 1)
	require.NoError(t, whole.Validate())
	require.NoError(t, whole.SetLayout(lay))
	require.NoError(t, whole.Evaluate())

	frame := PastValue("d", x, 0.25, 1)
	require.NoError(t, frame.Validate())
	require.NoError(t, frame.SetLayout(lay))
	for tt := 0; tt < T; tt++ {
		require.NoError(t, frame.EvaluateFrame(tt))
	}

	assert.Equal(t, whole.Value().Data(), frame.Value().Data())
	// the off-edge frame-0 read wraps into the primed snapshot
	assert.Equal(t, x.Value().At(0, T-1), whole.Value().At(0, 0))
	assert.Equal(t, x.Value().At(1, T-1), whole.Value().At(1, 0))
}

func TestHistoryPrimingExpiresAfterPass(t *testing.T) {
	const S, T, rows = 1, 2, 1
	lay := mb.New(S, T)

	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	hsrc := NewInput("h", rows, S*T)
	hsrc.Value().Fill(42)
	h := hsrc.Value().Dense()

	d := PastValue("d", x, 0, 1)
	require.NoError(t, d.Validate())
	require.NoError(t, d.SetLayout(lay))
	require.NoError(t, d.SetHistory(h))
	require.NoError(t, d.Evaluate())
	assert.Equal(t, float32(42), d.Value().At(0, 0))

	// the supplied history was consumed: the next pass falls back to the
	// carried input snapshot
	require.NoError(t, d.Evaluate())
	assert.Equal(t, x.Value().At(0, T-1), d.Value().At(0, 0))

	// frame-driven mode expires it the same way at the far frame
	f := PastValue("f", x, 0, 1)
	require.NoError(t, f.Validate())
	require.NoError(t, f.SetLayout(lay))
	require.NoError(t, f.SetHistory(h))
	for tt := 0; tt < T; tt++ {
		require.NoError(t, f.EvaluateFrame(tt))
	}
	assert.Equal(t, float32(42), f.Value().At(0, 0))
	for tt := 0; tt < T; tt++ {
		require.NoError(t, f.EvaluateFrame(tt))
	}
	assert.Equal(t, x.Value().At(0, T-1), f.Value().At(0, 0))
}

func TestFrameDrivenMatchesWholeBatch(t *testing.T) {
	const S, T, rows = 2, 4, 2
	lay := mb.New(S, T)
	lay.Set(0, 0, mb.SequenceStart)
	lay.Set(1, 2, mb.SequenceStart)
	lay.Set(1, 0, mb.NoFeature)
	lay.Set(1, 1, mb.NoFeature)

	x := NewInput("x", rows, S*T)
	fillFrames(x, S, T)

	prev := NewInput("prev", rows, S*T)
	fillFrames(prev, S, T)
	h := prev.Value().Dense()

	whole := PastValue("d", x, 0.25, 1)
	require.NoError(t, whole.Validate())
	require.NoError(t, whole.SetLayout(lay))
	require.NoError(t, whole.SetHistory(h))
	require.NoError(t, whole.Evaluate())

	frame := PastValue("d", x, 0.25, 1)
	require.NoError(t, frame.Validate())
	require.NoError(t, frame.SetLayout(lay))
	require.NoError(t, frame.SetHistory(h))
	for tt := 0; tt < T; tt++ {
		require.NoError(t, frame.EvaluateFrame(tt))
	}

	assert.Equal(t, whole.Value().Data(), frame.Value().Data())
}
