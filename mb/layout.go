// Package mb describes the layout of a packed minibatch: several
// variable-length sequences laid out in parallel streams over a shared time
// axis, with per-cell boundary flags telling consumers where sequences
// start, end, or have no data at all.
package mb

// Layout is the boundary information of a packed minibatch with a fixed
// number of parallel streams. Storage is frame-major, so the flags of all
// streams at one frame are contiguous. A per-frame aggregate (the OR of the
// frame's column) is maintained on every mutation so that consumers can
// cheaply skip frames with no boundaries in them.
type Layout struct {
	streams int
	frames  int
	flags   []Flags // frame-major: flags[t*streams+s]
	agg     []Flags // OR over each frame's column
}

// New returns a Layout of streams x frames cells, all None.
func New(streams, frames int) *Layout {
	l := &Layout{}
	l.Resize(streams, frames)
	return l
}

// Resize reshapes the layout and clears all flags.
func (l *Layout) Resize(streams, frames int) {
	l.streams = streams
	l.frames = frames
	if cap(l.flags) < streams*frames {
		l.flags = make([]Flags, streams*frames)
	} else {
		l.flags = l.flags[:streams*frames]
		for i := range l.flags {
			l.flags[i] = None
		}
	}
	if cap(l.agg) < frames {
		l.agg = make([]Flags, frames)
	} else {
		l.agg = l.agg[:frames]
		for i := range l.agg {
			l.agg[i] = None
		}
	}
}

// Streams returns the number of parallel streams.
func (l *Layout) Streams() int { return l.streams }

// Frames returns the number of time steps.
func (l *Layout) Frames() int { return l.frames }

// Set ORs f into the cell at (stream, t).
func (l *Layout) Set(stream, t int, f Flags) {
	l.flags[t*l.streams+stream] |= f
	l.agg[t] |= f
}

// Mask keeps only the bits of keep in the cell at (stream, t), then
// recomputes the frame aggregate.
func (l *Layout) Mask(stream, t int, keep Flags) {
	l.flags[t*l.streams+stream] &= keep
	l.recomputeAgg(t)
}

// Get returns the flags of the cell at (stream, t).
func (l *Layout) Get(stream, t int) Flags {
	return l.flags[t*l.streams+stream]
}

// Is reports whether the cell at (stream, t) carries any bit of f.
func (l *Layout) Is(stream, t int, f Flags) bool {
	return l.flags[t*l.streams+stream].Has(f)
}

// IsFrame reports whether any stream at frame t carries any bit of f.
func (l *Layout) IsFrame(t int, f Flags) bool {
	return l.agg[t].Has(f)
}

// Frame returns a copy of the per-stream flags column at t and the frame
// aggregate.
func (l *Layout) Frame(t int) ([]Flags, Flags) {
	col := make([]Flags, l.streams)
	copy(col, l.flags[t*l.streams:(t+1)*l.streams])
	return col, l.agg[t]
}

// Clone returns a deep copy sharing no storage.
func (l *Layout) Clone() *Layout {
	l2 := New(l.streams, l.frames)
	copy(l2.flags, l.flags)
	copy(l2.agg, l.agg)
	return l2
}

// CopyFrom makes l a deep copy of src.
func (l *Layout) CopyFrom(src *Layout) {
	l.Resize(src.streams, src.frames)
	copy(l.flags, src.flags)
	copy(l.agg, src.agg)
}

func (l *Layout) recomputeAgg(t int) {
	var a Flags
	for _, f := range l.flags[t*l.streams : (t+1)*l.streams] {
		a |= f
	}
	l.agg[t] = a
}
