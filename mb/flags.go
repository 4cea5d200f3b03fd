package mb

import "strings"

// Flags describes what a single (stream, frame) cell of a packed minibatch
// holds. Cells may carry combinations: a one-frame sequence is both
// SequenceStart and SequenceEnd.
type Flags byte

const (
	// None marks an ordinary frame in the middle of a sequence.
	None Flags = 0

	// SequenceStart marks the first frame of a sequence.
	SequenceStart Flags = 1 << iota

	// SequenceEnd marks the last frame of a sequence.
	SequenceEnd

	// NoFeature marks a frame with no input data (padding after a short
	// sequence).
	NoFeature

	// NoLabel marks a frame with no label data.
	NoLabel

	// NoInput is a frame with neither features nor labels.
	NoInput = NoFeature | NoLabel
)

// Has reports whether any of the bits in f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 != 0 }

func (f Flags) String() string {
	if f == None {
		return "None"
	}
	var parts []string
	if f.Has(SequenceStart) {
		parts = append(parts, "SequenceStart")
	}
	if f.Has(SequenceEnd) {
		parts = append(parts, "SequenceEnd")
	}
	if f.Has(NoFeature) {
		parts = append(parts, "NoFeature")
	}
	if f.Has(NoLabel) {
		parts = append(parts, "NoLabel")
	}
	return strings.Join(parts, "|")
}
