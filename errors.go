package recurrent

import "github.com/pkg/errors"

// The error taxonomy of this package. Every failure wraps one of these
// sentinels, so callers can discriminate with errors.Cause without parsing
// messages.
var (
	// ErrInvalidConfig is the cause of configuration failures: non-positive
	// shift distances, wrong input arity, mismatched parameter blocks.
	// These fail before any computation runs.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrShapeMismatch is the cause of shape failures detected at the start
	// of a pass, such as a gradient tensor that does not match the forward
	// output.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNotImplemented is the cause of failures on code paths whose
	// semantics are not defined for the requested configuration. Such paths
	// fail loudly instead of guessing.
	ErrNotImplemented = errors.New("not implemented for this configuration")
)
