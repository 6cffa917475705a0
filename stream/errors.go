package stream

import "errors"

// Sentinel errors for stream and buffer validation.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidStream indicates a malformed stream or configuration.
	ErrInvalidStream = errors.New("invalid stream")

	// ErrInvalidHandle indicates a buffer handle that cannot be imported.
	ErrInvalidHandle = errors.New("invalid buffer handle")

	// ErrFenceTimeout indicates an acquire fence wait exceeded its deadline.
	ErrFenceTimeout = errors.New("fence wait timed out")
)
