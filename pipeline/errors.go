package pipeline

import "errors"

// Sentinel errors for pipeline stage operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidArgument indicates a malformed request or stream reference.
	ErrInvalidArgument = errors.New("invalid pipeline argument")

	// ErrNotConfigured indicates an operation before Configure.
	ErrNotConfigured = errors.New("pipeline stage not configured")

	// ErrAlreadyConfigured indicates a duplicate Configure call; stream
	// configuration of a stage is one-shot.
	ErrAlreadyConfigured = errors.New("pipeline stage already configured")

	// ErrAlreadyExists indicates duplicate setup, such as setting a
	// result processor twice or re-registering a pending frame.
	ErrAlreadyExists = errors.New("already exists")

	// ErrBlockBusy indicates concurrent submissions: another caller's
	// handoff to the backend is still in progress. Depth bounding across
	// in-flight frames is the admission control's job.
	ErrBlockBusy = errors.New("process block handoff in progress")

	// ErrResourceExhausted indicates no internal stream buffer was
	// available.
	ErrResourceExhausted = errors.New("no buffer available")
)
