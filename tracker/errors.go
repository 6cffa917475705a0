package tracker

import "errors"

// Sentinel errors for admission and completion tracking.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidDepth indicates a pipeline depth below one.
	ErrInvalidDepth = errors.New("invalid pipeline depth")

	// ErrInvalidArgument indicates a malformed admission request.
	ErrInvalidArgument = errors.New("invalid tracker argument")

	// ErrAdmissionTimeout indicates the bounded admission wait expired
	// before a pipeline slot freed.
	ErrAdmissionTimeout = errors.New("admission wait timed out")

	// ErrTrackerReset indicates the tracker was reset while a caller was
	// blocked waiting for admission.
	ErrTrackerReset = errors.New("tracker reset during admission wait")

	// ErrUnknownFrame indicates a resolve for a frame that is not pending.
	ErrUnknownFrame = errors.New("frame not pending")

	// ErrUnknownStream indicates a resolve for a stream the frame does
	// not expect.
	ErrUnknownStream = errors.New("stream not expected for frame")

	// ErrAlreadyResolved indicates a (frame, stream) pair resolved twice.
	// This is a programming-contract violation, never silently tolerated.
	ErrAlreadyResolved = errors.New("pending stream entry already resolved")
)
