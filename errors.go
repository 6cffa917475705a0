package camcore

import "errors"

// Session-level sentinel errors.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidArgument indicates a structurally invalid call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConfigured indicates a capture call before ConfigureStreams.
	ErrNotConfigured = errors.New("session has no stream configuration")

	// ErrSessionClosed indicates a call against a closed session.
	ErrSessionClosed = errors.New("session is closed")
)
