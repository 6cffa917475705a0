package cache

import "errors"

// Sentinel errors for buffer cache operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrCacheMismatch indicates a second import attempt with a different
	// handle for an already mapped key. This is a contract violation by
	// the caller, not a recoverable condition.
	ErrCacheMismatch = errors.New("buffer handle cache mismatch")

	// ErrNotFound indicates no handle is cached under the requested key.
	ErrNotFound = errors.New("buffer handle not cached")
)
