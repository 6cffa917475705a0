package sensor

import "errors"

// Sentinel errors for the simulated sensor backend.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidCharacteristics indicates unsupported sensor
	// characteristics at startup.
	ErrInvalidCharacteristics = errors.New("invalid sensor characteristics")

	// ErrNotRunning indicates an operation against a stopped sensor.
	ErrNotRunning = errors.New("sensor is not running")

	// ErrAlreadyRunning indicates a duplicate startup.
	ErrAlreadyRunning = errors.New("sensor is already running")

	// ErrUnknownPipeline indicates a submission for a pipeline id that
	// was never configured.
	ErrUnknownPipeline = errors.New("unknown pipeline id")

	// ErrNoSettings indicates a request without settings arrived before
	// any request carried a valid settings snapshot.
	ErrNoSettings = errors.New("no cached settings snapshot")

	// ErrAdmissionTimeout indicates the backend's bounded wait for a
	// pending request slot expired.
	ErrAdmissionTimeout = errors.New("timed out waiting for a pending request slot")

	// ErrFlushTimeout indicates the in-flight frame did not finish
	// within the flush deadline.
	ErrFlushTimeout = errors.New("flush timed out waiting for in-flight frame")

	// ErrCompressorClosed indicates a JPEG job was queued after the
	// compressor shut down.
	ErrCompressorClosed = errors.New("compressor is closed")

	// ErrUnsupportedFormat indicates a buffer format the synthesizer
	// cannot produce.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
)
