// Package pipeline implements the staged capture pipeline: a request
// transform that may rewrite requests before hardware submission, a
// process block that hands requests to the backend one at a time, and a
// result transform that reassembles backend output into the shape the
// framework client expects.
package pipeline

import (
	"fmt"
	"time"

	"github.com/opd-ai/camcore/metadata"
	"github.com/opd-ai/camcore/stream"
)

// ErrorCode classifies per-frame delivery failures carried by error
// notifications.
type ErrorCode int

const (
	// ErrorCodeDevice indicates an unrecoverable device failure.
	ErrorCodeDevice ErrorCode = iota + 1
	// ErrorCodeRequest indicates an entire request failed before capture.
	ErrorCodeRequest
	// ErrorCodeResult indicates the result metadata for a frame was lost.
	ErrorCodeResult
	// ErrorCodeBuffer indicates a single stream buffer failed.
	ErrorCodeBuffer
)

// MessageType discriminates notify messages.
type MessageType int

const (
	// MessageShutter announces the start of exposure for a frame.
	MessageShutter MessageType = iota
	// MessageError reports a per-frame delivery failure.
	MessageError
)

// ShutterMessage carries the computed capture timestamps for a frame.
// The shutter for a frame always precedes its results.
type ShutterMessage struct {
	FrameNumber      uint32
	Timestamp        time.Time
	ReadoutTimestamp time.Time
}

// ErrorMessage reports a frame-scoped failure. StreamID is NoStream when
// the whole request or result failed rather than one buffer.
type ErrorMessage struct {
	FrameNumber uint32
	StreamID    int32
	Code        ErrorCode
}

// NoStream is the stream id of error messages not scoped to one stream.
const NoStream int32 = -1

// NotifyMessage is a shutter or error notification.
type NotifyMessage struct {
	Type    MessageType
	Shutter ShutterMessage
	Error   ErrorMessage
}

// ShutterNotify builds a shutter notification.
func ShutterNotify(frameNumber uint32, timestamp, readout time.Time) NotifyMessage {
	return NotifyMessage{
		Type: MessageShutter,
		Shutter: ShutterMessage{
			FrameNumber:      frameNumber,
			Timestamp:        timestamp,
			ReadoutTimestamp: readout,
		},
	}
}

// ErrorNotify builds an error notification.
func ErrorNotify(frameNumber uint32, streamID int32, code ErrorCode) NotifyMessage {
	return NotifyMessage{
		Type: MessageError,
		Error: ErrorMessage{
			FrameNumber: frameNumber,
			StreamID:    streamID,
			Code:        code,
		},
	}
}

// CaptureRequest is one per-frame request from the framework client.
// Frame numbers are caller assigned and monotonically increasing.
type CaptureRequest struct {
	FrameNumber uint32

	// Settings may be nil to mean "reuse the last valid settings". The
	// scheduler fails the request when no previous snapshot exists.
	Settings *metadata.Metadata

	OutputBuffers []stream.Buffer
	InputBuffers  []stream.Buffer

	// InputWidth and InputHeight override the input stream dimensions of
	// a reprocess request. Zero means no override.
	InputWidth  uint32
	InputHeight uint32
}

// Clone returns a request copy whose buffer slices and settings are
// independent of the original.
func (r *CaptureRequest) Clone() *CaptureRequest {
	out := &CaptureRequest{
		FrameNumber: r.FrameNumber,
		Settings:    r.Settings.Clone(),
		InputWidth:  r.InputWidth,
		InputHeight: r.InputHeight,
	}
	out.OutputBuffers = append([]stream.Buffer(nil), r.OutputBuffers...)
	out.InputBuffers = append([]stream.Buffer(nil), r.InputBuffers...)
	return out
}

// Result is the backend-native result shape delivered through pipeline
// callbacks. The process block converts it to a CaptureResult before it
// reaches the result transform.
type Result struct {
	PipelineID  uint32
	FrameNumber uint32
	Metadata    *metadata.Metadata

	OutputBuffers []stream.Buffer
	InputBuffers  []stream.Buffer

	// PartialResult is the partial slot this result occupies, zero for a
	// final result.
	PartialResult int
}

// CaptureResult is the caller-facing result shape. A partial result, if
// emitted, strictly precedes the final result for the same frame number;
// a frame never produces more than one final result.
type CaptureResult struct {
	FrameNumber uint32
	Metadata    *metadata.Metadata

	OutputBuffers []stream.Buffer
	InputBuffers  []stream.Buffer

	Partial bool
}

// IsFinal reports whether this is the frame's final result.
func (r *CaptureResult) IsFinal() bool {
	return !r.Partial
}

// convertToCaptureResult maps a backend-native result to the caller shape.
func convertToCaptureResult(r *Result) (*CaptureResult, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil backend result", ErrInvalidArgument)
	}
	return &CaptureResult{
		FrameNumber:   r.FrameNumber,
		Metadata:      r.Metadata,
		OutputBuffers: r.OutputBuffers,
		InputBuffers:  r.InputBuffers,
		Partial:       r.PartialResult > 0,
	}, nil
}

// Callback is the capability interface the backend invokes to deliver
// native results and notifications. Each backend variant (real hardware or
// simulated sensor) receives an implementation at pipeline configuration,
// selected at construction rather than dispatched per call site.
type Callback interface {
	ProcessResult(result *Result)
	ProcessBatchResult(results []*Result)
	Notify(pipelineID uint32, message NotifyMessage)
}

// Backend is the downstream submission surface the process block drives.
type Backend interface {
	// ConfigurePipeline registers a pipeline with its callback and stream
	// configuration, returning the pipeline id used on submissions.
	ConfigurePipeline(callback Callback, config stream.Config) (uint32, error)

	// ConfiguredStreams returns the accepted hardware-side descriptors
	// for a configured pipeline.
	ConfiguredStreams(pipelineID uint32) ([]stream.HalStream, error)

	// SubmitRequest hands one frame's request to the backend.
	SubmitRequest(frameNumber uint32, pipelineID uint32, request *CaptureRequest) error

	// Flush drains the backend: at most one in-flight frame completes,
	// everything queued is errored.
	Flush() error

	// RepeatingRequestEnd tells the backend a repeating request ended at
	// frameNumber for the given streams.
	RepeatingRequestEnd(frameNumber int32, streamIDs []int32)
}

// BlockResult wraps a converted result on its way to the result transform.
type BlockResult struct {
	Result *CaptureResult
}

// BlockMessage wraps a notification on its way to the result transform.
type BlockMessage struct {
	Message NotifyMessage
}

// ResultProcessor is the result-transform seam a process block forwards
// into. Implementations reassemble block output for the framework client.
type ResultProcessor interface {
	// AddPendingRequest registers a submitted request so later results
	// can be matched and validated against it.
	AddPendingRequest(request *CaptureRequest) error

	// RemovePendingRequest unregisters a frame whose submission was
	// rejected before reaching the backend.
	RemovePendingRequest(frameNumber uint32)

	ProcessResult(result BlockResult)
	ProcessBatchResult(results []BlockResult)
	Notify(message BlockMessage)
}
