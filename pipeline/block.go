package pipeline

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/stream"
)

// ProcessBlock hands requests to the backend one at a time. Its
// involvement in a frame ends when the backend accepts the submission;
// depth bounding across in-flight frames belongs to admission control
// upstream and to the backend's own pending queue. Only overlapping
// submissions from concurrent callers are rejected.
//
// The block also owns the callback wiring used by the backend. Each
// backend invocation is converted from the backend-native Result shape
// into the caller-facing CaptureResult shape before forwarding, and
// results delivered after the result processor has been unset are logged
// and dropped rather than crashing.
type ProcessBlock struct {
	backend Backend

	configureMu sync.RWMutex
	configured  bool
	pipelineID  uint32

	resultMu        sync.Mutex
	resultProcessor ResultProcessor

	outstandingMu    sync.Mutex
	outstanding      bool
	outstandingFrame uint32
}

// NewProcessBlock returns a block bound to the given backend.
func NewProcessBlock(backend Backend) (*ProcessBlock, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	return &ProcessBlock{backend: backend}, nil
}

// SetResultProcessor installs the result transform. Setting it twice is a
// duplicate-setup error.
func (b *ProcessBlock) SetResultProcessor(rp ResultProcessor) error {
	if rp == nil {
		return fmt.Errorf("%w: nil result processor", ErrInvalidArgument)
	}
	b.resultMu.Lock()
	defer b.resultMu.Unlock()
	if b.resultProcessor != nil {
		return fmt.Errorf("%w: result processor", ErrAlreadyExists)
	}
	b.resultProcessor = rp
	return nil
}

// UnsetResultProcessor detaches the result transform during teardown.
// Results arriving afterwards are dropped with a log line.
func (b *ProcessBlock) UnsetResultProcessor() {
	b.resultMu.Lock()
	defer b.resultMu.Unlock()
	b.resultProcessor = nil
}

// Configure registers the block's pipeline with the backend. Configure is
// one-shot; reconfiguration replaces the whole block.
func (b *ProcessBlock) Configure(config stream.Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	b.configureMu.Lock()
	defer b.configureMu.Unlock()
	if b.configured {
		logrus.WithFields(logrus.Fields{
			"function": "Configure",
		}).Error("Process block already configured")
		return ErrAlreadyConfigured
	}

	pipelineID, err := b.backend.ConfigurePipeline(b, config)
	if err != nil {
		return fmt.Errorf("configuring backend pipeline: %w", err)
	}
	b.pipelineID = pipelineID
	b.configured = true
	logrus.WithFields(logrus.Fields{
		"function":    "Configure",
		"pipeline_id": pipelineID,
		"streams":     len(config.Streams),
	}).Info("Process block configured")
	return nil
}

// ConfiguredStreams returns the backend's accepted stream descriptors.
func (b *ProcessBlock) ConfiguredStreams() ([]stream.HalStream, error) {
	b.configureMu.RLock()
	defer b.configureMu.RUnlock()
	if !b.configured {
		return nil, ErrNotConfigured
	}
	return b.backend.ConfiguredStreams(b.pipelineID)
}

// Submit hands one request to the backend. It fails with ErrNotConfigured
// before Configure and with ErrBlockBusy while another caller's submission
// is being handed over. A rejected submission leaves no pending-request
// registration behind.
func (b *ProcessBlock) Submit(request *CaptureRequest) error {
	if request == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}

	b.configureMu.RLock()
	defer b.configureMu.RUnlock()
	if !b.configured {
		return ErrNotConfigured
	}

	b.resultMu.Lock()
	rp := b.resultProcessor
	b.resultMu.Unlock()
	if rp == nil {
		return fmt.Errorf("%w: result processor not set", ErrNotConfigured)
	}
	if err := rp.AddPendingRequest(request); err != nil {
		return fmt.Errorf("registering pending request: %w", err)
	}

	b.outstandingMu.Lock()
	if b.outstanding {
		busy := b.outstandingFrame
		b.outstandingMu.Unlock()
		rp.RemovePendingRequest(request.FrameNumber)
		logrus.WithFields(logrus.Fields{
			"function":          "Submit",
			"frame_number":      request.FrameNumber,
			"outstanding_frame": busy,
		}).Error("Concurrent submission while a handoff is in progress")
		return fmt.Errorf("%w: frame %d handoff in progress", ErrBlockBusy, busy)
	}
	b.outstanding = true
	b.outstandingFrame = request.FrameNumber
	b.outstandingMu.Unlock()
	defer b.clearOutstanding(request.FrameNumber)

	if err := b.backend.SubmitRequest(request.FrameNumber, b.pipelineID, request); err != nil {
		rp.RemovePendingRequest(request.FrameNumber)
		return fmt.Errorf("submitting frame %d: %w", request.FrameNumber, err)
	}
	return nil
}

// Flush drains the backend. Safe to call before Configure.
func (b *ProcessBlock) Flush() error {
	b.configureMu.RLock()
	defer b.configureMu.RUnlock()
	if !b.configured {
		return nil
	}
	return b.backend.Flush()
}

// RepeatingRequestEnd propagates the repeating-request end marker with
// unchanged frame-number semantics.
func (b *ProcessBlock) RepeatingRequestEnd(frameNumber int32, streamIDs []int32) {
	b.configureMu.RLock()
	defer b.configureMu.RUnlock()
	if b.configured {
		b.backend.RepeatingRequestEnd(frameNumber, streamIDs)
	}
}

// clearOutstanding releases the handoff slot once the backend has
// accepted or rejected frameNumber.
func (b *ProcessBlock) clearOutstanding(frameNumber uint32) {
	b.outstandingMu.Lock()
	if b.outstanding && b.outstandingFrame == frameNumber {
		b.outstanding = false
	}
	b.outstandingMu.Unlock()
}

// Outstanding reports whether a handoff to the backend is in progress,
// and for which frame.
func (b *ProcessBlock) Outstanding() (uint32, bool) {
	b.outstandingMu.Lock()
	defer b.outstandingMu.Unlock()
	return b.outstandingFrame, b.outstanding
}

// ProcessResult implements Callback. It converts the backend-native result
// and forwards it to the result transform.
func (b *ProcessBlock) ProcessResult(result *Result) {
	converted, err := convertToCaptureResult(result)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessResult",
			"error":    err,
		}).Error("Dropping unconvertible backend result")
		return
	}

	b.resultMu.Lock()
	rp := b.resultProcessor
	b.resultMu.Unlock()
	if rp == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "ProcessResult",
			"frame_number": converted.FrameNumber,
		}).Warn("Result processor unset, dropping result")
		return
	}
	rp.ProcessResult(BlockResult{Result: converted})
}

// ProcessBatchResult implements Callback for backends that deliver several
// results at once.
func (b *ProcessBlock) ProcessBatchResult(results []*Result) {
	converted := make([]BlockResult, 0, len(results))
	for _, r := range results {
		c, err := convertToCaptureResult(r)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessBatchResult",
				"error":    err,
			}).Error("Dropping unconvertible backend result from batch")
			return
		}
		converted = append(converted, BlockResult{Result: c})
	}

	b.resultMu.Lock()
	rp := b.resultProcessor
	b.resultMu.Unlock()
	if rp == nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessBatchResult",
			"results":  len(converted),
		}).Warn("Result processor unset, dropping batch result")
		return
	}
	rp.ProcessBatchResult(converted)
}

// Notify implements Callback for shutter and error notifications.
func (b *ProcessBlock) Notify(pipelineID uint32, message NotifyMessage) {
	b.resultMu.Lock()
	rp := b.resultProcessor
	b.resultMu.Unlock()
	if rp == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Notify",
			"pipeline_id": pipelineID,
			"type":        message.Type,
		}).Warn("Result processor unset, dropping message")
		return
	}
	rp.Notify(BlockMessage{Message: message})
}
