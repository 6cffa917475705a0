package pipeline

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/stream"
)

// ClientCallback is the per-frame delivery surface of the framework
// client, as seen by the result transform.
type ClientCallback interface {
	Notify(message NotifyMessage)
	ProcessResult(result *CaptureResult)
	ProcessBatchResult(results []*CaptureResult)
}

// ResolveFunc is invoked once per delivered stream buffer so completion
// bookkeeping can shrink the frame's expected set. success reports whether
// the buffer carried valid contents.
type ResolveFunc func(frameNumber uint32, streamID int32, success bool)

// RealtimeResultProcessor is the result transform of the realtime
// pipeline. It strips injected internal-stream outputs before results
// reach the original caller, enforces the per-frame ordering invariants
// (shutter before results, partial strictly before final, a single final
// per frame) and drives completion bookkeeping through the resolve hook.
type RealtimeResultProcessor struct {
	callback         ClientCallback
	internal         *InternalStreamManager
	internalStreamID int32
	resolve          ResolveFunc

	mu     sync.Mutex
	frames map[uint32]*frameState
}

type frameState struct {
	shutterSeen        bool
	partialDelivered   bool
	finalDelivered     bool
	buffersOutstanding int
	failed             bool
}

// NewRealtimeResultProcessor wires the result transform. internal and
// internalStreamID identify the injected stream to strip; resolve may be
// nil when no completion tracking is wanted.
func NewRealtimeResultProcessor(callback ClientCallback, internal *InternalStreamManager, internalStreamID int32, resolve ResolveFunc) (*RealtimeResultProcessor, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: nil client callback", ErrInvalidArgument)
	}
	return &RealtimeResultProcessor{
		callback:         callback,
		internal:         internal,
		internalStreamID: internalStreamID,
		resolve:          resolve,
		frames:           make(map[uint32]*frameState),
	}, nil
}

// AddPendingRequest registers a submitted request. The request seen here
// is the rewritten one, so the expected buffer count includes injected
// outputs.
func (p *RealtimeResultProcessor) AddPendingRequest(request *CaptureRequest) error {
	if request == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.frames[request.FrameNumber]; ok {
		return fmt.Errorf("%w: frame %d already pending", ErrAlreadyExists, request.FrameNumber)
	}
	p.frames[request.FrameNumber] = &frameState{
		buffersOutstanding: len(request.OutputBuffers) + len(request.InputBuffers),
	}
	return nil
}

// RemovePendingRequest drops the registration of a frame whose submission
// never reached the backend.
func (p *RealtimeResultProcessor) RemovePendingRequest(frameNumber uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frames, frameNumber)
}

// ProcessResult strips injected outputs, validates ordering and forwards.
func (p *RealtimeResultProcessor) ProcessResult(result BlockResult) {
	out := p.prepareResult(result.Result)
	if out == nil {
		return
	}
	p.callback.ProcessResult(out)
}

// ProcessBatchResult handles batched delivery with the same per-result
// validation as ProcessResult.
func (p *RealtimeResultProcessor) ProcessBatchResult(results []BlockResult) {
	out := make([]*CaptureResult, 0, len(results))
	for _, r := range results {
		if prepared := p.prepareResult(r.Result); prepared != nil {
			out = append(out, prepared)
		}
	}
	if len(out) > 0 {
		p.callback.ProcessBatchResult(out)
	}
}

// Notify validates message ordering and forwards shutter and error
// notifications to the client.
func (p *RealtimeResultProcessor) Notify(message BlockMessage) {
	msg := message.Message
	switch msg.Type {
	case MessageShutter:
		p.mu.Lock()
		if state, ok := p.frames[msg.Shutter.FrameNumber]; ok {
			state.shutterSeen = true
		}
		p.mu.Unlock()
	case MessageError:
		p.mu.Lock()
		state, ok := p.frames[msg.Error.FrameNumber]
		if ok {
			state.failed = true
			if state.buffersOutstanding == 0 {
				delete(p.frames, msg.Error.FrameNumber)
			}
		}
		p.mu.Unlock()
	}
	p.callback.Notify(msg)
}

// prepareResult applies the stripping and invariant checks to one result,
// returning nil when the result must be dropped.
func (p *RealtimeResultProcessor) prepareResult(result *CaptureResult) *CaptureResult {
	if result == nil {
		return nil
	}

	kept, stripped := p.stripInternal(result.OutputBuffers)
	result.OutputBuffers = kept
	for _, buf := range stripped {
		if err := p.internal.ReturnStreamBuffer(buf); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "prepareResult",
				"frame_number": result.FrameNumber,
				"error":        err,
			}).Error("Failed to return stripped internal buffer")
		}
	}

	p.mu.Lock()
	state, known := p.frames[result.FrameNumber]
	if known {
		if !state.shutterSeen && result.Metadata != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "prepareResult",
				"frame_number": result.FrameNumber,
			}).Warn("Result delivered before shutter notification")
		}
		if result.Metadata != nil {
			if result.IsFinal() {
				if state.finalDelivered {
					p.mu.Unlock()
					logrus.WithFields(logrus.Fields{
						"function":     "prepareResult",
						"frame_number": result.FrameNumber,
					}).Error("Duplicate final result, dropping")
					return nil
				}
				state.finalDelivered = true
			} else {
				if state.finalDelivered {
					p.mu.Unlock()
					logrus.WithFields(logrus.Fields{
						"function":     "prepareResult",
						"frame_number": result.FrameNumber,
					}).Error("Partial result after final, dropping")
					return nil
				}
				state.partialDelivered = true
			}
		}
		delivered := len(result.OutputBuffers) + len(stripped) + len(result.InputBuffers)
		state.buffersOutstanding -= delivered
		if state.buffersOutstanding <= 0 && state.finalDelivered {
			delete(p.frames, result.FrameNumber)
		}
	} else if result.Metadata != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "prepareResult",
			"frame_number": result.FrameNumber,
		}).Warn("Result for unknown frame")
	}
	p.mu.Unlock()

	if p.resolve != nil {
		for _, buf := range result.OutputBuffers {
			p.resolve(result.FrameNumber, buf.StreamID, buf.Status == stream.StatusOK)
		}
		for _, buf := range result.InputBuffers {
			p.resolve(result.FrameNumber, buf.StreamID, buf.Status == stream.StatusOK)
		}
	}

	// A result reduced to nothing (internal-only buffers, no metadata)
	// carries no information for the caller.
	if result.Metadata == nil && len(result.OutputBuffers) == 0 && len(result.InputBuffers) == 0 {
		return nil
	}
	return result
}

// stripInternal partitions buffers into caller-visible and injected ones.
func (p *RealtimeResultProcessor) stripInternal(buffers []stream.Buffer) (kept, stripped []stream.Buffer) {
	if p.internal == nil {
		return buffers, nil
	}
	kept = buffers[:0]
	for _, buf := range buffers {
		if buf.StreamID == p.internalStreamID {
			stripped = append(stripped, buf)
			continue
		}
		kept = append(kept, buf)
	}
	return kept, stripped
}

// PendingFrames returns the frames still awaiting completion. Used by
// teardown logging.
func (p *RealtimeResultProcessor) PendingFrames() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := make([]uint32, 0, len(p.frames))
	for f := range p.frames {
		frames = append(frames, f)
	}
	return frames
}
