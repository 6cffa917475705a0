package pipeline

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/stream"
)

// RequestProcessor is the request transform: it may rewrite a request
// before it reaches the process block. This implementation injects one
// additional internal-only output stream sized to the sensor active array,
// so every capture also produces a full-frame internal buffer (the
// zero-shutter-lag pattern). Injected streams are configured exactly once
// at pipeline setup and their outputs are tagged by stream id so the
// result transform can strip them before the result reaches the caller.
type RequestProcessor struct {
	activeArrayWidth  uint32
	activeArrayHeight uint32
	internalFormat    stream.PixelFormat

	blockMu sync.RWMutex
	block   *ProcessBlock

	internal         *InternalStreamManager
	internalStreamID int32
	configured       bool
}

// NewRequestProcessor returns a request transform that injects an
// internal stream with the given active-array dimensions.
func NewRequestProcessor(activeArrayWidth, activeArrayHeight uint32, format stream.PixelFormat) (*RequestProcessor, error) {
	if activeArrayWidth == 0 || activeArrayHeight == 0 {
		return nil, fmt.Errorf("%w: zero active array dimensions", ErrInvalidArgument)
	}
	return &RequestProcessor{
		activeArrayWidth:  activeArrayWidth,
		activeArrayHeight: activeArrayHeight,
		internalFormat:    format,
	}, nil
}

// ConfigureStreams registers the injected internal stream with manager,
// exactly once, and returns the process-block configuration: the caller's
// streams plus the injected one.
func (p *RequestProcessor) ConfigureStreams(manager *InternalStreamManager, config stream.Config) (stream.Config, error) {
	if manager == nil {
		return stream.Config{}, fmt.Errorf("%w: nil internal stream manager", ErrInvalidArgument)
	}
	if err := config.Validate(); err != nil {
		return stream.Config{}, err
	}
	if p.configured {
		return stream.Config{}, fmt.Errorf("%w: request processor streams", ErrAlreadyConfigured)
	}

	internalStream := stream.Stream{
		Direction: stream.DirectionOutput,
		Format:    p.internalFormat,
		Width:     p.activeArrayWidth,
		Height:    p.activeArrayHeight,
		GroupID:   stream.UngroupedID,
	}
	id, err := manager.RegisterStream(internalStream, maxInternalBuffers)
	if err != nil {
		return stream.Config{}, fmt.Errorf("registering internal stream: %w", err)
	}
	internalStream.ID = id

	p.internal = manager
	p.internalStreamID = id
	p.configured = true

	blockConfig := stream.Config{
		Streams:       append(append([]stream.Stream(nil), config.Streams...), internalStream),
		SessionParams: config.SessionParams,
	}
	logrus.WithFields(logrus.Fields{
		"function":           "ConfigureStreams",
		"internal_stream_id": id,
		"streams":            len(blockConfig.Streams),
	}).Info("Request processor configured with injected stream")
	return blockConfig, nil
}

// maxInternalBuffers bounds the injected stream's buffer pool. Matches the
// pipeline depth plus one frame of slack for the result path.
const maxInternalBuffers = 4

// InternalStreamID returns the id of the injected stream. Valid only
// after ConfigureStreams.
func (p *RequestProcessor) InternalStreamID() (int32, error) {
	if !p.configured {
		return 0, ErrNotConfigured
	}
	return p.internalStreamID, nil
}

// SetProcessBlock installs the downstream block for later submissions.
func (p *RequestProcessor) SetProcessBlock(block *ProcessBlock) error {
	if block == nil {
		return fmt.Errorf("%w: nil process block", ErrInvalidArgument)
	}
	p.blockMu.Lock()
	defer p.blockMu.Unlock()
	if p.block != nil {
		return fmt.Errorf("%w: process block", ErrAlreadyExists)
	}
	p.block = block
	return nil
}

// ProcessRequest appends one injected internal output to the request and
// forwards it to the process block. The caller's request is not mutated.
func (p *RequestProcessor) ProcessRequest(request *CaptureRequest) error {
	if request == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}

	p.blockMu.RLock()
	defer p.blockMu.RUnlock()
	if p.block == nil || !p.configured {
		return ErrNotConfigured
	}

	rewritten := request.Clone()
	internalBuffer, err := p.internal.GetStreamBuffer(p.internalStreamID)
	if err != nil {
		// The capture itself can still proceed without the internal
		// output; log and forward the request untouched.
		logrus.WithFields(logrus.Fields{
			"function":     "ProcessRequest",
			"frame_number": request.FrameNumber,
			"error":        err,
		}).Warn("Internal stream buffer unavailable, forwarding without injection")
		return p.block.Submit(rewritten)
	}
	rewritten.OutputBuffers = append(rewritten.OutputBuffers, internalBuffer)

	if err := p.block.Submit(rewritten); err != nil {
		if retErr := p.internal.ReturnStreamBuffer(internalBuffer); retErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessRequest",
				"error":    retErr,
			}).Error("Failed to return internal buffer after submit error")
		}
		return err
	}
	return nil
}

// Flush propagates the flush through the block unchanged.
func (p *RequestProcessor) Flush() error {
	p.blockMu.RLock()
	defer p.blockMu.RUnlock()
	if p.block == nil {
		return nil
	}
	return p.block.Flush()
}

// RepeatingRequestEnd propagates the repeating-request end marker with
// unchanged frame-number semantics.
func (p *RequestProcessor) RepeatingRequestEnd(frameNumber int32, streamIDs []int32) {
	p.blockMu.RLock()
	defer p.blockMu.RUnlock()
	if p.block != nil {
		p.block.RepeatingRequestEnd(frameNumber, streamIDs)
	}
}
