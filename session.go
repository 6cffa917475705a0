package camcore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/cache"
	"github.com/opd-ai/camcore/pipeline"
	"github.com/opd-ai/camcore/sensor"
	"github.com/opd-ai/camcore/stream"
	"github.com/opd-ai/camcore/tracker"
)

// SessionCallback is the surface the framework client provides to a
// session: result and notification delivery plus the lazy allocator for
// hardware-managed streams. It satisfies both the pipeline's client
// callback and the scheduler's buffer requester.
type SessionCallback interface {
	// Notify delivers shutter and error notifications.
	Notify(message pipeline.NotifyMessage)

	// ProcessResult delivers one capture result.
	ProcessResult(result *pipeline.CaptureResult)

	// ProcessBatchResult delivers several capture results at once.
	ProcessBatchResult(results []*pipeline.CaptureResult)

	// RequestStreamBuffers allocates buffers for a hardware-managed
	// stream at service time.
	RequestStreamBuffers(streamID int32, count int) ([]stream.Buffer, error)

	// ReturnStreamBuffers gives back buffers from a failed acquisition.
	ReturnStreamBuffers(buffers []stream.Buffer)
}

// Options configures a new session.
type Options struct {
	// Characteristics describes the simulated device. Zero value selects
	// DefaultCharacteristics for camera id 0.
	Characteristics sensor.Characteristics

	// Callback is required.
	Callback SessionCallback

	// Synthesizer overrides the default test pattern synthesizer.
	Synthesizer sensor.Synthesizer

	// TimeProvider overrides the real clock, for tests.
	TimeProvider sensor.TimeProvider
}

// Session is the per-open-camera data-plane: it owns the buffer handle
// cache, the admission tracker and the capture pipeline, and maps the
// framework client's calls onto them. Sessions are created by NewSession
// and torn down by Close; streams are configured by ConfigureStreams and
// replaced wholesale on reconfiguration.
type Session struct {
	id       uuid.UUID
	callback SessionCallback
	chars    sensor.Characteristics

	cache *cache.BufferCache
	track *tracker.Tracker

	sensor    *sensor.Sensor
	processor *sensor.Processor

	mu         sync.Mutex
	internal   *pipeline.InternalStreamManager
	reqProc    *pipeline.RequestProcessor
	block      *pipeline.ProcessBlock
	resultProc *pipeline.RealtimeResultProcessor
	config     stream.Config
	configured bool
	closed     bool
}

// NewSession starts the sensor and its request servicing loop and
// returns a session ready for ConfigureStreams.
func NewSession(opts Options) (*Session, error) {
	if opts.Callback == nil {
		return nil, fmt.Errorf("%w: nil session callback", ErrInvalidArgument)
	}
	chars := opts.Characteristics
	if chars.Width == 0 {
		chars = sensor.DefaultCharacteristics(chars.CameraID)
	}

	sen, err := sensor.New(chars, opts.Synthesizer, opts.TimeProvider)
	if err != nil {
		return nil, fmt.Errorf("creating sensor: %w", err)
	}
	if err := sen.StartUp(); err != nil {
		return nil, fmt.Errorf("starting sensor: %w", err)
	}

	proc, err := sensor.NewProcessor(chars.CameraID, sen, opts.Callback, opts.TimeProvider)
	if err != nil {
		_ = sen.Shutdown()
		return nil, fmt.Errorf("creating request processor: %w", err)
	}

	track, err := tracker.New(sensor.PipelineDepth, nil)
	if err != nil {
		proc.Close()
		_ = sen.Shutdown()
		return nil, fmt.Errorf("creating tracker: %w", err)
	}

	s := &Session{
		id:        uuid.New(),
		callback:  opts.Callback,
		chars:     chars,
		cache:     cache.New(),
		track:     track,
		sensor:    sen,
		processor: proc,
	}
	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": s.id.String(),
		"camera_id":  chars.CameraID,
	}).Info("Session created")
	return s, nil
}

// ID returns the session identity used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// ConfigureStreams replaces the active stream configuration. Cached
// handles of streams that do not survive into the new configuration are
// evicted, admission state is reset, and the capture pipeline is rebuilt.
// Returns the hardware-side descriptors of the accepted streams.
func (s *Session) ConfigureStreams(config stream.Config) ([]stream.HalStream, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	if s.configured {
		s.teardownPipelineLocked()
	}

	s.evictStaleStreamsLocked(config)
	s.track.Reset()

	internal := pipeline.NewInternalStreamManager()
	reqProc, err := pipeline.NewRequestProcessor(
		s.chars.Width, s.chars.Height, stream.FormatYUV420)
	if err != nil {
		return nil, fmt.Errorf("creating request transform: %w", err)
	}
	blockConfig, err := reqProc.ConfigureStreams(internal, config)
	if err != nil {
		return nil, fmt.Errorf("configuring request transform: %w", err)
	}
	internalID, err := reqProc.InternalStreamID()
	if err != nil {
		return nil, err
	}

	block, err := pipeline.NewProcessBlock(s.processor)
	if err != nil {
		return nil, err
	}
	resultProc, err := pipeline.NewRealtimeResultProcessor(
		s.callback, internal, internalID, s.resolveBuffer)
	if err != nil {
		return nil, err
	}
	if err := block.SetResultProcessor(resultProc); err != nil {
		return nil, err
	}
	if err := block.Configure(blockConfig); err != nil {
		return nil, fmt.Errorf("configuring process block: %w", err)
	}
	if err := reqProc.SetProcessBlock(block); err != nil {
		return nil, err
	}

	halStreams, err := block.ConfiguredStreams()
	if err != nil {
		return nil, err
	}
	// The injected internal stream is pipeline plumbing; the client never
	// sees it.
	visible := halStreams[:0]
	for _, hs := range halStreams {
		if hs.ID == internalID {
			continue
		}
		visible = append(visible, hs)
	}

	s.internal = internal
	s.reqProc = reqProc
	s.block = block
	s.resultProc = resultProc
	s.config = config
	s.configured = true

	logrus.WithFields(logrus.Fields{
		"function":   "ConfigureStreams",
		"session_id": s.id.String(),
		"streams":    len(config.Streams),
	}).Info("Session streams configured")
	return visible, nil
}

// teardownPipelineLocked quiesces and detaches the previous pipeline.
func (s *Session) teardownPipelineLocked() {
	if err := s.reqProc.Flush(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "teardownPipelineLocked",
			"session_id": s.id.String(),
			"error":      err,
		}).Warn("Flush during reconfiguration failed")
	}
	s.block.UnsetResultProcessor()
	if pending := s.resultProc.PendingFrames(); len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "teardownPipelineLocked",
			"session_id": s.id.String(),
			"frames":     pending,
		}).Warn("Reconfiguring with frames still pending")
	}
	s.configured = false
}

// evictStaleStreamsLocked drops cached handles of streams absent from the
// new configuration.
func (s *Session) evictStaleStreamsLocked(next stream.Config) {
	for _, old := range s.config.Streams {
		if _, ok := next.Stream(old.ID); ok {
			continue
		}
		s.cache.Evict(old.ID)
	}
}

// ProcessCaptureRequest validates one capture request, imports or
// resolves its buffer handles through the cache, admits it against the
// pipeline depth and forwards it into the capture pipeline. The call
// blocks while admission would exceed the depth, bounded by the maximum
// frame duration.
func (s *Session) ProcessCaptureRequest(req *pipeline.CaptureRequest) error {
	if req == nil || len(req.OutputBuffers) == 0 {
		return fmt.Errorf("%w: request needs output buffers", ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.configured {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	config := s.config
	reqProc := s.reqProc
	s.mu.Unlock()

	if err := s.prepareBuffers(config, req.OutputBuffers); err != nil {
		return err
	}
	if err := s.prepareBuffers(config, req.InputBuffers); err != nil {
		return err
	}

	tracked := trackedStreams(config, req.OutputBuffers)
	if len(tracked) > 0 {
		if err := s.track.TryAdmit(req.FrameNumber, tracked, sensor.MaxFrameDuration); err != nil {
			return fmt.Errorf("admitting frame %d: %w", req.FrameNumber, err)
		}
	}

	if err := reqProc.ProcessRequest(req); err != nil {
		for _, id := range tracked {
			if rerr := s.track.Resolve(req.FrameNumber, id, tracker.OutcomeError); rerr != nil {
				logrus.WithFields(logrus.Fields{
					"function":     "ProcessCaptureRequest",
					"frame_number": req.FrameNumber,
					"stream_id":    id,
					"error":        rerr,
				}).Warn("Failed to release admission after submit error")
			}
		}
		return err
	}
	return nil
}

// prepareBuffers imports fresh handles and resolves cached ones so every
// non-lazy buffer carries backing storage before submission.
func (s *Session) prepareBuffers(config stream.Config, bufs []stream.Buffer) error {
	for i := range bufs {
		st, ok := config.Stream(bufs[i].StreamID)
		if !ok {
			return fmt.Errorf("%w: stream %d not configured", ErrInvalidArgument, bufs[i].StreamID)
		}
		if st.HardwareManaged {
			// Acquired lazily at service time.
			continue
		}

		key := cache.Key{StreamID: bufs[i].StreamID, BufferID: bufs[i].BufferID}
		if bufs[i].Handle != nil {
			if _, err := s.cache.Import(key, bufs[i].Handle); err != nil {
				return fmt.Errorf("importing buffer %s: %w", key, err)
			}
			continue
		}
		handle, err := s.cache.Resolve(key)
		if err != nil {
			return fmt.Errorf("resolving buffer %s: %w", key, err)
		}
		bufs[i].Handle = handle
	}
	return nil
}

// trackedStreams collects the distinct tracking identities of the
// hardware-managed output streams a request touches. Only those
// participate in admission accounting; client-supplied buffers are
// bounded by the client itself.
func trackedStreams(config stream.Config, bufs []stream.Buffer) []int32 {
	var ids []int32
	seen := make(map[int32]struct{})
	for _, b := range bufs {
		st, ok := config.Stream(b.StreamID)
		if !ok || !st.HardwareManaged {
			continue
		}
		tid := st.TrackingID()
		if _, dup := seen[tid]; dup {
			continue
		}
		seen[tid] = struct{}{}
		ids = append(ids, tid)
	}
	return ids
}

// resolveBuffer is the completion hook the result transform invokes once
// per delivered buffer. Untracked streams resolve as no-ops.
func (s *Session) resolveBuffer(frameNumber uint32, streamID int32, success bool) {
	s.mu.Lock()
	st, ok := s.config.Stream(streamID)
	s.mu.Unlock()
	if !ok || !st.HardwareManaged {
		return
	}

	outcome := tracker.OutcomeSuccess
	if !success {
		outcome = tracker.OutcomeError
	}
	if err := s.track.Resolve(frameNumber, st.TrackingID(), outcome); err != nil {
		// Grouped streams can deliver more buffers than tracking entries.
		if errors.Is(err, tracker.ErrAlreadyResolved) {
			logrus.WithFields(logrus.Fields{
				"function":     "resolveBuffer",
				"frame_number": frameNumber,
				"stream_id":    streamID,
			}).Debug("Tracking entry already resolved")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":     "resolveBuffer",
			"frame_number": frameNumber,
			"stream_id":    streamID,
			"error":        err,
		}).Warn("Completion resolve failed")
	}
}

// RemoveBufferCache retires individual buffer slots without tearing down
// their streams.
func (s *Session) RemoveBufferCache(keys []cache.Key) {
	for _, key := range keys {
		if !s.cache.Remove(key) {
			logrus.WithFields(logrus.Fields{
				"function":   "RemoveBufferCache",
				"session_id": s.id.String(),
				"key":        key.String(),
			}).Debug("Cache entry already absent")
		}
	}
}

// Flush drains the capture pipeline: at most one in-flight frame
// completes normally, everything queued is failed with per-frame error
// notifications.
func (s *Session) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	reqProc := s.reqProc
	configured := s.configured
	s.mu.Unlock()

	if !configured {
		return nil
	}
	return reqProc.Flush()
}

// RepeatingRequestEnd propagates the repeating-request end marker.
func (s *Session) RepeatingRequestEnd(frameNumber int32, streamIDs []int32) {
	s.mu.Lock()
	reqProc := s.reqProc
	configured := s.configured && !s.closed
	s.mu.Unlock()
	if configured {
		reqProc.RepeatingRequestEnd(frameNumber, streamIDs)
	}
}

// Close tears the session down: pending work is flushed and failed, late
// results are detached, and the sensor stops. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	configured := s.configured
	s.mu.Unlock()

	if configured {
		if err := s.reqProc.Flush(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Close",
				"session_id": s.id.String(),
				"error":      err,
			}).Warn("Flush during close failed")
		}
		s.block.UnsetResultProcessor()
	}

	s.processor.Close()
	err := s.sensor.Shutdown()
	s.cache.Clear()
	s.track.Reset()

	logrus.WithFields(logrus.Fields{
		"function":   "Close",
		"session_id": s.id.String(),
	}).Info("Session closed")
	return err
}
