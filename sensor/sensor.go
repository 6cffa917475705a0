package sensor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/metadata"
	"github.com/opd-ai/camcore/pipeline"
	"github.com/opd-ai/camcore/stream"
)

// latchedRequest is the one-slot mailbox content handed from the request
// processor to the sensor loop. The swap under the control mutex is the
// sole synchronization point between request submission and the loop.
type latchedRequest struct {
	settings Settings

	// result and partial are the metadata result shells for the frame.
	result  *pipeline.Result
	partial *pipeline.Result

	inputBuffers  []*Buffer
	outputBuffers []*Buffer

	callback pipeline.Callback
}

// Sensor runs the capture loop: one goroutine that paces frame production
// against the configured frame interval, executes synthesis against the
// latched settings, and returns results through the pipeline callbacks
// with frame-accurate timestamps. It never blocks on client callbacks
// beyond best-effort delivery.
type Sensor struct {
	chars Characteristics
	synth Synthesizer
	tp    TimeProvider

	controlMu sync.Mutex
	vsync     *sync.Cond
	gotVSync  bool
	active    bool
	current   *latchedRequest

	// compressor is guarded by controlMu; Flush replaces it to abort
	// pending encode jobs.
	compressor *Compressor

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New validates the characteristics and returns a stopped sensor.
// A nil synthesizer selects the test pattern; a nil time provider the
// real clock.
func New(chars Characteristics, synth Synthesizer, tp TimeProvider) (*Sensor, error) {
	if err := chars.Validate(); err != nil {
		return nil, err
	}
	if synth == nil {
		synth = TestPatternSynthesizer{}
	}
	s := &Sensor{
		chars: chars,
		synth: synth,
		tp:    getTimeProvider(tp),
	}
	s.vsync = sync.NewCond(&s.controlMu)
	return s, nil
}

// Characteristics returns the sensor's device description.
func (s *Sensor) Characteristics() Characteristics {
	return s.chars
}

// StartUp launches the capture loop goroutine.
func (s *Sensor) StartUp() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	s.controlMu.Lock()
	s.compressor = NewCompressor()
	s.active = true
	s.controlMu.Unlock()

	s.stop = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.loop()

	logrus.WithFields(logrus.Fields{
		"function":  "StartUp",
		"camera_id": s.chars.CameraID,
	}).Info("Sensor capture loop started")
	return nil
}

// Shutdown stops the loop and waits for it to exit.
func (s *Sensor) Shutdown() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	close(s.stop)
	s.wg.Wait()
	s.running = false

	s.controlMu.Lock()
	compressor := s.compressor
	s.compressor = nil
	s.active = false
	// Wake anyone still blocked on the vsync rendezvous.
	s.gotVSync = true
	s.vsync.Broadcast()
	s.controlMu.Unlock()
	if compressor != nil {
		compressor.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Shutdown",
		"camera_id": s.chars.CameraID,
	}).Info("Sensor capture loop stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Sensor) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// setCurrentRequest latches the next frame's state into the one-slot
// mailbox. The previous occupant, if any, is returned so the caller can
// fail it; under correct admission pacing the slot is always empty.
func (s *Sensor) setCurrentRequest(req *latchedRequest) *latchedRequest {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	prev := s.current
	s.current = req
	return prev
}

// WaitForVSync blocks until the loop signals the start of the next
// readout, or the timeout expires. The signal is a broadcast rendezvous:
// waiters that miss an iteration do not get it replayed.
func (s *Sensor) WaitForVSync(timeout time.Duration) bool {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return s.waitForVSyncLocked(timeout)
}

func (s *Sensor) waitForVSyncLocked(timeout time.Duration) bool {
	if !s.active {
		return false
	}
	s.gotVSync = false
	deadline := time.Now().Add(timeout)
	for !s.gotVSync {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			s.controlMu.Lock()
			s.vsync.Broadcast()
			s.controlMu.Unlock()
		})
		s.vsync.Wait()
		timer.Stop()
		if !s.active {
			return false
		}
	}
	return true
}

// Flush waits for at most one in-flight frame to finish (bounded by the
// maximum frame duration), aborts all pending encode jobs, and fails the
// latched-but-unserviced request with a single error notification.
func (s *Sensor) Flush() error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	flushed := true
	if s.active {
		flushed = s.waitForVSyncLocked(MaxFrameDuration)
	}

	// Recreating the compressor aborts any ongoing encode jobs; their
	// buffers release in error status.
	if s.compressor != nil {
		old := s.compressor
		s.compressor = NewCompressor()
		// Close outside controlMu would race the swap; the close only
		// waits for the worker, which never takes controlMu.
		old.Close()
	}

	if s.current != nil {
		req := s.current
		s.current = nil
		for _, b := range req.inputBuffers {
			b.Release()
		}
		if len(req.outputBuffers) > 0 {
			first := req.outputBuffers[0]
			for _, b := range req.outputBuffers {
				b.MarkError()
				b.IsFailedRequest = true
			}
			if req.callback != nil {
				req.callback.Notify(first.PipelineID, pipeline.ErrorNotify(
					first.FrameNumber, pipeline.NoStream, pipeline.ErrorCodeResult))
			}
			releaseAll(req.outputBuffers)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Flush",
		}).Info("Flushed latched request")
	}

	if !flushed {
		return ErrFlushTimeout
	}
	return nil
}

// loop is the sensor capture main loop.
func (s *Sensor) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.iterate()
	}
}

// iterate services one frame interval.
func (s *Sensor) iterate() {
	// Stage 1: read in the latest latched control parameters and signal
	// the start of readout.
	var next *latchedRequest
	s.controlMu.Lock()
	next = s.current
	s.current = nil
	s.gotVSync = true
	s.vsync.Broadcast()
	s.controlMu.Unlock()

	frameDuration := DefaultFrameDuration
	exposureTime := DefaultExposureTime
	if next != nil {
		frameDuration = next.settings.FrameDuration
		exposureTime = next.settings.ExposureTime
	}

	startRealTime := s.tp.Now()
	frameEndRealTime := startRealTime.Add(frameDuration)

	// Stage 2: capture timestamps. Reprocess requests reuse the original
	// capture timestamp recorded in their result metadata.
	captureTime := frameEndRealTime
	readoutTime := frameEndRealTime.Add(exposureTime)

	reprocess := false
	if next != nil && len(next.inputBuffers) > 0 {
		reprocess = true
		if len(next.inputBuffers) > 1 {
			logrus.WithFields(logrus.Fields{
				"function": "iterate",
				"inputs":   len(next.inputBuffers),
			}).Warn("Reprocess supports only a single input")
		}
		if ts, ok := next.result.Metadata.GetInt64(metadata.KeySensorTimestamp); ok {
			captureTime = time.Unix(0, ts)
		} else {
			logrus.WithFields(logrus.Fields{
				"function":     "iterate",
				"frame_number": next.result.FrameNumber,
			}).Warn("Reprocess timestamp absent")
		}
		if exp, ok := next.result.Metadata.GetDuration(metadata.KeyExposureTime); ok {
			readoutTime = captureTime.Add(exp)
		} else {
			readoutTime = captureTime
		}
	}

	if next != nil && len(next.outputBuffers) > 0 {
		s.captureFrame(next, captureTime, readoutTime, reprocess)
	}

	if reprocess {
		for _, in := range next.inputBuffers {
			in.MarkOK()
			in.Release()
		}
		next.inputBuffers = nil
	}

	// Stage 3: return results against the frame deadline. When the
	// remaining budget is tight, deliver immediately so delivery cost
	// cannot skew the cadence.
	returned := false
	workDone := s.tp.Now()
	if workDone.Add(ReturnResultThreshold).After(frameEndRealTime) {
		s.returnResults(next, captureTime)
		returned = true
	}

	workDone = s.tp.Now()
	if remaining := frameEndRealTime.Sub(workDone); remaining > TimeAccuracy {
		s.tp.Sleep(remaining)
	}

	if !returned {
		s.returnResults(next, captureTime)
	}
}

// captureFrame emits the shutter notification and synthesizes every
// output buffer of the latched request.
func (s *Sensor) captureFrame(next *latchedRequest, captureTime, readoutTime time.Time, reprocess bool) {
	first := next.outputBuffers[0]
	if next.callback != nil {
		next.callback.Notify(first.PipelineID, pipeline.ShutterNotify(
			first.FrameNumber, captureTime, readoutTime))
	}

	var input *Buffer
	if reprocess {
		input = next.inputBuffers[0]
	}

	for _, b := range next.outputBuffers {
		if b.Format == stream.FormatBlob {
			if s.synthesizeBlob(next, b, input) {
				// The compressor owns the buffer now; it releases it
				// when the encode finishes or aborts.
				continue
			}
			b.Release()
			continue
		}

		var err error
		if reprocess {
			err = s.synth.Reprocess(input, b, next.settings, s.chars)
		} else {
			err = s.synth.Synthesize(b, next.settings, s.chars)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "captureFrame",
				"frame_number": b.FrameNumber,
				"stream_id":    b.StreamBuffer.StreamID,
				"format":       b.Format.String(),
				"error":        err,
			}).Error("Synthesis failed for buffer")
			b.MarkError()
		} else {
			b.MarkOK()
		}
		b.Release()
	}
	next.outputBuffers = nil
}

// synthesizeBlob renders the YUV intermediate for a BLOB output and hands
// it to the compressor. Returns true when the compressor took ownership.
func (s *Sensor) synthesizeBlob(next *latchedRequest, b *Buffer, input *Buffer) bool {
	w, h := int(b.Width), int(b.Height)
	intermediate := &Buffer{
		Width:  b.Width,
		Height: b.Height,
		Format: stream.FormatYUV420,
		Plane:  make([]byte, w*h*3/2),
	}

	var err error
	if input != nil {
		err = s.synth.Reprocess(input, intermediate, next.settings, s.chars)
	} else {
		err = s.synth.Synthesize(intermediate, next.settings, s.chars)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "synthesizeBlob",
			"frame_number": b.FrameNumber,
			"error":        err,
		}).Error("BLOB intermediate synthesis failed")
		return false
	}

	job := &JpegJob{
		ID:             uuid.New(),
		Output:         b,
		Width:          w,
		Height:         h,
		YUV:            intermediate.Plane,
		ResultMetadata: next.result.Metadata.Clone(),
	}

	s.controlMu.Lock()
	compressor := s.compressor
	s.controlMu.Unlock()
	if compressor == nil {
		return false
	}
	if err := compressor.QueueYUV420(job); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "synthesizeBlob",
			"frame_number": b.FrameNumber,
			"error":        err,
		}).Error("Failed to queue jpeg job")
		return false
	}
	return true
}

// returnResults stamps the capture timestamp into the result metadata and
// delivers the partial (when supported) then the final result, in that
// order.
func (s *Sensor) returnResults(next *latchedRequest, captureTime time.Time) {
	if next == nil || next.callback == nil || next.result == nil || next.result.Metadata == nil {
		return
	}

	next.result.Metadata.SetInt64(metadata.KeySensorTimestamp, captureTime.UnixNano())

	if next.partial != nil && next.partial.PartialResult > 0 {
		next.partial.Metadata.SetInt64(metadata.KeySensorTimestamp, captureTime.UnixNano())
		next.callback.ProcessResult(next.partial)
		next.partial = nil
	}
	next.callback.ProcessResult(next.result)
	next.result = nil
}
