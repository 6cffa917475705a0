package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/metadata"
	"github.com/opd-ai/camcore/pipeline"
	"github.com/opd-ai/camcore/stream"
)

// BufferRequester acquires buffers for hardware-managed streams at the
// moment a request is serviced rather than at submission. Acquisition is
// all-or-nothing per request: a partial grab is returned in full.
type BufferRequester interface {
	// RequestStreamBuffers returns count newly allocated buffers for the
	// stream.
	RequestStreamBuffers(streamID int32, count int) ([]stream.Buffer, error)

	// ReturnStreamBuffers gives back unused buffers from a failed
	// acquisition.
	ReturnStreamBuffers(buffers []stream.Buffer)
}

// pipelineInfo is one configured pipeline: its result callback and its
// accepted streams keyed by id.
type pipelineInfo struct {
	id       uint32
	callback pipeline.Callback
	streams  map[int32]stream.Stream
}

// pendingRequest is one admitted capture request waiting for the
// processor loop.
type pendingRequest struct {
	frameNumber uint32
	pipelineID  uint32
	callback    pipeline.Callback

	// settings is a cloned snapshot; nil marks a repeating request that
	// reuses the last snapshot seen.
	settings *metadata.Metadata

	inputBuffers  []*Buffer
	outputBuffers []*Buffer
}

// overrideEntry is one deferred settings entry. A nil settings snapshot
// repeats the previous override value at this entry's frame.
type overrideEntry struct {
	frameNumber uint32
	settings    *metadata.Metadata
}

// Processor drives the sensor from admitted capture requests: it bounds
// the pending queue to the pipeline depth, resolves settings snapshots,
// walks the deferred override queue, and latches one frame at a time
// into the sensor ahead of each readout.
type Processor struct {
	cameraID  uint32
	sensor    *Sensor
	requester BufferRequester
	tp        TimeProvider

	mu             sync.Mutex
	cond           *sync.Cond
	pipelines      map[uint32]*pipelineInfo
	nextPipelineID uint32
	pending        []*pendingRequest
	overrides      []overrideEntry
	lastSettings   *metadata.Metadata
	lastOverride   *metadata.Metadata
	flushing       bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewProcessor starts the request servicing loop on top of a started
// sensor. The requester may be nil when no stream is hardware managed.
func NewProcessor(cameraID uint32, sensor *Sensor, requester BufferRequester, tp TimeProvider) (*Processor, error) {
	if sensor == nil {
		return nil, fmt.Errorf("%w: nil sensor", ErrInvalidCharacteristics)
	}
	p := &Processor{
		cameraID:  cameraID,
		sensor:    sensor,
		requester: requester,
		tp:        getTimeProvider(tp),
		pipelines: make(map[uint32]*pipelineInfo),
		done:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

// Close stops the servicing loop. The sensor is shut down separately by
// its owner.
func (p *Processor) Close() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// ConfigurePipeline accepts a stream configuration and returns the id
// submissions must carry.
func (p *Processor) ConfigurePipeline(cb pipeline.Callback, config stream.Config) (uint32, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", ErrInvalidCharacteristics)
	}
	if err := config.Validate(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextPipelineID
	p.nextPipelineID++

	info := &pipelineInfo{
		id:       id,
		callback: cb,
		streams:  make(map[int32]stream.Stream, len(config.Streams)),
	}
	for _, s := range config.Streams {
		info.streams[s.ID] = s
	}
	p.pipelines[id] = info

	logrus.WithFields(logrus.Fields{
		"function":    "ConfigurePipeline",
		"pipeline_id": id,
		"streams":     len(config.Streams),
	}).Info("Configured pipeline")
	return id, nil
}

// ConfiguredStreams returns the hardware-side descriptors of a configured
// pipeline.
func (p *Processor) ConfiguredStreams(pipelineID uint32) ([]stream.HalStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPipeline, pipelineID)
	}

	out := make([]stream.HalStream, 0, len(info.streams))
	for _, s := range info.streams {
		out = append(out, stream.HalStream{
			ID:             s.ID,
			OverrideFormat: s.Format,
			MaxBuffers:     PipelineDepth,
			IsInput:        s.IsInput(),
		})
	}
	return out, nil
}

// SubmitRequest admits one capture request. The call blocks while the
// pending queue is above the pipeline depth, bounded by the maximum
// frame duration.
func (p *Processor) SubmitRequest(frameNumber, pipelineID uint32, req *pipeline.CaptureRequest) error {
	if req == nil || len(req.OutputBuffers) == 0 {
		return fmt.Errorf("%w: request needs output buffers", ErrInvalidCharacteristics)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushing {
		return fmt.Errorf("%w: flush in progress", ErrNotRunning)
	}
	info, ok := p.pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPipeline, pipelineID)
	}

	deadline := time.Now().Add(MaxFrameDuration)
	for len(p.pending) > PipelineDepth {
		if !p.waitLocked(deadline) {
			return ErrAdmissionTimeout
		}
		if p.flushing {
			return fmt.Errorf("%w: flush in progress", ErrNotRunning)
		}
	}

	pr := &pendingRequest{
		frameNumber:   frameNumber,
		pipelineID:    pipelineID,
		callback:      info.callback,
		settings:      req.Settings.Clone(),
		outputBuffers: p.wrapBuffers(frameNumber, info, req.OutputBuffers, false, req),
		inputBuffers:  p.wrapBuffers(frameNumber, info, req.InputBuffers, true, req),
	}

	// The override queue records every request: entries carrying a new
	// snapshot and repeating entries alike, so the ramp walk sees the
	// full frame sequence.
	if pr.settings != nil {
		p.overrides = append(p.overrides, overrideEntry{
			frameNumber: frameNumber,
			settings:    pr.settings.Clone(),
		})
	} else {
		p.overrides = append(p.overrides, overrideEntry{frameNumber: frameNumber})
	}

	p.pending = append(p.pending, pr)
	return nil
}

// waitLocked blocks on the queue condition until signaled or the deadline
// passes. Returns false on timeout.
func (p *Processor) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// wrapBuffers converts request stream buffers into sensor buffers. Stream
// buffers without a handle belong to hardware-managed streams and are
// acquired from the requester; a failed acquisition returns everything
// grabbed so far and yields nil.
func (p *Processor) wrapBuffers(frameNumber uint32, info *pipelineInfo, bufs []stream.Buffer, isInput bool, req *pipeline.CaptureRequest) []*Buffer {
	if len(bufs) == 0 {
		return nil
	}

	out := make([]*Buffer, 0, len(bufs))
	var acquired []stream.Buffer
	failed := false
	for _, sb := range bufs {
		st, ok := info.streams[sb.StreamID]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":     "wrapBuffers",
				"frame_number": frameNumber,
				"stream_id":    sb.StreamID,
			}).Error("Buffer references unconfigured stream")
			failed = true
			break
		}

		if sb.Handle == nil {
			if p.requester == nil || !st.HardwareManaged {
				logrus.WithFields(logrus.Fields{
					"function":     "wrapBuffers",
					"frame_number": frameNumber,
					"stream_id":    sb.StreamID,
				}).Error("No handle and no allocator for stream buffer")
				failed = true
				break
			}
			got, err := p.requester.RequestStreamBuffers(sb.StreamID, 1)
			if err != nil || len(got) != 1 {
				logrus.WithFields(logrus.Fields{
					"function":     "wrapBuffers",
					"frame_number": frameNumber,
					"stream_id":    sb.StreamID,
					"error":        err,
				}).Warn("Lazy buffer acquisition failed")
				failed = true
				break
			}
			sb.Handle = got[0].Handle
			sb.BufferID = got[0].BufferID
			sb.AcquireFence = got[0].AcquireFence
			sb.ReleaseFence = got[0].ReleaseFence
			acquired = append(acquired, sb)
		}

		width, height := st.Width, st.Height
		if isInput && req.InputWidth > 0 && req.InputHeight > 0 {
			width, height = req.InputWidth, req.InputHeight
		}
		cameraID := p.cameraID
		if st.IsPhysical {
			cameraID = st.PhysicalCameraID
		}

		sb.Status = stream.StatusError
		out = append(out, &Buffer{
			Stream:       st,
			StreamBuffer: sb,
			Width:        width,
			Height:       height,
			Format:       st.Format,
			CameraID:     cameraID,
			PipelineID:   info.id,
			FrameNumber:  frameNumber,
			Callback:     info.callback,
			Plane:        sb.Handle.Data(),
			IsInput:      isInput,
		})
	}

	if failed {
		if len(acquired) > 0 && p.requester != nil {
			p.requester.ReturnStreamBuffers(acquired)
		}
		for _, b := range out {
			if b.StreamBuffer.Handle != nil && !bufferWasAcquired(acquired, b.StreamBuffer) {
				b.IsFailedRequest = true
				b.Release()
			}
		}
		return nil
	}
	return out
}

// bufferWasAcquired reports whether the stream buffer came from the lazy
// allocator during this wrap; those go back through ReturnStreamBuffers
// rather than through a release.
func bufferWasAcquired(acquired []stream.Buffer, sb stream.Buffer) bool {
	for _, a := range acquired {
		if a.StreamID == sb.StreamID && a.BufferID == sb.BufferID {
			return true
		}
	}
	return false
}

// Flush stops admissions, flushes the sensor's in-flight frame, and fails
// every pending request with one request-level error notification each.
func (p *Processor) Flush() error {
	p.mu.Lock()
	p.flushing = true
	p.cond.Broadcast()

	// The mutex stays held across the sensor flush so the servicing loop
	// cannot latch a queued frame while the in-flight one drains.
	err := p.sensor.Flush()

	drained := p.pending
	p.pending = nil
	p.overrides = nil
	p.mu.Unlock()

	for _, pr := range drained {
		p.notifyFailedRequest(pr)
	}

	p.mu.Lock()
	p.flushing = false
	p.cond.Broadcast()
	p.mu.Unlock()
	if len(drained) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Flush",
			"drained":  len(drained),
		}).Info("Flushed pending requests")
	}
	return err
}

// notifyFailedRequest emits one request-level error for the frame and
// releases its buffers without per-buffer errors.
func (p *Processor) notifyFailedRequest(pr *pendingRequest) {
	for _, b := range pr.outputBuffers {
		b.MarkError()
		b.IsFailedRequest = true
	}
	if pr.callback != nil {
		pr.callback.Notify(pr.pipelineID, pipeline.ErrorNotify(
			pr.frameNumber, pipeline.NoStream, pipeline.ErrorCodeRequest))
	}
	releaseAll(pr.inputBuffers)
	releaseAll(pr.outputBuffers)
}

// RepeatingRequestEnd records the end of a repeating request burst.
func (p *Processor) RepeatingRequestEnd(frameNumber int32, streamIDs []int32) {
	logrus.WithFields(logrus.Fields{
		"function":     "RepeatingRequestEnd",
		"frame_number": frameNumber,
		"streams":      len(streamIDs),
	}).Debug("Repeating request ended")
}

// loop services one pending request per sensor readout.
func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		p.mu.Lock()
		if !p.flushing && len(p.pending) > 0 {
			pr := p.pending[0]
			p.pending = p.pending[1:]
			p.serviceLocked(pr)
			p.cond.Signal()
		}
		p.mu.Unlock()

		if !p.sensor.WaitForVSync(MaxFrameDuration) {
			select {
			case <-p.done:
				return
			default:
			}
		}
	}
}

// serviceLocked resolves settings for one request, applies any due
// override, and latches the frame into the sensor. Called with p.mu held.
func (p *Processor) serviceLocked(pr *pendingRequest) {
	if len(pr.outputBuffers) == 0 {
		// Acquisition failed at submission; the frame short-circuits to
		// an error result without touching the sensor.
		if pr.callback != nil {
			pr.callback.Notify(pr.pipelineID, pipeline.ErrorNotify(
				pr.frameNumber, pipeline.NoStream, pipeline.ErrorCodeResult))
		}
		releaseAll(pr.inputBuffers)
		return
	}

	if !p.waitAcquireFences(pr) {
		p.notifyFailedRequest(pr)
		return
	}

	snapshot := pr.settings
	if snapshot == nil {
		snapshot = p.lastSettings
	}
	if snapshot == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "serviceLocked",
			"frame_number": pr.frameNumber,
			"error":        ErrNoSettings,
		}).Error("Request without settings and no cached snapshot")
		p.notifyFailedRequest(pr)
		return
	}
	snapshot = snapshot.Clone()

	reprocess := len(pr.inputBuffers) > 0
	overrideFrame := p.applyOverrideLocked(pr.frameNumber, snapshot, reprocess)

	if pr.settings != nil {
		p.lastSettings = pr.settings
	}

	resultMeta := snapshot.Clone()
	if overrideFrame > 0 {
		resultMeta.SetInt64(metadata.KeyOverridingFrameNumber, int64(overrideFrame))
	}

	chars := p.sensor.Characteristics()
	latched := &latchedRequest{
		settings: settingsFromMetadata(snapshot),
		result: &pipeline.Result{
			PipelineID:  pr.pipelineID,
			FrameNumber: pr.frameNumber,
			Metadata:    resultMeta,
		},
		inputBuffers:  pr.inputBuffers,
		outputBuffers: pr.outputBuffers,
		callback:      pr.callback,
	}
	if chars.PartialResultCount > 1 {
		partialMeta := metadata.New()
		partialMeta.CopyKey(resultMeta, metadata.KeyExposureTime)
		partialMeta.CopyKey(resultMeta, metadata.KeySensitivity)
		latched.partial = &pipeline.Result{
			PipelineID:    pr.pipelineID,
			FrameNumber:   pr.frameNumber,
			Metadata:      partialMeta,
			PartialResult: 1,
		}
	}

	if prev := p.sensor.setCurrentRequest(latched); prev != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "serviceLocked",
			"frame_number": prev.result.FrameNumber,
		}).Error("Overwrote an unserviced latched request")
		p.failLatched(prev)
	}
}

// waitAcquireFences blocks on every acquire fence of the request, bounded
// per fence by the maximum frame duration.
func (p *Processor) waitAcquireFences(pr *pendingRequest) bool {
	for _, b := range append(pr.inputBuffers, pr.outputBuffers...) {
		if err := b.StreamBuffer.AcquireFence.Wait(MaxFrameDuration); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "waitAcquireFences",
				"frame_number": pr.frameNumber,
				"stream_id":    b.StreamBuffer.StreamID,
				"error":        err,
			}).Error("Acquire fence wait failed")
			return false
		}
	}
	return true
}

// failLatched errors out a latched request that never reached the sensor.
func (p *Processor) failLatched(req *latchedRequest) {
	releaseAll(req.inputBuffers)
	if len(req.outputBuffers) == 0 {
		return
	}
	first := req.outputBuffers[0]
	for _, b := range req.outputBuffers {
		b.MarkError()
		b.IsFailedRequest = true
	}
	if req.callback != nil {
		req.callback.Notify(first.PipelineID, pipeline.ErrorNotify(
			first.FrameNumber, pipeline.NoStream, pipeline.ErrorCodeRequest))
	}
	releaseAll(req.outputBuffers)
}

// applyOverrideLocked walks the deferred override queue for the frame
// being serviced. Entries stay queued until the serviced frame is at
// least the ramp window past their target; due entries are consumed in
// order, each applying its zoom value to the settings snapshot. Returns
// the frame number of the override in effect, zero when none. Reprocess
// requests are ineligible: their settings describe an already captured
// frame. Called with p.mu held.
func (p *Processor) applyOverrideLocked(frameNumber uint32, settings *metadata.Metadata, reprocess bool) uint32 {
	if reprocess {
		if len(p.overrides) > 0 {
			logrus.WithFields(logrus.Fields{
				"function":     "applyOverrideLocked",
				"frame_number": frameNumber,
			}).Warn("Reprocess request skips settings override ramp")
		}
		return 0
	}

	var active uint32
	for len(p.overrides) > 0 {
		front := p.overrides[0]
		if frameNumber < front.frameNumber+ZoomRampFrames {
			break
		}

		ovr := front.settings
		repeating := ovr == nil
		if repeating {
			ovr = p.lastOverride
		}

		if ovr != nil && ovr.OverrideMode() == metadata.OverrideZoom {
			settings.CopyKey(ovr, metadata.KeySettingsOverride)
			if !settings.CopyKey(ovr, metadata.KeyZoomRatio) {
				logrus.WithFields(logrus.Fields{
					"function":     "applyOverrideLocked",
					"frame_number": front.frameNumber,
				}).Warn("Override entry carries no zoom ratio")
			}
			active = front.frameNumber
		} else {
			active = 0
		}

		if !repeating {
			p.lastOverride = front.settings
		}
		p.overrides = p.overrides[1:]
	}
	return active
}
