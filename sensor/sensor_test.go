package sensor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/camcore/metadata"
	"github.com/opd-ai/camcore/pipeline"
	"github.com/opd-ai/camcore/stream"
)

// fakeClock advances only through Sleep, making frame pacing
// deterministic under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureSink collects pipeline callbacks on channels so tests can wait
// for deliveries.
type captureSink struct {
	results  chan *pipeline.Result
	messages chan pipeline.NotifyMessage
}

func newCaptureSink() *captureSink {
	return &captureSink{
		results:  make(chan *pipeline.Result, 64),
		messages: make(chan pipeline.NotifyMessage, 64),
	}
}

func (s *captureSink) ProcessResult(result *pipeline.Result) {
	s.results <- result
}

func (s *captureSink) ProcessBatchResult(results []*pipeline.Result) {
	for _, r := range results {
		s.results <- r
	}
}

func (s *captureSink) Notify(pipelineID uint32, message pipeline.NotifyMessage) {
	s.messages <- message
}

func (s *captureSink) waitResult(t *testing.T) *pipeline.Result {
	t.Helper()
	select {
	case r := <-s.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a result")
		return nil
	}
}

func (s *captureSink) waitMessage(t *testing.T) pipeline.NotifyMessage {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a notification")
		return pipeline.NotifyMessage{}
	}
}

func newSinkBuffer(sink *captureSink, frameNumber uint32, format stream.PixelFormat, w, h uint32, size int) *Buffer {
	return &Buffer{
		StreamBuffer: stream.Buffer{StreamID: 0, Status: stream.StatusError},
		Width:        w,
		Height:       h,
		Format:       format,
		FrameNumber:  frameNumber,
		Callback:     sink,
		Plane:        make([]byte, size),
	}
}

// TestSensorStartShutdown tests lifecycle transitions.
func TestSensorStartShutdown(t *testing.T) {
	s, err := New(DefaultCharacteristics(0), nil, newFakeClock())
	if err != nil {
		t.Fatalf("Failed to create sensor: %v", err)
	}
	if err := s.StartUp(); err != nil {
		t.Fatalf("StartUp failed: %v", err)
	}
	if err := s.StartUp(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Second StartUp should fail with ErrAlreadyRunning, got %v", err)
	}
	if !s.IsRunning() {
		t.Error("Sensor should report running")
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := s.Shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Second Shutdown should fail with ErrNotRunning, got %v", err)
	}
}

// TestSensorFrameDelivery tests the full per-frame delivery of one
// latched request: shutter first, frame-aligned timestamps, then the
// final metadata result and the buffer, each exactly once.
func TestSensorFrameDelivery(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	s, err := New(DefaultCharacteristics(0), nil, clock)
	if err != nil {
		t.Fatalf("Failed to create sensor: %v", err)
	}
	if err := s.StartUp(); err != nil {
		t.Fatalf("StartUp failed: %v", err)
	}
	defer func() {
		if err := s.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	sink := newCaptureSink()
	settings := defaultSettings()
	buf := newSinkBuffer(sink, 1, stream.FormatYUV420, 64, 48, 64*48*3/2)
	s.setCurrentRequest(&latchedRequest{
		settings: settings,
		result: &pipeline.Result{
			FrameNumber: 1,
			Metadata:    metadata.New(),
		},
		outputBuffers: []*Buffer{buf},
		callback:      sink,
	})

	msg := sink.waitMessage(t)
	if msg.Type != pipeline.MessageShutter {
		t.Fatalf("First notification is %v, want shutter", msg.Type)
	}
	shutter := msg.Shutter
	if shutter.FrameNumber != 1 {
		t.Errorf("Shutter frame %d, want 1", shutter.FrameNumber)
	}
	if elapsed := shutter.Timestamp.Sub(base); elapsed <= 0 || elapsed%settings.FrameDuration != 0 {
		t.Errorf("Capture timestamp %v is not aligned to the %v frame grid",
			elapsed, settings.FrameDuration)
	}
	if got := shutter.ReadoutTimestamp.Sub(shutter.Timestamp); got != settings.ExposureTime {
		t.Errorf("Readout offset %v, want exposure time %v", got, settings.ExposureTime)
	}

	var sawFinal, sawBuffer bool
	for i := 0; i < 2; i++ {
		r := sink.waitResult(t)
		switch {
		case r.Metadata != nil:
			sawFinal = true
			ts, ok := r.Metadata.GetInt64(metadata.KeySensorTimestamp)
			if !ok || ts != shutter.Timestamp.UnixNano() {
				t.Errorf("Result timestamp %d, want shutter timestamp %d",
					ts, shutter.Timestamp.UnixNano())
			}
		case len(r.OutputBuffers) == 1:
			sawBuffer = true
			if r.OutputBuffers[0].Status != stream.StatusOK {
				t.Error("Synthesized buffer returned with error status")
			}
		default:
			t.Errorf("Unexpected result %+v", r)
		}
	}
	if !sawFinal || !sawBuffer {
		t.Errorf("Deliveries incomplete: final=%v buffer=%v", sawFinal, sawBuffer)
	}
}

// TestSensorPartialBeforeFinal tests that the partial metadata result is
// delivered strictly before the final one.
func TestSensorPartialBeforeFinal(t *testing.T) {
	clock := newFakeClock()
	s, err := New(DefaultCharacteristics(0), nil, clock)
	if err != nil {
		t.Fatalf("Failed to create sensor: %v", err)
	}
	if err := s.StartUp(); err != nil {
		t.Fatalf("StartUp failed: %v", err)
	}
	defer s.Shutdown()

	sink := newCaptureSink()
	buf := newSinkBuffer(sink, 2, stream.FormatYUV420, 64, 48, 64*48*3/2)
	s.setCurrentRequest(&latchedRequest{
		settings: defaultSettings(),
		result:   &pipeline.Result{FrameNumber: 2, Metadata: metadata.New()},
		partial: &pipeline.Result{FrameNumber: 2, Metadata: metadata.New(),
			PartialResult: 1},
		outputBuffers: []*Buffer{buf},
		callback:      sink,
	})

	var metadataResults []*pipeline.Result
	for len(metadataResults) < 2 {
		r := sink.waitResult(t)
		if r.Metadata != nil {
			metadataResults = append(metadataResults, r)
		}
	}
	if metadataResults[0].PartialResult != 1 {
		t.Error("Partial result did not precede the final result")
	}
	if metadataResults[1].PartialResult != 0 {
		t.Error("Final result carries a partial slot")
	}
}

// TestSensorFlushFailsLatched tests that Flush fails a latched request
// with exactly one request-scoped error notification and error-status
// buffers.
func TestSensorFlushFailsLatched(t *testing.T) {
	// The sensor is never started, so the latched request cannot be
	// consumed before Flush inspects the mailbox.
	s, err := New(DefaultCharacteristics(0), nil, newFakeClock())
	if err != nil {
		t.Fatalf("Failed to create sensor: %v", err)
	}

	sink := newCaptureSink()
	buf := newSinkBuffer(sink, 9, stream.FormatYUV420, 64, 48, 64*48*3/2)
	s.setCurrentRequest(&latchedRequest{
		settings:      defaultSettings(),
		result:        &pipeline.Result{FrameNumber: 9, Metadata: metadata.New()},
		outputBuffers: []*Buffer{buf},
		callback:      sink,
	})

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	msg := sink.waitMessage(t)
	if msg.Type != pipeline.MessageError || msg.Error.Code != pipeline.ErrorCodeResult {
		t.Errorf("Flush notification %+v, want a result-scoped error", msg)
	}
	r := sink.waitResult(t)
	if len(r.OutputBuffers) != 1 || r.OutputBuffers[0].Status != stream.StatusError {
		t.Errorf("Flushed buffer %+v, want error status", r.OutputBuffers)
	}

	select {
	case m := <-sink.messages:
		t.Errorf("Extra notification after flush: %+v", m)
	default:
	}
}

// TestWaitForVSyncStopped tests that the vsync rendezvous refuses to
// block on a stopped sensor.
func TestWaitForVSyncStopped(t *testing.T) {
	s, err := New(DefaultCharacteristics(0), nil, newFakeClock())
	if err != nil {
		t.Fatalf("Failed to create sensor: %v", err)
	}
	start := time.Now()
	if s.WaitForVSync(time.Second) {
		t.Error("WaitForVSync on a stopped sensor should fail")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("WaitForVSync blocked on a stopped sensor")
	}
}
