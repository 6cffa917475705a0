package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/camcore/metadata"
	"github.com/opd-ai/camcore/stream"
)

func testTime() time.Time {
	return time.Unix(100, 0)
}

// fakeClient records caller-facing deliveries.
type fakeClient struct {
	mu       sync.Mutex
	results  []*CaptureResult
	messages []NotifyMessage
}

func (f *fakeClient) Notify(message NotifyMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeClient) ProcessResult(result *CaptureResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func (f *fakeClient) ProcessBatchResult(results []*CaptureResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeClient) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// TestResultOrdering tests shutter-then-partial-then-final ordering
// enforcement with a single final result per frame.
func TestResultOrdering(t *testing.T) {
	client := &fakeClient{}
	rp, err := NewRealtimeResultProcessor(client, nil, 0, nil)
	if err != nil {
		t.Fatalf("Failed to create result processor: %v", err)
	}

	if err := rp.AddPendingRequest(&CaptureRequest{FrameNumber: 1,
		OutputBuffers: []stream.Buffer{{StreamID: 0}}}); err != nil {
		t.Fatalf("AddPendingRequest failed: %v", err)
	}

	rp.Notify(BlockMessage{Message: ShutterNotify(1, testTime(), testTime())})
	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 1, Metadata: metadata.New(), Partial: true}})
	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 1, Metadata: metadata.New(),
		OutputBuffers: []stream.Buffer{{StreamID: 0, Status: stream.StatusOK}}}})

	if client.resultCount() != 2 {
		t.Fatalf("Client received %d results, want partial + final", client.resultCount())
	}
	if !client.results[0].Partial || client.results[1].Partial {
		t.Error("Partial must precede the final result")
	}

	// A duplicate final and a late partial are both dropped.
	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 1, Metadata: metadata.New()}})
	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 1, Metadata: metadata.New(), Partial: true}})
	if client.resultCount() != 2 {
		t.Errorf("Out-of-order results were delivered, client has %d", client.resultCount())
	}
}

// TestDuplicatePendingRequest tests duplicate frame registration.
func TestDuplicatePendingRequest(t *testing.T) {
	rp, err := NewRealtimeResultProcessor(&fakeClient{}, nil, 0, nil)
	if err != nil {
		t.Fatalf("Failed to create result processor: %v", err)
	}
	req := &CaptureRequest{FrameNumber: 5, OutputBuffers: []stream.Buffer{{StreamID: 0}}}
	if err := rp.AddPendingRequest(req); err != nil {
		t.Fatalf("AddPendingRequest failed: %v", err)
	}
	if err := rp.AddPendingRequest(req); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Duplicate registration should fail with ErrAlreadyExists, got %v", err)
	}
}

// TestRemovePendingRequest tests that a rolled-back registration frees
// the frame number for a later submission.
func TestRemovePendingRequest(t *testing.T) {
	rp, err := NewRealtimeResultProcessor(&fakeClient{}, nil, 0, nil)
	if err != nil {
		t.Fatalf("Failed to create result processor: %v", err)
	}
	req := &CaptureRequest{FrameNumber: 7, OutputBuffers: []stream.Buffer{{StreamID: 0}}}
	if err := rp.AddPendingRequest(req); err != nil {
		t.Fatalf("AddPendingRequest failed: %v", err)
	}
	rp.RemovePendingRequest(7)
	if err := rp.AddPendingRequest(req); err != nil {
		t.Errorf("Re-registration after removal failed: %v", err)
	}
}

// TestInternalStreamStripping tests that injected-stream buffers are
// removed from results and returned to the pool before the client sees
// anything.
func TestInternalStreamStripping(t *testing.T) {
	manager := NewInternalStreamManager()
	id, err := manager.RegisterStream(stream.Stream{
		Direction: stream.DirectionOutput, Format: stream.FormatYUV420,
		Width: 64, Height: 48, GroupID: stream.UngroupedID}, 2)
	if err != nil {
		t.Fatalf("Failed to register internal stream: %v", err)
	}
	internalBuf, err := manager.GetStreamBuffer(id)
	if err != nil {
		t.Fatalf("Failed to get internal buffer: %v", err)
	}

	client := &fakeClient{}
	rp, err := NewRealtimeResultProcessor(client, manager, id, nil)
	if err != nil {
		t.Fatalf("Failed to create result processor: %v", err)
	}
	if err := rp.AddPendingRequest(&CaptureRequest{FrameNumber: 1,
		OutputBuffers: []stream.Buffer{{StreamID: 0}, internalBuf}}); err != nil {
		t.Fatalf("AddPendingRequest failed: %v", err)
	}

	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 1, Metadata: metadata.New(),
		OutputBuffers: []stream.Buffer{
			{StreamID: 0, Status: stream.StatusOK},
			internalBuf,
		}}})

	if client.resultCount() != 1 {
		t.Fatalf("Client received %d results, want 1", client.resultCount())
	}
	result := client.results[0]
	if len(result.OutputBuffers) != 1 || result.OutputBuffers[0].StreamID != 0 {
		t.Errorf("Injected buffer leaked to the client: %+v", result.OutputBuffers)
	}

	// The stripped buffer went back to the pool: fetching again must not
	// allocate a second slot.
	again, err := manager.GetStreamBuffer(id)
	if err != nil {
		t.Fatalf("Pool did not regain the stripped buffer: %v", err)
	}
	if again.BufferID != internalBuf.BufferID {
		t.Errorf("Pool handed out slot %d, want recycled slot %d",
			again.BufferID, internalBuf.BufferID)
	}
}

// TestResolveHook tests per-buffer completion callbacks with correct
// success flags.
func TestResolveHook(t *testing.T) {
	type resolution struct {
		frame   uint32
		stream  int32
		success bool
	}
	var mu sync.Mutex
	var resolved []resolution

	rp, err := NewRealtimeResultProcessor(&fakeClient{}, nil, 0,
		func(frame uint32, streamID int32, success bool) {
			mu.Lock()
			resolved = append(resolved, resolution{frame, streamID, success})
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("Failed to create result processor: %v", err)
	}
	if err := rp.AddPendingRequest(&CaptureRequest{FrameNumber: 3,
		OutputBuffers: []stream.Buffer{{StreamID: 1}, {StreamID: 2}}}); err != nil {
		t.Fatalf("AddPendingRequest failed: %v", err)
	}

	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 3, Metadata: metadata.New(),
		OutputBuffers: []stream.Buffer{
			{StreamID: 1, Status: stream.StatusOK},
			{StreamID: 2, Status: stream.StatusError},
		}}})

	mu.Lock()
	defer mu.Unlock()
	if len(resolved) != 2 {
		t.Fatalf("Resolve hook fired %d times, want 2", len(resolved))
	}
	if resolved[0] != (resolution{3, 1, true}) {
		t.Errorf("First resolution %+v", resolved[0])
	}
	if resolved[1] != (resolution{3, 2, false}) {
		t.Errorf("Second resolution %+v", resolved[1])
	}
}

// TestEmptyResultDropped tests that a result reduced to nothing never
// reaches the client.
func TestEmptyResultDropped(t *testing.T) {
	manager := NewInternalStreamManager()
	id, err := manager.RegisterStream(stream.Stream{
		Direction: stream.DirectionOutput, Format: stream.FormatYUV420,
		Width: 64, Height: 48, GroupID: stream.UngroupedID}, 2)
	if err != nil {
		t.Fatalf("Failed to register internal stream: %v", err)
	}
	internalBuf, err := manager.GetStreamBuffer(id)
	if err != nil {
		t.Fatalf("Failed to get internal buffer: %v", err)
	}

	client := &fakeClient{}
	rp, err := NewRealtimeResultProcessor(client, manager, id, nil)
	if err != nil {
		t.Fatalf("Failed to create result processor: %v", err)
	}
	if err := rp.AddPendingRequest(&CaptureRequest{FrameNumber: 1,
		OutputBuffers: []stream.Buffer{internalBuf}}); err != nil {
		t.Fatalf("AddPendingRequest failed: %v", err)
	}

	rp.ProcessResult(BlockResult{Result: &CaptureResult{
		FrameNumber: 1, OutputBuffers: []stream.Buffer{internalBuf}}})
	if client.resultCount() != 0 {
		t.Error("Internal-only result leaked to the client")
	}
}
