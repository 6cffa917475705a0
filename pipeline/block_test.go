package pipeline

import (
	"errors"
	"sync"
	"testing"

	"github.com/opd-ai/camcore/metadata"
	"github.com/opd-ai/camcore/stream"
)

// fakeBackend records pipeline configuration and submissions. When
// entered and proceed are set, SubmitRequest signals entered and blocks
// until proceed is closed, so tests can hold a handoff open.
type fakeBackend struct {
	entered chan struct{}
	proceed chan struct{}

	mu         sync.Mutex
	pipelineID uint32
	configs    []stream.Config
	submitted  []*CaptureRequest
	submitErr  error
	flushes    int
}

func (f *fakeBackend) ConfigurePipeline(cb Callback, config stream.Config) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, config)
	return f.pipelineID, nil
}

func (f *fakeBackend) ConfiguredStreams(pipelineID uint32) ([]stream.HalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		return nil, ErrNotConfigured
	}
	out := make([]stream.HalStream, 0, len(f.configs[0].Streams))
	for _, s := range f.configs[0].Streams {
		out = append(out, stream.HalStream{ID: s.ID, OverrideFormat: s.Format, MaxBuffers: 3})
	}
	return out, nil
}

func (f *fakeBackend) SubmitRequest(frameNumber, pipelineID uint32, request *CaptureRequest) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.proceed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, request)
	return nil
}

func (f *fakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeBackend) RepeatingRequestEnd(frameNumber int32, streamIDs []int32) {}

func (f *fakeBackend) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// fakeResultProcessor records everything the block forwards.
type fakeResultProcessor struct {
	mu       sync.Mutex
	pending  []uint32
	removed  []uint32
	results  []BlockResult
	messages []BlockMessage
	addErr   error
}

func (f *fakeResultProcessor) AddPendingRequest(request *CaptureRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.pending = append(f.pending, request.FrameNumber)
	return nil
}

func (f *fakeResultProcessor) RemovePendingRequest(frameNumber uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, frameNumber)
	for i, frame := range f.pending {
		if frame == frameNumber {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
}

func (f *fakeResultProcessor) pendingFrames() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.pending...)
}

func (f *fakeResultProcessor) ProcessResult(result BlockResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func (f *fakeResultProcessor) ProcessBatchResult(results []BlockResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeResultProcessor) Notify(message BlockMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeResultProcessor) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func testConfig() stream.Config {
	return stream.Config{Streams: []stream.Stream{
		{ID: 0, Format: stream.FormatYUV420, Width: 640, Height: 480, GroupID: stream.UngroupedID},
	}}
}

func newConfiguredBlock(t *testing.T, backend *fakeBackend, rp ResultProcessor) *ProcessBlock {
	t.Helper()
	block, err := NewProcessBlock(backend)
	if err != nil {
		t.Fatalf("Failed to create block: %v", err)
	}
	if err := block.SetResultProcessor(rp); err != nil {
		t.Fatalf("Failed to set result processor: %v", err)
	}
	if err := block.Configure(testConfig()); err != nil {
		t.Fatalf("Failed to configure block: %v", err)
	}
	return block
}

// TestBlockConfigureOnce tests that configuration is one-shot.
func TestBlockConfigureOnce(t *testing.T) {
	block, err := NewProcessBlock(&fakeBackend{})
	if err != nil {
		t.Fatalf("Failed to create block: %v", err)
	}
	if err := block.Configure(testConfig()); err != nil {
		t.Fatalf("First configure failed: %v", err)
	}
	if err := block.Configure(testConfig()); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("Second configure should fail with ErrAlreadyConfigured, got %v", err)
	}
}

// TestBlockPipelinesWithinDepth tests that sequential submissions are
// accepted back to back without waiting for any result of the earlier
// frames; depth bounding is not the block's job.
func TestBlockPipelinesWithinDepth(t *testing.T) {
	backend := &fakeBackend{pipelineID: 7}
	rp := &fakeResultProcessor{}
	block := newConfiguredBlock(t, backend, rp)

	for frame := uint32(1); frame <= 3; frame++ {
		if err := block.Submit(&CaptureRequest{FrameNumber: frame}); err != nil {
			t.Fatalf("Submission of frame %d failed: %v", frame, err)
		}
	}
	if backend.submittedCount() != 3 {
		t.Fatalf("Backend saw %d submissions, want 3", backend.submittedCount())
	}
	if _, busy := block.Outstanding(); busy {
		t.Error("Handoff slot held after the backend accepted")
	}

	// Results for the earlier frames still route normally.
	block.ProcessResult(&Result{PipelineID: 7, FrameNumber: 1,
		OutputBuffers: []stream.Buffer{{StreamID: 0}}})
	block.ProcessResult(&Result{PipelineID: 7, FrameNumber: 1, Metadata: metadata.New()})
	if rp.resultCount() != 2 {
		t.Errorf("Result processor saw %d results, want 2", rp.resultCount())
	}
}

// TestBlockConcurrentSubmitBusy tests that a submission overlapping
// another caller's handoff fails with ErrBlockBusy and leaves no pending
// registration behind, so the rejected frame can be resubmitted.
func TestBlockConcurrentSubmitBusy(t *testing.T) {
	backend := &fakeBackend{
		entered: make(chan struct{}, 1),
		proceed: make(chan struct{}),
	}
	rp := &fakeResultProcessor{}
	block := newConfiguredBlock(t, backend, rp)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- block.Submit(&CaptureRequest{FrameNumber: 1})
	}()
	<-backend.entered

	if err := block.Submit(&CaptureRequest{FrameNumber: 2}); !errors.Is(err, ErrBlockBusy) {
		t.Fatalf("Overlapping submission should fail with ErrBlockBusy, got %v", err)
	}
	if frames := rp.pendingFrames(); len(frames) != 1 || frames[0] != 1 {
		t.Fatalf("Rejected submission left pending frames %v, want [1]", frames)
	}

	close(backend.proceed)
	if err := <-firstDone; err != nil {
		t.Fatalf("First submission failed: %v", err)
	}

	backend.entered = nil
	if err := block.Submit(&CaptureRequest{FrameNumber: 2}); err != nil {
		t.Fatalf("Resubmission of the rejected frame failed: %v", err)
	}
	if backend.submittedCount() != 2 {
		t.Errorf("Backend saw %d submissions, want 2", backend.submittedCount())
	}
}

// TestBlockDropsAfterUnset tests that results arriving after the result
// processor is detached are dropped, not delivered and not crashing.
func TestBlockDropsAfterUnset(t *testing.T) {
	backend := &fakeBackend{}
	rp := &fakeResultProcessor{}
	block := newConfiguredBlock(t, backend, rp)

	block.UnsetResultProcessor()
	block.ProcessResult(&Result{FrameNumber: 1, Metadata: metadata.New()})
	block.ProcessBatchResult([]*Result{{FrameNumber: 2, Metadata: metadata.New()}})
	block.Notify(0, ErrorNotify(3, NoStream, ErrorCodeResult))

	if rp.resultCount() != 0 || len(rp.messages) != 0 {
		t.Error("Detached result processor still received deliveries")
	}
	if err := block.Submit(&CaptureRequest{FrameNumber: 4}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Submission without result processor should fail, got %v", err)
	}
}

// TestBlockSetResultProcessorTwice tests duplicate-setup detection.
func TestBlockSetResultProcessorTwice(t *testing.T) {
	block, err := NewProcessBlock(&fakeBackend{})
	if err != nil {
		t.Fatalf("Failed to create block: %v", err)
	}
	if err := block.SetResultProcessor(&fakeResultProcessor{}); err != nil {
		t.Fatalf("First set failed: %v", err)
	}
	if err := block.SetResultProcessor(&fakeResultProcessor{}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Second set should fail with ErrAlreadyExists, got %v", err)
	}
}

// TestBlockSubmitBeforeConfigure tests the not-configured path.
func TestBlockSubmitBeforeConfigure(t *testing.T) {
	block, err := NewProcessBlock(&fakeBackend{})
	if err != nil {
		t.Fatalf("Failed to create block: %v", err)
	}
	if err := block.SetResultProcessor(&fakeResultProcessor{}); err != nil {
		t.Fatalf("Failed to set result processor: %v", err)
	}
	if err := block.Submit(&CaptureRequest{FrameNumber: 1}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Submission before configure should fail, got %v", err)
	}
}

// TestBlockSubmitErrorRollsBack tests that a backend submission error
// frees the handoff slot and unregisters the pending frame, so the very
// same frame number can be retried.
func TestBlockSubmitErrorRollsBack(t *testing.T) {
	backend := &fakeBackend{submitErr: errors.New("backend down")}
	rp := &fakeResultProcessor{}
	block := newConfiguredBlock(t, backend, rp)

	if err := block.Submit(&CaptureRequest{FrameNumber: 1}); err == nil {
		t.Fatal("Submission should propagate the backend error")
	}
	if _, busy := block.Outstanding(); busy {
		t.Error("Failed submission left the handoff slot held")
	}
	if frames := rp.pendingFrames(); len(frames) != 0 {
		t.Errorf("Failed submission left pending frames %v", frames)
	}

	backend.mu.Lock()
	backend.submitErr = nil
	backend.mu.Unlock()
	if err := block.Submit(&CaptureRequest{FrameNumber: 1}); err != nil {
		t.Errorf("Retry of the failed frame was rejected: %v", err)
	}
}
