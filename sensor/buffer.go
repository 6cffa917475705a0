package sensor

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/pipeline"
	"github.com/opd-ai/camcore/stream"
)

// Buffer is a stream buffer while the sensor owns it: the locked plane,
// the originating stream description and the callback that returns the
// buffer when the sensor is done.
//
// Ownership returns to the pipeline exactly once per buffer, through
// Release. The buffer starts in error status; synthesis flips it to OK on
// success.
type Buffer struct {
	Stream       stream.Stream
	StreamBuffer stream.Buffer

	Width  uint32
	Height uint32
	Format stream.PixelFormat

	CameraID    uint32
	PipelineID  uint32
	FrameNumber uint32
	Callback    pipeline.Callback

	// Plane is the writable image plane of the imported handle.
	Plane []byte

	IsInput bool

	// IsFailedRequest suppresses the per-buffer error notification when
	// the whole request already failed with a request-level error.
	IsFailedRequest bool

	releaseOnce sync.Once
}

// Release returns the buffer to the pipeline. A buffer that still carries
// error status, and whose request did not already fail as a whole, emits
// one ErrorBuffer notification before the buffer itself is returned via a
// buffer-only result. Calling Release more than once is a no-op; the
// first call wins.
func (b *Buffer) Release() {
	b.releaseOnce.Do(func() {
		if b.Callback == nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Release",
				"frame_number": b.FrameNumber,
				"stream_id":    b.StreamBuffer.StreamID,
			}).Error("Sensor buffer has no callback, dropping")
			return
		}

		if b.StreamBuffer.Status == stream.StatusError && !b.IsFailedRequest {
			b.Callback.Notify(b.PipelineID, pipeline.ErrorNotify(
				b.FrameNumber, b.StreamBuffer.StreamID, pipeline.ErrorCodeBuffer))
		}

		b.StreamBuffer.ReleaseFence.Signal()

		result := &pipeline.Result{
			PipelineID:  b.PipelineID,
			FrameNumber: b.FrameNumber,
		}
		if b.IsInput {
			result.InputBuffers = []stream.Buffer{b.StreamBuffer}
		} else {
			result.OutputBuffers = []stream.Buffer{b.StreamBuffer}
		}
		b.Callback.ProcessResult(result)
	})
}

// MarkOK flips the buffer to valid contents.
func (b *Buffer) MarkOK() {
	b.StreamBuffer.Status = stream.StatusOK
}

// MarkError flips the buffer back to error status.
func (b *Buffer) MarkError() {
	b.StreamBuffer.Status = stream.StatusError
}

// releaseAll releases every buffer in the slice.
func releaseAll(buffers []*Buffer) {
	for _, b := range buffers {
		b.Release()
	}
}
