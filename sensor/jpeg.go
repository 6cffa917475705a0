package sensor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/metadata"
)

// jpegQuality is the fixed encode quality of the simulated pipeline.
const jpegQuality = 90

// compressorQueueDepth bounds queued encode jobs. A full queue fails the
// buffer instead of stalling the sensor loop.
const compressorQueueDepth = 8

// JpegJob carries one BLOB output through the asynchronous encode path.
// The job owns its YUV input planes and the output buffer; the buffer is
// delivered through its exactly-once release when the encode finishes or
// fails.
type JpegJob struct {
	ID     uuid.UUID
	Output *Buffer

	Width, Height int
	// YUV is the planar 4:2:0 input, Y then Cb then Cr.
	YUV []byte

	ResultMetadata *metadata.Metadata
}

// Compressor encodes BLOB outputs on its own worker goroutine so a slow
// encode never blocks the sensor's frame cadence. Closing the compressor
// aborts every queued job: outputs are released in error status.
type Compressor struct {
	jobs chan *JpegJob
	done chan struct{}

	mu     sync.Mutex
	closed bool

	wg sync.WaitGroup
}

// NewCompressor starts the encode worker.
func NewCompressor() *Compressor {
	c := &Compressor{
		jobs: make(chan *JpegJob, compressorQueueDepth),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// QueueYUV420 submits one encode job. A closed compressor or a full queue
// rejects the job; the caller keeps ownership of the output buffer in
// that case.
func (c *Compressor) QueueYUV420(job *JpegJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCompressorClosed
	}
	if job == nil || job.Output == nil {
		return fmt.Errorf("%w: incomplete jpeg job", ErrUnsupportedFormat)
	}
	select {
	case c.jobs <- job:
		logrus.WithFields(logrus.Fields{
			"function":     "QueueYUV420",
			"job_id":       job.ID.String(),
			"frame_number": job.Output.FrameNumber,
		}).Debug("Queued jpeg job")
		return nil
	default:
		return fmt.Errorf("%w: jpeg queue full", ErrCompressorClosed)
	}
}

// Close stops the worker and aborts queued jobs without encoding them.
// At most the job already in flight finishes; every other output is
// released with error status, each exactly once.
func (c *Compressor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Compressor) worker() {
	defer c.wg.Done()
	for job := range c.jobs {
		select {
		case <-c.done:
			c.abort(job)
		default:
			c.encode(job)
		}
	}
}

// abort releases a queued job's output unencoded, in error status.
func (c *Compressor) abort(job *JpegJob) {
	logrus.WithFields(logrus.Fields{
		"function":     "abort",
		"job_id":       job.ID.String(),
		"frame_number": job.Output.FrameNumber,
	}).Debug("Aborting queued jpeg job")
	job.Output.Release()
}

// encode runs one job and releases its output.
func (c *Compressor) encode(job *JpegJob) {
	defer job.Output.Release()

	img, err := yuvImage(job.YUV, job.Width, job.Height)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "encode",
			"job_id":   job.ID.String(),
			"error":    err,
		}).Error("Jpeg job input invalid")
		return
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "encode",
			"job_id":   job.ID.String(),
			"error":    err,
		}).Error("Jpeg encode failed")
		return
	}
	if out.Len() > len(job.Output.Plane) {
		logrus.WithFields(logrus.Fields{
			"function":  "encode",
			"job_id":    job.ID.String(),
			"encoded":   out.Len(),
			"blob_size": len(job.Output.Plane),
		}).Error("Encoded jpeg exceeds BLOB buffer")
		return
	}

	copy(job.Output.Plane, out.Bytes())
	job.Output.MarkOK()
	logrus.WithFields(logrus.Fields{
		"function":     "encode",
		"job_id":       job.ID.String(),
		"frame_number": job.Output.FrameNumber,
		"bytes":        out.Len(),
	}).Debug("Jpeg job complete")
}

// yuvImage wraps planar 4:2:0 data as an image for the encoder.
func yuvImage(planes []byte, w, h int) (*image.YCbCr, error) {
	need := w * h * 3 / 2
	if len(planes) < need || w%2 != 0 || h%2 != 0 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrUnsupportedFormat, w, h, len(planes))
	}
	return &image.YCbCr{
		Y:              planes[:w*h],
		Cb:             planes[w*h : w*h+w*h/4],
		Cr:             planes[w*h+w*h/4 : need],
		YStride:        w,
		CStride:        w / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}, nil
}
