// Package stream defines the stream and buffer model shared by the camera
// data-plane core. A stream is a configured input or output channel with a
// fixed format and dimensions for the lifetime of a session; buffers move
// through streams carrying pixel data between the framework client, the
// buffer cache and the capture scheduler.
package stream

import "fmt"

// Direction indicates whether a stream produces buffers for the client
// (output) or supplies previously captured buffers back for reprocessing
// (input).
type Direction int

const (
	// DirectionOutput streams deliver captured frames to the client.
	DirectionOutput Direction = iota
	// DirectionInput streams carry client-supplied frames for reprocessing.
	DirectionInput
)

// PixelFormat enumerates the buffer layouts the core routes. The synthesis
// of actual pixel content is format specific and opaque to the core.
type PixelFormat int

const (
	// FormatRAW16 is 16-bit Bayer mosaic data.
	FormatRAW16 PixelFormat = iota
	// FormatRGB888 is packed 24-bit RGB.
	FormatRGB888
	// FormatRGBA8888 is packed 32-bit RGBA.
	FormatRGBA8888
	// FormatYUV420 is planar 4:2:0 YCbCr.
	FormatYUV420
	// FormatY16 is 16-bit luma, used for depth streams.
	FormatY16
	// FormatBlob is an opaque compressed container (JPEG).
	FormatBlob
)

// String returns a human readable format name for logging.
func (f PixelFormat) String() string {
	switch f {
	case FormatRAW16:
		return "RAW16"
	case FormatRGB888:
		return "RGB888"
	case FormatRGBA8888:
		return "RGBA8888"
	case FormatYUV420:
		return "YUV420"
	case FormatY16:
		return "Y16"
	case FormatBlob:
		return "BLOB"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// BufferStatus reports the outcome of filling a buffer.
type BufferStatus int

const (
	// StatusOK marks a buffer whose contents are valid.
	StatusOK BufferStatus = iota
	// StatusError marks a buffer whose contents must be discarded.
	StatusError
)

// UngroupedID is the group id of streams that do not share a tracking
// identity with any other stream.
const UngroupedID int32 = -1

// Stream describes a configured input or output channel. Streams are
// immutable once accepted by a configuration call and are replaced
// wholesale on reconfiguration.
type Stream struct {
	// ID uniquely identifies the stream within a session configuration.
	ID int32

	Direction Direction
	Format    PixelFormat
	Width     uint32
	Height    uint32

	// GroupID links streams that share one tracking identity for
	// admission purposes. UngroupedID when the stream stands alone.
	GroupID int32

	// PhysicalCameraID associates the stream with a physical device of a
	// logical multi-camera. Zero value with IsPhysical false means the
	// logical device.
	PhysicalCameraID uint32
	IsPhysical       bool

	// HardwareManaged streams have no client pre-supplied buffers; the
	// core requests them lazily from the framework allocator.
	HardwareManaged bool

	// BufferSize is the byte size of BLOB buffers. Ignored for pixel
	// formats whose size follows from width, height and format.
	BufferSize uint32
}

// TrackingID returns the identity used for admission accounting: the group
// id when the stream is grouped, the stream id otherwise.
func (s Stream) TrackingID() int32 {
	if s.GroupID != UngroupedID {
		return s.GroupID
	}
	return s.ID
}

// IsInput reports whether the stream carries reprocess input buffers.
func (s Stream) IsInput() bool {
	return s.Direction == DirectionInput
}

// Validate checks the structural invariants of a single stream.
func (s Stream) Validate() error {
	if s.Width == 0 || s.Height == 0 {
		return fmt.Errorf("%w: stream %d has zero dimensions", ErrInvalidStream, s.ID)
	}
	if s.Format == FormatBlob && s.BufferSize == 0 {
		return fmt.Errorf("%w: BLOB stream %d needs a buffer size", ErrInvalidStream, s.ID)
	}
	return nil
}

// Config is the stream list and session-wide parameters supplied by a
// configuration call.
type Config struct {
	Streams []Stream

	// SessionParams carries opaque session-wide settings. The core does
	// not interpret them beyond forwarding.
	SessionParams map[string]any
}

// Validate checks the configuration for duplicate ids and per-stream
// invariants.
func (c Config) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("%w: empty stream list", ErrInvalidStream)
	}
	seen := make(map[int32]struct{}, len(c.Streams))
	for _, s := range c.Streams {
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("%w: duplicate stream id %d", ErrInvalidStream, s.ID)
		}
		seen[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Stream looks up a configured stream by id.
func (c Config) Stream(id int32) (Stream, bool) {
	for _, s := range c.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return Stream{}, false
}

// HalStream is the hardware-side descriptor returned for an accepted
// stream: the format the device actually produces and how many buffers it
// may hold at once.
type HalStream struct {
	ID             int32
	OverrideFormat PixelFormat
	MaxBuffers     uint32
	IsInput        bool
}

// Buffer ties a stream to one opaque buffer handle for a single frame.
//
// Ownership: the producer (cache or framework allocator) owns the buffer
// until it is handed to the scheduler, the scheduler owns it during
// synthesis, and ownership returns to the caller exactly once per buffer.
type Buffer struct {
	StreamID int32

	// BufferID is the slot identity used as part of the cache key.
	BufferID uint64

	// Handle is the imported backing storage. Nil means the handle must
	// be acquired lazily (hardware-managed streams) or resolved from the
	// cache by slot id.
	Handle *Handle

	// AcquireFence, when non-nil, must be waited on before the buffer
	// contents may be written. ReleaseFence is signaled by the consumer.
	AcquireFence *Fence
	ReleaseFence *Fence

	Status BufferStatus
}
