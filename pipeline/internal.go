package pipeline

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/stream"
)

// internalStreamIDBase keeps ids of injected internal streams out of the
// framework-assigned range.
const internalStreamIDBase int32 = 1 << 20

// InternalStreamManager owns the buffer pools backing streams the request
// transform injects. Injected streams never reach the framework client;
// their buffers circulate between the pool and the pipeline.
type InternalStreamManager struct {
	mu      sync.Mutex
	nextID  int32
	streams map[int32]*internalStream
}

type internalStream struct {
	stream     stream.Stream
	maxBuffers int
	allocated  int
	nextSlot   uint64
	free       []*stream.Handle
	freeSlots  []uint64
}

// NewInternalStreamManager returns an empty manager.
func NewInternalStreamManager() *InternalStreamManager {
	return &InternalStreamManager{
		nextID:  internalStreamIDBase,
		streams: make(map[int32]*internalStream),
	}
}

// RegisterStream adds an internal stream and assigns its id. maxBuffers
// bounds the pool; requests beyond it fail with ErrResourceExhausted
// until buffers return.
func (m *InternalStreamManager) RegisterStream(s stream.Stream, maxBuffers int) (int32, error) {
	if maxBuffers < 1 {
		return 0, fmt.Errorf("%w: max buffers %d", ErrInvalidArgument, maxBuffers)
	}
	if err := s.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	s.ID = id
	m.streams[id] = &internalStream{
		stream:     s,
		maxBuffers: maxBuffers,
	}
	logrus.WithFields(logrus.Fields{
		"function":    "RegisterStream",
		"stream_id":   id,
		"max_buffers": maxBuffers,
		"format":      s.Format.String(),
	}).Info("Registered internal stream")
	return id, nil
}

// Stream returns the registered internal stream definition.
func (m *InternalStreamManager) Stream(id int32) (stream.Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.streams[id]
	if !ok {
		return stream.Stream{}, false
	}
	return is.stream, true
}

// GetStreamBuffer hands out one pooled buffer for an internal stream,
// allocating lazily until the pool bound is reached.
func (m *InternalStreamManager) GetStreamBuffer(id int32) (stream.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	is, ok := m.streams[id]
	if !ok {
		return stream.Buffer{}, fmt.Errorf("%w: internal stream %d", ErrInvalidArgument, id)
	}

	if n := len(is.free); n > 0 {
		handle := is.free[n-1]
		slot := is.freeSlots[n-1]
		is.free = is.free[:n-1]
		is.freeSlots = is.freeSlots[:n-1]
		return stream.Buffer{StreamID: id, BufferID: slot, Handle: handle}, nil
	}

	if is.allocated >= is.maxBuffers {
		return stream.Buffer{}, fmt.Errorf("%w: internal stream %d pool exhausted",
			ErrResourceExhausted, id)
	}

	slot := is.nextSlot
	is.nextSlot++
	token := make([]byte, 16)
	binary.BigEndian.PutUint64(token[:8], uint64(id))
	binary.BigEndian.PutUint64(token[8:], slot)
	handle, err := stream.NewHandle(token, internalBufferSize(is.stream))
	if err != nil {
		return stream.Buffer{}, err
	}
	is.allocated++
	return stream.Buffer{StreamID: id, BufferID: slot, Handle: handle}, nil
}

// ReturnStreamBuffer puts a pooled buffer back on the free list.
func (m *InternalStreamManager) ReturnStreamBuffer(buf stream.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	is, ok := m.streams[buf.StreamID]
	if !ok {
		return fmt.Errorf("%w: internal stream %d", ErrInvalidArgument, buf.StreamID)
	}
	if buf.Handle == nil {
		return fmt.Errorf("%w: returned internal buffer has no handle", ErrInvalidArgument)
	}
	is.free = append(is.free, buf.Handle)
	is.freeSlots = append(is.freeSlots, buf.BufferID)
	return nil
}

// FreeStream drops an internal stream and its pool.
func (m *InternalStreamManager) FreeStream(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

// internalBufferSize sizes a pool buffer for the stream's format.
func internalBufferSize(s stream.Stream) int {
	w, h := int(s.Width), int(s.Height)
	switch s.Format {
	case stream.FormatYUV420:
		return w * h * 3 / 2
	case stream.FormatRGB888:
		return w * h * 3
	case stream.FormatRGBA8888:
		return w * h * 4
	case stream.FormatRAW16, stream.FormatY16:
		return w * h * 2
	case stream.FormatBlob:
		return int(s.BufferSize)
	default:
		return w * h * 4
	}
}
