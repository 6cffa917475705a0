// Package tracker implements the pending-request tracker: a bounded set of
// in-flight frame numbers per tracked stream. It is the system's principal
// backpressure mechanism, suspending admission while any stream would
// exceed the configured pipeline depth, and the place where per-frame
// completion is detected.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome records how one expected (frame, stream) entry resolved.
type Outcome int

const (
	// OutcomeSuccess means the buffer or result arrived intact.
	OutcomeSuccess Outcome = iota
	// OutcomeError means the entry resolved with a per-frame error.
	OutcomeError
)

// IdleFunc is invoked, outside the tracker lock, whenever a frame's
// expected stream set empties. The capture scheduler consumes these events
// to signal drain idle to upstream buffer suppliers.
type IdleFunc func(frameNumber uint32)

// Tracker enforces admission backpressure and detects per-frame
// completion. It is a session-scoped structure injected into the pipeline,
// never a package-level singleton.
type Tracker struct {
	mu   sync.Mutex
	cond *sync.Cond

	depth    int
	inflight map[int32]int               // tracking id -> frames in flight
	pending  map[uint32]map[int32]*entry // frame -> tracking id -> state
	onIdle   IdleFunc
	reset    uint64 // generation, bumped by Reset to wake waiters
}

type entry struct {
	resolved bool
	outcome  Outcome
}

// New returns a tracker with the given pipeline depth. Depth must be at
// least one.
func New(depth int, onIdle IdleFunc) (*Tracker, error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: pipeline depth %d", ErrInvalidDepth, depth)
	}
	t := &Tracker{
		depth:    depth,
		inflight: make(map[int32]int),
		pending:  make(map[uint32]map[int32]*entry),
		onIdle:   onIdle,
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

// Depth returns the configured pipeline depth.
func (t *Tracker) Depth() int {
	return t.depth
}

// TryAdmit records frameNumber with its expected tracking stream ids,
// blocking while any of the streams already has depth frames in flight.
// The wait is bounded: when timeout expires before a slot frees,
// ErrAdmissionTimeout is returned and nothing is recorded.
func (t *Tracker) TryAdmit(frameNumber uint32, streams []int32, timeout time.Duration) error {
	if len(streams) == 0 {
		return fmt.Errorf("%w: frame %d has no tracked streams", ErrInvalidArgument, frameNumber)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[frameNumber]; ok {
		return fmt.Errorf("%w: frame %d already admitted", ErrInvalidArgument, frameNumber)
	}

	deadline := time.Now().Add(timeout)
	generation := t.reset
	for t.wouldExceedLocked(streams) {
		if t.reset != generation {
			return ErrTrackerReset
		}
		if !t.waitLocked(deadline) {
			logrus.WithFields(logrus.Fields{
				"function":     "TryAdmit",
				"frame_number": frameNumber,
				"depth":        t.depth,
			}).Error("Timed out waiting for a pending request slot")
			return ErrAdmissionTimeout
		}
	}

	expected := make(map[int32]*entry, len(streams))
	for _, id := range streams {
		if _, ok := expected[id]; ok {
			// Grouped streams collapse to one tracking identity.
			continue
		}
		expected[id] = &entry{}
		t.inflight[id]++
	}
	t.pending[frameNumber] = expected

	logrus.WithFields(logrus.Fields{
		"function":     "TryAdmit",
		"frame_number": frameNumber,
		"streams":      len(expected),
	}).Debug("Admitted frame")
	return nil
}

// wouldExceedLocked reports whether admitting one more frame on any of the
// streams would exceed the pipeline depth.
func (t *Tracker) wouldExceedLocked(streams []int32) bool {
	for _, id := range streams {
		if t.inflight[id] >= t.depth {
			return true
		}
	}
	return false
}

// waitLocked blocks on the condition until woken or the deadline passes.
// Returns false once the deadline has expired.
func (t *Tracker) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	t.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// Resolve removes one expected (frame, stream) entry. Each entry resolves
// exactly once, success or error; resolving an already-resolved pair is a
// logic error surfaced as ErrAlreadyResolved, since tolerating it risks
// buffer double-ownership. When the frame's expected set empties the idle
// callback fires and the frame record is destroyed.
func (t *Tracker) Resolve(frameNumber uint32, streamID int32, outcome Outcome) error {
	t.mu.Lock()

	expected, ok := t.pending[frameNumber]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: frame %d is not pending", ErrUnknownFrame, frameNumber)
	}
	e, ok := expected[streamID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: frame %d does not expect stream %d",
			ErrUnknownStream, frameNumber, streamID)
	}
	if e.resolved {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":     "Resolve",
			"frame_number": frameNumber,
			"stream_id":    streamID,
		}).Error("Double resolve of a pending stream entry")
		return fmt.Errorf("%w: frame %d stream %d", ErrAlreadyResolved,
			frameNumber, streamID)
	}
	e.resolved = true
	e.outcome = outcome
	t.inflight[streamID]--
	if t.inflight[streamID] <= 0 {
		delete(t.inflight, streamID)
	}

	done := true
	for _, other := range expected {
		if !other.resolved {
			done = false
			break
		}
	}
	var idle IdleFunc
	if done {
		delete(t.pending, frameNumber)
		idle = t.onIdle
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	// The idle notification runs outside the lock: the consumer may call
	// back into the tracker.
	if idle != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Resolve",
			"frame_number": frameNumber,
		}).Debug("Frame completed, notifying idle")
		idle(frameNumber)
	}
	return nil
}

// InFlight returns the number of frames currently in flight for a
// tracking stream id.
func (t *Tracker) InFlight(streamID int32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[streamID]
}

// PendingFrames returns the frame numbers that have not fully resolved.
func (t *Tracker) PendingFrames() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([]uint32, 0, len(t.pending))
	for f := range t.pending {
		frames = append(frames, f)
	}
	return frames
}

// Reset discards all pending records and wakes blocked admitters with
// ErrTrackerReset. Called on session reconfiguration.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Reset",
			"pending":  len(t.pending),
		}).Warn("Resetting tracker with pending frames")
	}
	t.inflight = make(map[int32]int)
	t.pending = make(map[uint32]map[int32]*entry)
	t.reset++
	t.cond.Broadcast()
}
