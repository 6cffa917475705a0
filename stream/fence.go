package stream

import (
	"sync"
	"time"
)

// Fence is a one-shot acquire/release synchronization handle. A nil
// *Fence is treated as already signaled everywhere in the core.
type Fence struct {
	once sync.Once
	done chan struct{}
}

// NewFence returns an unsignaled fence.
func NewFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Signal marks the fence as passed. Signaling more than once is harmless.
func (f *Fence) Signal() {
	if f == nil {
		return
	}
	f.once.Do(func() { close(f.done) })
}

// Wait blocks until the fence is signaled or the timeout expires.
// A nil fence returns immediately.
func (f *Fence) Wait(timeout time.Duration) error {
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return nil
	case <-timer.C:
		return ErrFenceTimeout
	}
}
