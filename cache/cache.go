// Package cache implements the imported buffer-handle cache. The
// framework sends each buffer handle across the session boundary once;
// afterwards it refers to the buffer by its (stream, slot) key and the
// cache resolves the key back to the imported handle. Entries live until
// the stream they belong to leaves the active configuration.
package cache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camcore/stream"
)

// Key identifies one cached buffer handle.
type Key struct {
	StreamID int32
	BufferID uint64
}

// String formats the key for logging.
func (k Key) String() string {
	return fmt.Sprintf("s%db%d", k.StreamID, k.BufferID)
}

// ImportStatus reports the outcome of a successful Import.
type ImportStatus int

const (
	// StatusImported means the key was not cached and the handle was added.
	StatusImported ImportStatus = iota
	// StatusCacheHit means the key already mapped to the same handle.
	StatusCacheHit
)

// BufferCache owns the mapping from (stream, slot) identity to imported
// buffer handles. It is an explicit session-scoped structure, not a
// process-wide singleton; its lifetime is tied to the session that
// created it.
//
// Resolve takes a read lock so concurrent resolves do not serialize;
// Import and Evict are mutually exclusive with everything.
type BufferCache struct {
	mu       sync.RWMutex
	imported map[Key]*stream.Handle
}

// New returns an empty cache.
func New() *BufferCache {
	return &BufferCache{imported: make(map[Key]*stream.Handle)}
}

// Import adds handle under key. Re-importing the identical handle is a
// benign StatusCacheHit. A different handle for an existing key is a
// protocol violation from the caller: Import fails with ErrCacheMismatch
// and the original mapping is preserved.
func (c *BufferCache) Import(key Key, handle *stream.Handle) (ImportStatus, error) {
	if handle == nil {
		return 0, stream.ErrInvalidHandle
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.imported[key]; ok {
		if existing.Same(handle) {
			return StatusCacheHit, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "Import",
			"key":      key.String(),
		}).Error("Buffer handle identity conflict for cached key")
		return 0, fmt.Errorf("%w: key %s already maps to a different handle",
			ErrCacheMismatch, key)
	}

	c.imported[key] = handle
	logrus.WithFields(logrus.Fields{
		"function": "Import",
		"key":      key.String(),
		"size":     handle.Size(),
	}).Debug("Imported buffer handle")
	return StatusImported, nil
}

// Resolve returns the handle cached under key.
func (c *BufferCache) Resolve(key Key) (*stream.Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	handle, ok := c.imported[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return handle, nil
}

// Contains reports whether key is cached.
func (c *BufferCache) Contains(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.imported[key]
	return ok
}

// Evict removes every entry belonging to streamID and returns how many
// handles were released. Teardown must be exhaustive: after Evict no
// handle for the stream survives in the cache.
func (c *BufferCache) Evict(streamID int32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.imported {
		if key.StreamID == streamID {
			delete(c.imported, key)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Evict",
			"stream_id": streamID,
			"removed":   removed,
		}).Info("Evicted buffer handles for stream")
	}
	return removed
}

// Remove drops a single cached entry. Used when the framework retires one
// buffer slot without tearing down the stream.
func (c *BufferCache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.imported[key]; !ok {
		return false
	}
	delete(c.imported, key)
	return true
}

// Clear discards every cached handle. Called on session reconfiguration.
func (c *BufferCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.imported) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Clear",
			"entries":  len(c.imported),
		}).Info("Clearing buffer handle cache")
	}
	c.imported = make(map[Key]*stream.Handle)
}

// Len returns the number of cached entries.
func (c *BufferCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.imported)
}
