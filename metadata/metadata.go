// Package metadata implements the opaque key/value settings snapshot
// attached to capture requests and results. The key schema and its
// validation rules belong to the framework contract; the core only reads
// the handful of keys that drive scheduling and copies the rest through
// untouched.
package metadata

import (
	"maps"
	"time"
)

// Key identifies one metadata entry.
type Key string

// Keys the data-plane core interprets. Everything else is carried opaquely.
const (
	// KeySettingsOverride marks a request whose settings participate in
	// the deferred override ramp. Value is an int64 override mode.
	KeySettingsOverride Key = "control.settingsOverride"

	// KeyZoomRatio is the requested zoom as a float64.
	KeyZoomRatio Key = "control.zoomRatio"

	// KeyExposureTime is the exposure duration in nanoseconds (int64).
	KeyExposureTime Key = "sensor.exposureTime"

	// KeyFrameDuration is the frame duration in nanoseconds (int64).
	KeyFrameDuration Key = "sensor.frameDuration"

	// KeySensitivity is the analog gain in ISO units (int64).
	KeySensitivity Key = "sensor.sensitivity"

	// KeySensorTimestamp is the capture timestamp a result reports, in
	// nanoseconds (int64). Reprocess requests read it back.
	KeySensorTimestamp Key = "sensor.timestamp"

	// KeyTestPatternMode selects the synthesizer test pattern (int64).
	KeyTestPatternMode Key = "sensor.testPatternMode"

	// KeyPartialResultCount is the partial result slot of a result (int64).
	KeyPartialResultCount Key = "request.partialResultCount"

	// KeyOverridingFrameNumber reports, in a result, the frame number of
	// the settings override in effect for the frame (int64). Absent or
	// zero when no override is active.
	KeyOverridingFrameNumber Key = "control.settingsOverridingFrameNumber"
)

// Override modes stored under KeySettingsOverride.
const (
	// OverrideOff disables the settings override for the request.
	OverrideOff int64 = 0
	// OverrideZoom defers zoom-related settings to a ramped future frame.
	OverrideZoom int64 = 1
)

// Metadata is a settings or result snapshot. It is not safe for concurrent
// mutation; the core clones snapshots at ownership boundaries instead of
// sharing them.
type Metadata struct {
	entries map[Key]any
}

// New returns an empty metadata snapshot.
func New() *Metadata {
	return &Metadata{entries: make(map[Key]any)}
}

// Clone returns a deep-enough copy: the entry map is copied, values are
// treated as immutable.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	return &Metadata{entries: maps.Clone(m.entries)}
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Set stores an entry, replacing any previous value.
func (m *Metadata) Set(key Key, value any) {
	m.entries[key] = value
}

// Get returns the raw entry for key.
func (m *Metadata) Get(key Key) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.entries[key]
	return v, ok
}

// Delete removes an entry if present.
func (m *Metadata) Delete(key Key) {
	if m == nil {
		return
	}
	delete(m.entries, key)
}

// GetInt64 returns an int64 entry.
func (m *Metadata) GetInt64(key Key) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// SetInt64 stores an int64 entry.
func (m *Metadata) SetInt64(key Key, value int64) {
	m.Set(key, value)
}

// GetFloat64 returns a float64 entry.
func (m *Metadata) GetFloat64(key Key) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// SetFloat64 stores a float64 entry.
func (m *Metadata) SetFloat64(key Key, value float64) {
	m.Set(key, value)
}

// GetDuration reads a nanosecond int64 entry as a time.Duration.
func (m *Metadata) GetDuration(key Key) (time.Duration, bool) {
	ns, ok := m.GetInt64(key)
	if !ok {
		return 0, false
	}
	return time.Duration(ns), true
}

// SetDuration stores a duration as a nanosecond int64 entry.
func (m *Metadata) SetDuration(key Key, d time.Duration) {
	m.SetInt64(key, int64(d))
}

// CopyKey copies one entry from src, overwriting any existing value.
// Missing source entries are reported so callers can log the gap.
func (m *Metadata) CopyKey(src *Metadata, key Key) bool {
	v, ok := src.Get(key)
	if !ok {
		return false
	}
	m.Set(key, v)
	return true
}

// OverrideMode returns the settings-override marker, OverrideOff when the
// snapshot is nil or carries no marker.
func (m *Metadata) OverrideMode() int64 {
	mode, ok := m.GetInt64(KeySettingsOverride)
	if !ok {
		return OverrideOff
	}
	return mode
}
