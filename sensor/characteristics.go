// Package sensor implements the simulated capture backend: a request
// processor that paces admitted requests against the sensor's frame grid,
// and the sensor loop itself: one dedicated goroutine that latches
// request state, synthesizes frame content, computes frame-accurate
// timestamps and returns results within the frame's timing budget.
package sensor

import (
	"fmt"
	"time"
)

// Timing and depth constants of the simulated sensor.
const (
	// MinFrameDuration is the shortest supported frame interval.
	MinFrameDuration = 33331760 * time.Nanosecond
	// MaxFrameDuration is the longest supported frame interval and the
	// bound used for admission and vsync waits.
	MaxFrameDuration = time.Second

	// MinExposureTime and MaxExposureTime bound the exposure model.
	MinExposureTime = 1 * time.Microsecond
	MaxExposureTime = MaxFrameDuration

	// DefaultExposureTime is used when a request does not specify one.
	DefaultExposureTime = 15 * time.Millisecond
	// DefaultFrameDuration is used when a request does not specify one.
	DefaultFrameDuration = 33 * time.Millisecond

	// PipelineDepth bounds frames in flight inside the backend.
	PipelineDepth = 3

	// ReturnResultThreshold: when the remaining frame budget after
	// synthesis is below this, results are returned immediately instead
	// of after the vertical blank, so delivery cost cannot compound into
	// cadence drift.
	ReturnResultThreshold = 3 * DefaultFrameDuration

	// TimeAccuracy is the sleep imprecision tolerated when pacing to the
	// frame boundary.
	TimeAccuracy = 2 * time.Millisecond

	// ZoomRampFrames is the ramp window: a deferred settings override is
	// guaranteed not to take effect for at least this many frames after
	// the frame that queued it.
	ZoomRampFrames = 2

	// DefaultSensitivity is the ISO gain applied when unspecified.
	DefaultSensitivity = 100
)

// Characteristics describes one physical or logical sensor device.
type Characteristics struct {
	CameraID uint32

	// Width and Height are the default output dimensions; FullResWidth
	// and FullResHeight the active-array (maximum) dimensions.
	Width, Height               uint32
	FullResWidth, FullResHeight uint32

	// MaxRawStreams, MaxProcessedStreams and MaxStallingStreams bound
	// the accepted stream combination.
	MaxRawStreams       uint32
	MaxProcessedStreams uint32
	MaxStallingStreams  uint32
	MaxInputStreams     uint32

	// PartialResultCount above one enables an early partial metadata
	// delivery before the final result.
	PartialResultCount int

	IsFrontFacing bool
	Orientation   int32
}

// Validate checks the characteristics a session can start with.
func (c Characteristics) Validate() error {
	if c.Width == 0 || c.Height == 0 {
		return fmt.Errorf("%w: zero default dimensions", ErrInvalidCharacteristics)
	}
	if c.FullResWidth < c.Width || c.FullResHeight < c.Height {
		return fmt.Errorf("%w: full resolution below default resolution",
			ErrInvalidCharacteristics)
	}
	if c.PartialResultCount < 1 {
		return fmt.Errorf("%w: partial result count %d", ErrInvalidCharacteristics,
			c.PartialResultCount)
	}
	return nil
}

// DefaultCharacteristics returns a plausible 1080p sensor.
func DefaultCharacteristics(cameraID uint32) Characteristics {
	return Characteristics{
		CameraID:            cameraID,
		Width:               1920,
		Height:              1080,
		FullResWidth:        1920,
		FullResHeight:       1080,
		MaxRawStreams:       1,
		MaxProcessedStreams: 3,
		MaxStallingStreams:  2,
		MaxInputStreams:     1,
		PartialResultCount:  2,
	}
}
