package sensor

import (
	"time"

	"github.com/opd-ai/camcore/metadata"
)

// Settings is the latched per-frame control state the sensor loop
// executes against. It is derived from the request metadata snapshot once,
// on the processor side, so the loop never touches shared metadata.
type Settings struct {
	ExposureTime  time.Duration
	FrameDuration time.Duration

	// Sensitivity is the analog gain in ISO units.
	Sensitivity int64

	ZoomRatio float64

	// TestPatternMode selects the synthesizer pattern.
	TestPatternMode int64

	// OverrideMode carries the settings-override marker for ramp
	// bookkeeping.
	OverrideMode int64
}

// settingsFromMetadata extracts the control state the loop needs,
// clamping to the supported ranges and falling back to defaults for
// absent keys.
func settingsFromMetadata(md *metadata.Metadata) Settings {
	s := Settings{
		ExposureTime:  DefaultExposureTime,
		FrameDuration: DefaultFrameDuration,
		Sensitivity:   DefaultSensitivity,
		ZoomRatio:     1.0,
	}
	if md == nil {
		return s
	}
	if d, ok := md.GetDuration(metadata.KeyExposureTime); ok {
		s.ExposureTime = clampDuration(d, MinExposureTime, MaxExposureTime)
	}
	if d, ok := md.GetDuration(metadata.KeyFrameDuration); ok {
		s.FrameDuration = clampDuration(d, MinFrameDuration, MaxFrameDuration)
	}
	if iso, ok := md.GetInt64(metadata.KeySensitivity); ok && iso > 0 {
		s.Sensitivity = iso
	}
	if z, ok := md.GetFloat64(metadata.KeyZoomRatio); ok && z >= 1.0 {
		s.ZoomRatio = z
	}
	if p, ok := md.GetInt64(metadata.KeyTestPatternMode); ok {
		s.TestPatternMode = p
	}
	s.OverrideMode = md.OverrideMode()
	return s
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
