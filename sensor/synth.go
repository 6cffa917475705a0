package sensor

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/opd-ai/camcore/stream"
)

// Synthesizer produces frame content for one buffer. The per-pixel math
// is deliberately opaque to the scheduling core: the sensor loop only
// defines the invocation points and the timing around them.
type Synthesizer interface {
	// Synthesize fills buf according to the latched settings.
	Synthesize(buf *Buffer, settings Settings, chars Characteristics) error

	// Reprocess fills output from a previously captured input buffer.
	Reprocess(input, output *Buffer, settings Settings, chars Characteristics) error
}

// TestPatternSynthesizer is the default synthesizer: a deterministic
// gradient pattern modulated by gain, with zoom applied as a center-crop
// scale. Good enough to exercise every buffer path without any optics.
type TestPatternSynthesizer struct{}

// Synthesize fills the buffer with the test pattern.
func (TestPatternSynthesizer) Synthesize(buf *Buffer, settings Settings, chars Characteristics) error {
	if buf == nil || buf.Plane == nil {
		return fmt.Errorf("%w: no plane to synthesize into", ErrUnsupportedFormat)
	}

	switch buf.Format {
	case stream.FormatRAW16:
		fillRAW16(buf, settings)
	case stream.FormatRGB888:
		fillPacked(buf, settings, 3)
	case stream.FormatRGBA8888:
		fillPacked(buf, settings, 4)
	case stream.FormatYUV420, stream.FormatBlob:
		// BLOB synthesis renders the YUV intermediate; compression is the
		// compressor's job.
		if err := fillYUV420(buf, settings); err != nil {
			return err
		}
		if settings.ZoomRatio > 1.0 {
			return zoomYUV420(buf, settings.ZoomRatio)
		}
	case stream.FormatY16:
		fillDepth(buf, settings)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, buf.Format)
	}
	return nil
}

// Reprocess scales the input plane into the output plane. Input and
// output are both treated as YUV420; other reprocess combinations are
// outside the supported matrix.
func (TestPatternSynthesizer) Reprocess(input, output *Buffer, settings Settings, chars Characteristics) error {
	if input == nil || output == nil {
		return fmt.Errorf("%w: reprocess needs input and output", ErrUnsupportedFormat)
	}
	if input.Format != stream.FormatYUV420 ||
		(output.Format != stream.FormatYUV420 && output.Format != stream.FormatBlob) {
		return fmt.Errorf("%w: reprocess %s -> %s", ErrUnsupportedFormat,
			input.Format, output.Format)
	}

	src := grayPlane(input.Plane, int(input.Width), int(input.Height))
	dst := grayPlane(output.Plane, int(output.Width), int(output.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	copyChroma(input, output)
	return nil
}

// fillRAW16 writes a 16-bit Bayer-like gradient.
func fillRAW16(buf *Buffer, settings Settings) {
	w, h := int(buf.Width), int(buf.Height)
	gain := uint32(settings.Sensitivity)
	for y := 0; y < h; y++ {
		row := buf.Plane[y*w*2:]
		for x := 0; x < w; x++ {
			v := uint16((uint32(x+y) * gain / DefaultSensitivity) & 0x0fff)
			row[x*2] = byte(v)
			row[x*2+1] = byte(v >> 8)
		}
	}
}

// fillPacked writes an RGB or RGBA gradient.
func fillPacked(buf *Buffer, settings Settings, bpp int) {
	w, h := int(buf.Width), int(buf.Height)
	gain := int(settings.Sensitivity)
	for y := 0; y < h; y++ {
		row := buf.Plane[y*w*bpp:]
		for x := 0; x < w; x++ {
			px := row[x*bpp : x*bpp+bpp]
			px[0] = byte(x * gain / DefaultSensitivity)
			px[1] = byte(y * gain / DefaultSensitivity)
			px[2] = byte((x + y) * gain / DefaultSensitivity)
			if bpp == 4 {
				px[3] = 0xff
			}
		}
	}
}

// fillYUV420 writes a luma gradient with neutral chroma.
func fillYUV420(buf *Buffer, settings Settings) error {
	w, h := int(buf.Width), int(buf.Height)
	need := w * h * 3 / 2
	if len(buf.Plane) < need {
		return fmt.Errorf("%w: YUV420 plane %d below %d bytes",
			ErrUnsupportedFormat, len(buf.Plane), need)
	}
	gain := int(settings.Sensitivity)
	for y := 0; y < h; y++ {
		row := buf.Plane[y*w:]
		for x := 0; x < w; x++ {
			row[x] = byte((x + y) * gain / DefaultSensitivity)
		}
	}
	chroma := buf.Plane[w*h : need]
	for i := range chroma {
		chroma[i] = 0x80
	}
	return nil
}

// fillDepth writes a 16-bit radial-ish depth ramp.
func fillDepth(buf *Buffer, settings Settings) {
	w, h := int(buf.Width), int(buf.Height)
	for y := 0; y < h; y++ {
		row := buf.Plane[y*w*2:]
		for x := 0; x < w; x++ {
			v := uint16((x*x + y*y) & 0xffff)
			row[x*2] = byte(v)
			row[x*2+1] = byte(v >> 8)
		}
	}
}

// zoomYUV420 applies a center-crop digital zoom to the luma plane.
func zoomYUV420(buf *Buffer, ratio float64) error {
	w, h := int(buf.Width), int(buf.Height)
	cropW := int(float64(w) / ratio)
	cropH := int(float64(h) / ratio)
	if cropW < 2 || cropH < 2 {
		return nil
	}
	x0 := (w - cropW) / 2
	y0 := (h - cropH) / 2

	src := grayPlane(buf.Plane, w, h)
	crop := src.SubImage(image.Rect(x0, y0, x0+cropW, y0+cropH)).(*image.Gray)
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), crop, crop.Bounds(), draw.Src, nil)
	copy(buf.Plane[:w*h], dst.Pix)
	return nil
}

// grayPlane wraps a luma plane as an image for the scaler.
func grayPlane(plane []byte, w, h int) *image.Gray {
	return &image.Gray{
		Pix:    plane[:w*h],
		Stride: w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// copyChroma fills the output chroma planes, scaling is not attempted:
// neutral chroma keeps the reprocessed frame valid.
func copyChroma(input, output *Buffer) {
	w, h := int(output.Width), int(output.Height)
	need := w * h * 3 / 2
	if len(output.Plane) < need {
		return
	}
	chroma := output.Plane[w*h : need]
	for i := range chroma {
		chroma[i] = 0x80
	}
}
