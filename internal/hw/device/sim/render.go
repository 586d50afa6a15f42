package sim

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

const (
	patternW = 64
	patternH = 48

	// referenceExposure is exposure x ISO that renders the pattern at
	// its nominal brightness (100 ms at ISO 200).
	referenceExposure = 0.1 * 200
)

var bars = []color.RGBA{
	{R: 120, G: 120, B: 120, A: 255},
	{R: 120, G: 120, B: 0, A: 255},
	{R: 0, G: 120, B: 120, A: 255},
	{R: 0, G: 120, B: 0, A: 255},
	{R: 120, G: 0, B: 120, A: 255},
	{R: 120, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 120, A: 255},
	{R: 16, G: 16, B: 16, A: 255},
}

// gain maps exposure x ISO to a linear brightness factor.
func gain(exposure time.Duration, iso int32) float64 {
	if exposure <= 0 || iso <= 0 {
		return 1
	}
	return exposure.Seconds() * float64(iso) / referenceExposure
}

// pattern draws colour bars over a horizontal ramp, scaled by g.
func pattern(g float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, patternW, patternH))
	scale := func(v uint8) uint8 {
		return uint8(min(255, float64(v)*g))
	}
	for y := 0; y < patternH; y++ {
		for x := 0; x < patternW; x++ {
			var c color.RGBA
			if y < patternH*2/3 {
				c = bars[x*len(bars)/patternW]
			} else {
				v := uint8(x * 128 / patternW)
				c = color.RGBA{R: v, G: v, B: v, A: 255}
			}
			img.SetRGBA(x, y, color.RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: 255})
		}
	}
	return img
}

// render produces the encoded frame for one still request.
func render(size device.Size, format device.Format, exposure time.Duration, iso int32) ([]byte, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("sim: invalid frame size %dx%d", size.Width, size.Height)
	}
	src := pattern(gain(exposure, iso))
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	switch format {
	case device.FormatTIFF:
		if err := tiff.Encode(&buf, dst, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, fmt.Errorf("sim: encode tiff: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("sim: encode jpeg: %w", err)
		}
	}
	return buf.Bytes(), nil
}
