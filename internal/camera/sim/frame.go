package sim

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/softboxd/softboxd/internal/camera"
)

// renderFrame produces a JPEG test frame: a vertical luminance gradient
// blended with the overlay tint, so captures visibly carry the light the
// overlay was showing when the shutter fired.
func renderFrame(w, h int, tint *camera.Tint) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	var tr, tg, tb float64 = 1, 1, 1
	intensity := 0.0
	if tint != nil {
		tr, tg, tb = hsvToRGB(tint.Hue, 1.0, clamp01(tint.Brightness))
		intensity = clamp01(tint.Intensity)
	}

	for y := 0; y < h; y++ {
		base := 0.25 + 0.5*float64(y)/float64(max(h-1, 1))
		for x := 0; x < w; x++ {
			r := base*(1-intensity) + tr*intensity
			g := base*(1-intensity) + tg*intensity
			b := base*(1-intensity) + tb*intensity
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(r * 255),
				G: uint8(g * 255),
				B: uint8(b * 255),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hsvToRGB converts hue/saturation/value in [0,1] to RGB in [0,1].
func hsvToRGB(hue, s, v float64) (r, g, b float64) {
	hue = clamp01(hue) * 6
	sector := int(hue) % 6
	f := hue - float64(int(hue))
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	switch sector {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
