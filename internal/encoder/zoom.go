package encoder

import (
	"livecast/pkg/models"
)

// Zoom crops the centre 1/ratio of an I420 picture and scales it back to the
// full size with nearest-neighbour sampling. A ratio of 1 or less returns pic.
func Zoom(pic *models.RawFrame, ratio float64) *models.RawFrame {
	if ratio <= 1 || pic.Width == 0 || pic.Height == 0 {
		return pic
	}
	w, h := pic.Width, pic.Height
	cw, ch := w/2, h/2
	if len(pic.Data) < w*h+2*cw*ch {
		return pic
	}

	out := make([]byte, len(pic.Data))
	scalePlane(out[:w*h], pic.Data[:w*h], w, h, ratio)
	scalePlane(out[w*h:w*h+cw*ch], pic.Data[w*h:w*h+cw*ch], cw, ch, ratio)
	scalePlane(out[w*h+cw*ch:w*h+2*cw*ch], pic.Data[w*h+cw*ch:w*h+2*cw*ch], cw, ch, ratio)

	zoomed := *pic
	zoomed.Data = out
	return &zoomed
}

func scalePlane(dst, src []byte, w, h int, ratio float64) {
	cropW := int(float64(w) / ratio)
	cropH := int(float64(h) / ratio)
	if cropW < 1 {
		cropW = 1
	}
	if cropH < 1 {
		cropH = 1
	}
	x0 := (w - cropW) / 2
	y0 := (h - cropH) / 2

	xs := make([]int, w)
	for x := range xs {
		xs[x] = x0 + x*cropW/w
	}
	for y := 0; y < h; y++ {
		sy := y0 + y*cropH/h
		srow := src[sy*w : sy*w+w]
		drow := dst[y*w : y*w+w]
		for x, sx := range xs {
			drow[x] = srow[sx]
		}
	}
}
