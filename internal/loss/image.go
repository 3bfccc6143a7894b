package loss

import (
	"image"
	"image/color"
	"math"
)

// Clamp returns a copy of img with every value limited to [0,1].
func (img Image) Clamp() Image {
	out := Image{Width: img.Width, Height: img.Height, Channels: img.Channels, Pix: make([]float64, len(img.Pix))}
	for i, v := range img.Pix {
		out.Pix[i] = math.Min(math.Max(v, 0), 1)
	}
	return out
}

// NRGBA converts a 1 or 3 channel image to 8-bit RGBA, clamping to [0,1].
// A single channel is shown as gray.
func (img Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	to8 := func(v float64) uint8 {
		return uint8(math.Round(math.Min(math.Max(v, 0), 1) * 255))
	}
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			p := (y*img.Width + x) * img.Channels
			var c color.NRGBA
			if img.Channels >= 3 {
				c = color.NRGBA{to8(img.Pix[p]), to8(img.Pix[p+1]), to8(img.Pix[p+2]), 255}
			} else {
				g := to8(img.Pix[p])
				c = color.NRGBA{g, g, g, 255}
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// SideBySide places a and b next to each other. Both must share a shape.
func SideBySide(a, b Image) (Image, error) {
	if err := sameShape(a, b); err != nil {
		return Image{}, err
	}
	ch := a.Channels
	out := NewImage(a.Width*2, a.Height, ch)
	row := a.Width * ch
	for y := 0; y < a.Height; y++ {
		copy(out.Pix[y*2*row:], a.Pix[y*row:(y+1)*row])
		copy(out.Pix[y*2*row+row:], b.Pix[y*row:(y+1)*row])
	}
	return out, nil
}
