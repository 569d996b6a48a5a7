package imaging

import (
	"image"
	"image/color"
)

// OutpaintFraction is the share of a dimension added on each outpainted side.
const OutpaintFraction = 0.3

// Padding is the number of pixels added on each side.
type Padding struct {
	Top, Bottom, Left, Right int
}

// OutpaintPadding computes the padding for an image of width x height.
// Top and bottom grow by a fraction of the height, left and right by a
// fraction of the width.
func OutpaintPadding(width, height int, top, bottom, left, right bool) Padding {
	var p Padding
	dy := int(float64(height) * OutpaintFraction)
	dx := int(float64(width) * OutpaintFraction)
	if top {
		p.Top = dy
	}
	if bottom {
		p.Bottom = dy
	}
	if left {
		p.Left = dx
	}
	if right {
		p.Right = dx
	}
	return p
}

// PadImage extends img by p, filling the new area by replicating the nearest
// edge pixel.
func PadImage(img *image.NRGBA, p Padding) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w+p.Left+p.Right, h+p.Top+p.Bottom))
	ob := out.Bounds()
	for y := 0; y < ob.Dy(); y++ {
		sy := clamp(y-p.Top, 0, h-1) + b.Min.Y
		for x := 0; x < ob.Dx(); x++ {
			sx := clamp(x-p.Left, 0, w-1) + b.Min.X
			out.SetNRGBA(x, y, img.NRGBAAt(sx, sy))
		}
	}
	return out
}

// PadMask extends mask by p, filling the new area with fill.
func PadMask(mask *image.Gray, p Padding, fill uint8) *image.Gray {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w+p.Left+p.Right, h+p.Top+p.Bottom))
	for i := range out.Pix {
		out.Pix[i] = fill
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetGray(x+p.Left, y+p.Top, color.Gray{Y: mask.GrayAt(x+b.Min.X, y+b.Min.Y).Y})
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
