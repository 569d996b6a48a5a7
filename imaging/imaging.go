// Package imaging holds the pixel operations the worker needs around the
// engine: decoding uploaded images, resizing, outpaint padding and mask
// preparation.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	// Register decoders for image.Decode.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxPixels caps the canvas an uploaded image may declare. It is four times
// a 2x upscale of the largest supported resolution.
const MaxPixels = 4096 * 4096

var (
	ErrEmptyImage    = errors.New("imaging: empty image data")
	ErrImageTooLarge = errors.New("imaging: image dimensions exceed limit")
)

// Decode reads an uploaded image into an NRGBA buffer. The header is checked
// against MaxPixels before any pixel data is allocated.
func Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("imaging: decoded %s image has no pixels", format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %s image is %dx%d", ErrImageTooLarge, format, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("imaging: decoded %s image has no pixels", format)
	}
	return ToNRGBA(img), nil
}

// ToNRGBA converts img to an NRGBA buffer whose bounds start at the origin.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Resize scales img to exactly width x height.
func Resize(img image.Image, width, height int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return ToNRGBA(img)
	}
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// IsCanonicalResolution reports whether img looks like it was produced by
// this system at width x height: it is at least that large in both
// dimensions and its aspect ratio is within 0.01 of the target.
func IsCanonicalResolution(img image.Image, width, height int) bool {
	if width <= 0 || height <= 0 {
		return false
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	if h < height || w < width {
		return false
	}
	k1 := float64(h) / float64(w)
	k2 := float64(height) / float64(width)
	return math.Abs(k1-k2) <= 0.01
}

// MaskFromImage extracts the red channel of img as a mask, resized to
// width x height when the sizes differ.
func MaskFromImage(img image.Image, width, height int) *image.Gray {
	src := ToNRGBA(img)
	if b := src.Bounds(); b.Dx() != width || b.Dy() != height {
		scaled := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), src, b, draw.Src, nil)
		src = scaled
	}
	mask := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			mask.SetGray(x, y, color.Gray{Y: src.NRGBAAt(x, y).R})
		}
	}
	return mask
}

// HasMaskedRegion reports whether any mask pixel is above 127.
func HasMaskedRegion(mask *image.Gray) bool {
	for _, v := range mask.Pix {
		if v > 127 {
			return true
		}
	}
	return false
}

// EncodePNG serialises img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
