// Package fpimage contains the image container shared by image based
// fingerprint drivers and the transformations applied between raw sensor
// frames and a normalized grayscale image.
package fpimage

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Flags describe the electrical orientation of the sensor relative to the
// finger. They are recorded by the capture driver and applied once during
// normalization.
type Flags uint8

// Orientation correction flags.
const (
	ColorsInverted Flags = 1 << iota
	VFlipped
	HFlipped
)

// Image is a width x height buffer of 8-bit gray pixels in row-major order,
// as produced by a capture driver before normalization.
type Image struct {
	Width  int
	Height int
	Data   []byte
	Flags  Flags
}

// New allocates a zeroed image of the given dimensions.
func New(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Data:   make([]byte, width*height),
	}
}

// Gray returns the raw pixel buffer as a stdlib gray image. The pixel data
// is shared, not copied.
func (im *Image) Gray() *image.Gray {
	return &image.Gray{
		Pix:    im.Data,
		Stride: im.Width,
		Rect:   image.Rect(0, 0, im.Width, im.Height),
	}
}

// Enlarge scales the image up by integer factors. Sensors in this family
// have a small physical capture area; matching works poorly on the raw size,
// so drivers upscale before handing the image on.
func (im *Image) Enlarge(wFactor, hFactor int) (*Image, error) {
	if wFactor < 1 || hFactor < 1 {
		return nil, errors.Errorf("invalid enlargement factors %dx%d", wFactor, hFactor)
	}
	if wFactor == 1 && hFactor == 1 {
		return im, nil
	}
	scaled := resize.Resize(
		uint(im.Width*wFactor),
		uint(im.Height*hFactor),
		im.Gray(),
		resize.Bilinear,
	)
	out := New(im.Width*wFactor, im.Height*hFactor)
	out.Flags = im.Flags
	fillFromImage(out, scaled)
	return out, nil
}

// Normalize applies the orientation flags and returns a standard gray image
// oriented the way the matcher expects, finger pad up, ridges dark.
func (im *Image) Normalize() *image.Gray {
	var current image.Image = im.Gray()
	if im.Flags&ColorsInverted != 0 {
		current = imaging.Invert(current)
	}
	if im.Flags&VFlipped != 0 {
		current = imaging.FlipV(current)
	}
	if im.Flags&HFlipped != 0 {
		current = imaging.FlipH(current)
	}
	if g, ok := current.(*image.Gray); ok {
		return g
	}
	out := image.NewGray(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			out.SetGray(x, y, color.GrayModel.Convert(current.At(x, y)).(color.Gray))
		}
	}
	return out
}

func fillFromImage(dst *Image, src image.Image) {
	bounds := src.Bounds()
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			c := color.GrayModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			dst.Data[y*dst.Width+x] = c.Y
		}
	}
}
