// Package facecrop cuts detected faces out of JPEG frames for the embedder.
package facecrop

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrEmptyCrop is returned when a box does not overlap the frame.
var ErrEmptyCrop = errors.New("crop is empty")

// Options control crop geometry and output.
type Options struct {
	// Size is the side of the square output crop in pixels. Zero keeps the
	// cropped region at its native size.
	Size int `yaml:"size"`
	// Padding expands the box by this fraction of its size on every side.
	Padding float64 `yaml:"padding"`
	// Quality is the JPEG quality of the encoded crop.
	Quality int `yaml:"quality"`
}

// DefaultOptions returns the crop settings used by the pipeline.
func DefaultOptions() Options {
	return Options{Size: 160, Padding: 0.2, Quality: 90}
}

// Image is a decoded frame ready for cropping.
type Image struct {
	img image.Image
}

// Decode decodes a JPEG (or PNG) frame.
func Decode(data []byte) (*Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &Image{img: img}, nil
}

// Size returns the frame dimensions in pixels.
func (im *Image) Size() (width, height int) {
	b := im.img.Bounds()
	return b.Dx(), b.Dy()
}

// Crop cuts the normalized box out of the frame, pads it, scales it to a
// square of opts.Size and encodes it as JPEG.
func (im *Image) Crop(box types.Box, opts Options) ([]byte, error) {
	bounds := im.img.Bounds()
	rect := box.Pixels(bounds.Dx(), bounds.Dy(), opts.Padding).Add(bounds.Min)
	if rect.Empty() {
		return nil, ErrEmptyCrop
	}

	var dst *image.RGBA
	if opts.Size > 0 {
		dst = image.NewRGBA(image.Rect(0, 0, opts.Size, opts.Size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), im.img, rect, draw.Src, nil)
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.Draw(dst, dst.Bounds(), im.img, rect.Min, draw.Src)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

// Largest returns the index of the detection with the biggest box area, or -1.
func Largest(dets []types.Detection) int {
	best, bestArea := -1, 0.0
	for i, d := range dets {
		if a := d.Box.W * d.Box.H; a > bestArea {
			best, bestArea = i, a
		}
	}
	return best
}
