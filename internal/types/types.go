package types

import (
	"image"
	"math"
	"time"
)

// Embedding is a fixed-length face descriptor produced by the embedder.
// All embeddings compared against each other must share one dimensionality.
type Embedding []float32

// Box is a bounding box in normalized frame coordinates (0..1, top-left origin).
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// BoxFromPixels converts a pixel box [x1, y1, x2, y2] into normalized coordinates.
// A zero-sized frame yields the zero Box.
func BoxFromPixels(x1, y1, x2, y2 float64, width, height int) Box {
	if width <= 0 || height <= 0 {
		return Box{}
	}
	w, h := float64(width), float64(height)
	return Box{
		X: x1 / w,
		Y: y1 / h,
		W: (x2 - x1) / w,
		H: (y2 - y1) / h,
	}
}

// Center returns the box center in normalized coordinates.
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// CenterDistance is the euclidean distance between the centers of two boxes.
func (b Box) CenterDistance(o Box) float64 {
	bx, by := b.Center()
	ox, oy := o.Center()
	return math.Hypot(bx-ox, by-oy)
}

// Pixels maps the box onto a frame of the given size, expanded by padding
// (a fraction of the box size on every side) and clipped to the frame.
func (b Box) Pixels(width, height int, padding float64) image.Rectangle {
	px := b.W * padding
	py := b.H * padding
	r := image.Rect(
		int(math.Round((b.X-px)*float64(width))),
		int(math.Round((b.Y-py)*float64(height))),
		int(math.Round((b.X+b.W+px)*float64(width))),
		int(math.Round((b.Y+b.H+py)*float64(height))),
	)
	return r.Intersect(image.Rect(0, 0, width, height))
}

// Detection is a single face found by the detector in one frame.
// Detections carry no identity across frames.
type Detection struct {
	Box   Box     `json:"box"`
	Score float64 `json:"score"`
}

// Frame is one JPEG-encoded video frame.
// Data must not be modified once the frame has been handed to the pipeline.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

// ErrorResult captures the error object returned by the inference service on failure
type ErrorResult struct {
	Error string `json:"error"`
}
