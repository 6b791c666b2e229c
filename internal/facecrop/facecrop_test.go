package facecrop

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
)

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCrop(t *testing.T) {
	im, err := Decode(testFrame(t, 200, 100))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if w, h := im.Size(); w != 200 || h != 100 {
		t.Fatalf("Size() = %dx%d, want 200x100", w, h)
	}

	tests := []struct {
		name  string
		opts  Options
		wantW int
		wantH int
	}{
		{"scaled square", Options{Size: 64, Quality: 90}, 64, 64},
		{"native size", Options{}, 50, 25},
		{"native size with padding", Options{Padding: 0.2}, 70, 35},
	}
	box := types.Box{X: 0.25, Y: 0.25, W: 0.25, H: 0.25}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := im.Crop(box, tt.opts)
			if err != nil {
				t.Fatalf("Crop: %v", err)
			}
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("crop is not a JPEG: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Errorf("crop is %dx%d, want %dx%d", cfg.Width, cfg.Height, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestCrop_OutsideFrame(t *testing.T) {
	im, err := Decode(testFrame(t, 50, 50))
	if err != nil {
		t.Fatal(err)
	}
	_, err = im.Crop(types.Box{X: 2, Y: 2, W: 0.1, H: 0.1}, DefaultOptions())
	if !errors.Is(err, ErrEmptyCrop) {
		t.Errorf("expected ErrEmptyCrop, got %v", err)
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Decode([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestLargest(t *testing.T) {
	dets := []types.Detection{
		{Box: types.Box{W: 0.1, H: 0.1}},
		{Box: types.Box{W: 0.3, H: 0.2}},
		{Box: types.Box{W: 0.2, H: 0.2}},
	}
	if got := Largest(dets); got != 1 {
		t.Errorf("Largest() = %d, want 1", got)
	}
	if got := Largest(nil); got != -1 {
		t.Errorf("Largest(nil) = %d, want -1", got)
	}
}
