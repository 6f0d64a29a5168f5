package imageprep

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/samcharles93/ocrkit/internal/inference"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// Bilinear resampling may round a channel by one step.
func near(a, b float32) bool { return math.Abs(float64(a-b)) <= 1.5/127.5 }

func TestTensorNormalises(t *testing.T) {
	t.Parallel()
	out, err := Tensor(solid(40, 90, color.RGBA{R: 255, G: 0, B: 128, A: 255}))
	if err != nil {
		t.Fatalf("Tensor() error = %v", err)
	}
	if len(out) != inference.ImageElements {
		t.Fatalf("len = %d, want %d", len(out), inference.ImageElements)
	}
	wantB := float32(128)/127.5 - 1
	for i := 0; i < len(out); i += 3 {
		if !near(out[i], 1) || !near(out[i+1], -1) || !near(out[i+2], wantB) {
			t.Fatalf("pixel %d = %v %v %v", i/3, out[i], out[i+1], out[i+2])
		}
	}
}

func TestTensorRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := Tensor(image.NewRGBA(image.Rect(0, 0, 0, 0))); err != ErrEmptyImage {
		t.Fatalf("Tensor(empty) error = %v", err)
	}
	if _, err := Tensor(nil); err != ErrEmptyImage {
		t.Fatalf("Tensor(nil) error = %v", err)
	}
}

func TestFromReaderFormats(t *testing.T) {
	t.Parallel()
	img := solid(8, 8, color.White)
	var pngBuf, bmpBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	if err := bmp.Encode(&bmpBuf, img); err != nil {
		t.Fatalf("bmp encode: %v", err)
	}
	for name, buf := range map[string]*bytes.Buffer{"png": &pngBuf, "bmp": &bmpBuf} {
		out, err := FromReader(buf)
		if err != nil {
			t.Fatalf("%s: FromReader() error = %v", name, err)
		}
		if !near(out[0], 1) || !near(out[len(out)-1], 1) {
			t.Fatalf("%s: white pixel = %v", name, out[0])
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, _, err := Decode(strings.NewReader("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}
