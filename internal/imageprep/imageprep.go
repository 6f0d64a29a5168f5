// Package imageprep turns encoded images into the encoder's input tensor.
package imageprep

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/ocrkit/internal/inference"
)

var ErrEmptyImage = errors.New("imageprep: image has no pixels")

const (
	scale = 1 / (255 * 0.5)
	mean  = 0.5 / 0.5
)

// Decode reads a PNG, JPEG, GIF, BMP or WebP image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("imageprep: decode: %w", err)
	}
	return img, format, nil
}

// Tensor resizes img to the model's square input with bilinear filtering
// and returns interleaved RGB floats in [-1, 1].
func Tensor(img image.Image) ([]float32, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	const side = inference.ImageSize
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	out := make([]float32, inference.ImageElements)
	i := 0
	for p := 0; p < len(dst.Pix); p += 4 {
		out[i] = float32(dst.Pix[p])*scale - mean
		out[i+1] = float32(dst.Pix[p+1])*scale - mean
		out[i+2] = float32(dst.Pix[p+2])*scale - mean
		i += 3
	}
	return out, nil
}

// FromReader decodes r and converts it with Tensor.
func FromReader(r io.Reader) ([]float32, error) {
	img, _, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Tensor(img)
}
