// Package imageio converts between image files and planar float32 tensors
// in NCHW layout.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// I/O errors.
var (
	// ErrUnsupportedFormat is returned when a file extension has no encoder.
	ErrUnsupportedFormat = errors.New("imageio: unsupported format")

	// ErrSize is returned for non-positive dimensions or a data length that
	// does not match them.
	ErrSize = errors.New("imageio: invalid size")
)

// Load decodes an image file. PNG, JPEG, BMP and WebP are recognized by
// content.
func Load(path string) (image.Image, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("imageio: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Decode(f)
}

// Decode decodes an image from r, auto-detecting the format.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode: %w", err)
	}
	return img, nil
}

// Save encodes img to path. The format follows the extension: .png, .jpg,
// .jpeg or .bmp.
func Save(path string, img image.Image) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("imageio: create file: %w", err)
	}
	if err := Encode(f, filepath.Ext(path), img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Encode writes img to w in the format named by ext.
func Encode(w io.Writer, ext string, img image.Image) error {
	var err error
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		err = png.Encode(w, img)
	case "jpg", "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case "bmp":
		err = bmp.Encode(w, img)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("imageio: encode %s: %w", ext, err)
	}
	return nil
}

// ToCHW scales img to width x height with Catmull-Rom filtering and returns
// its RGB channels as planes of float32 in [0, 1]. Alpha is dropped.
func ToCHW(img image.Image, width, height int) ([]float32, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrSize, width, height)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if img.Bounds().Dx() == width && img.Bounds().Dy() == height {
		xdraw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, xdraw.Src)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	}

	plane := width * height
	out := make([]float32, 3*plane)
	for y := range height {
		row := dst.Pix[y*dst.Stride:]
		for x := range width {
			i := y*width + x
			out[i] = float32(row[x*4]) / 255
			out[plane+i] = float32(row[x*4+1]) / 255
			out[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return out, nil
}

// FromCHW builds an opaque image from the first three planes of data.
// Values are clamped to [0, 1].
func FromCHW(data []float32, width, height int) (*image.NRGBA, error) {
	plane := width * height
	if width <= 0 || height <= 0 || len(data) < 3*plane {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrSize, len(data), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		row := img.Pix[y*img.Stride:]
		for x := range width {
			i := y*width + x
			row[x*4] = toByte(data[i])
			row[x*4+1] = toByte(data[plane+i])
			row[x*4+2] = toByte(data[2*plane+i])
			row[x*4+3] = 255
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v != v || v <= 0: // NaN
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
