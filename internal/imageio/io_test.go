package imageio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 20), B: 200, A: 255})
		}
	}
	return img
}

func TestToCHWLayout(t *testing.T) {
	img := gradient(4, 3)
	data, err := ToCHW(img, 4, 3)
	if err != nil {
		t.Fatalf("ToCHW() error: %v", err)
	}
	if len(data) != 3*4*3 {
		t.Fatalf("len = %d, want 36", len(data))
	}
	plane := 12
	// pixel (2, 1)
	i := 1*4 + 2
	want := []float32{20.0 / 255, 20.0 / 255, 200.0 / 255}
	for c, w := range want {
		if got := data[c*plane+i]; math.Abs(float64(got-w)) > 1e-6 {
			t.Errorf("channel %d = %v, want %v", c, got, w)
		}
	}
}

func TestToCHWScales(t *testing.T) {
	src := image.NewUniform(color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for y := range 10 {
		for x := range 10 {
			img.Set(x, y, src.C)
		}
	}
	data, err := ToCHW(img, 5, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 3*35 {
		t.Fatalf("len = %d", len(data))
	}
	for i := range 35 {
		if data[i] < 0.99 || data[35+i] > 0.01 {
			t.Fatalf("pixel %d = (%v, %v), want red", i, data[i], data[35+i])
		}
	}
}

func TestToCHWInvalidSize(t *testing.T) {
	if _, err := ToCHW(gradient(2, 2), 0, 4); !errors.Is(err, ErrSize) {
		t.Errorf("error = %v, want ErrSize", err)
	}
}

func TestFromCHWClamps(t *testing.T) {
	data := []float32{
		-1, 0.5, // R
		2, float32(math.NaN()), // G
		0, 1, // B
	}
	img, err := FromCHW(data, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{R: 0, G: 255, B: 0, A: 255}) {
		t.Errorf("pixel 0 = %v", got)
	}
	if got := img.NRGBAAt(1, 0); got != (color.NRGBA{R: 128, G: 0, B: 255, A: 255}) {
		t.Errorf("pixel 1 = %v", got)
	}
	if _, err := FromCHW(data, 4, 1); !errors.Is(err, ErrSize) {
		t.Errorf("short data error = %v, want ErrSize", err)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	for _, ext := range []string{".png", ".bmp"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(dir, "img"+ext)
			src := gradient(6, 4)
			if err := Save(path, src); err != nil {
				t.Fatalf("Save() error: %v", err)
			}
			img, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 4 {
				t.Fatalf("bounds = %v", img.Bounds())
			}
			r, g, b, _ := img.At(3, 2).RGBA()
			if r>>8 != 30 || g>>8 != 40 || b>>8 != 200 {
				t.Errorf("pixel = (%d, %d, %d)", r>>8, g>>8, b>>8)
			}
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, ".tiff", gradient(1, 1)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("error = %v, want ErrUnsupportedFormat", err)
	}
	if err := Save(filepath.Join(t.TempDir(), "x.gif"), gradient(1, 1)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Save(.gif) error = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load("/nonexistent/image.png"); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
	path := filepath.Join(t.TempDir(), "junk.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() of junk succeeded")
	}
}
