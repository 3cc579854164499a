package nnfx

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/nnfx/internal/imageio"
	"github.com/gogpu/nnfx/tensor"
)

// createNoopDevice creates a noop HAL device for testing.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

func newNoopContext(t *testing.T, cfg Config, opts ...ContextOption) *Context {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	c, err := NewContextWithDevice(device, queue, cfg, opts...)
	if err != nil {
		cleanup()
		t.Fatalf("NewContextWithDevice() = %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
		cleanup()
	})
	return c
}

func TestContextSingleScenario(t *testing.T) {
	c := newNoopContext(t, Config{Model: "models/single.yaml", Width: 256, Height: 256})
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	m := c.Manager()
	in := m.InputBufferContent()
	if in.Size() != 786432 {
		t.Fatalf("input buffer = %d bytes, want 786432", in.Size())
	}

	frame := make([]float32, 3*256*256)
	for i := range frame {
		frame[i] = 0.5
	}
	if err := c.UploadTensor(in, 0, frame); err != nil {
		t.Fatalf("UploadTensor() = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Run(); err != nil {
			t.Fatalf("Run() #%d = %v", i+1, err)
		}
	}
	if m.Discoveries() != 1 {
		t.Errorf("Discoveries() = %d, want 1", m.Discoveries())
	}
	if out := m.OutputShape(); !out.Equal(tensor.NewShape(1, 3, 256, 256)) {
		t.Errorf("OutputShape() = %s", out)
	}
	values, err := c.ReadTensor(m.OutputBuffer())
	if err != nil {
		t.Fatalf("ReadTensor() = %v", err)
	}
	if len(values) != 3*256*256 {
		t.Errorf("ReadTensor() returned %d values", len(values))
	}
	if err := c.Flush(); err != nil {
		t.Errorf("Flush() = %v", err)
	}
	if s := c.Stats(); s.LiveBuffers != 2 || s.Submitted == 0 {
		t.Errorf("Stats() = %+v, want 2 live buffers", s)
	}
}

func TestContextContentStyleScenario(t *testing.T) {
	c := newNoopContext(t, Config{
		Topology:    "content-style",
		Model:       "models/content_style.yaml",
		Width:       512,
		Height:      384,
		StyleWidth:  256,
		StyleHeight: 256,
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	m := c.Manager()
	if got := m.InputShapeContent(); !got.Equal(tensor.NewShape(1, 3, 384, 512)) {
		t.Errorf("content shape = %s", got)
	}
	if got := m.InputShapeStyle(); !got.Equal(tensor.NewShape(1, 3, 256, 256)) {
		t.Errorf("style shape = %s", got)
	}
	if err := m.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := m.OutputShape(); !got.Equal(tensor.NewShape(1, 3, 384, 512)) {
		t.Errorf("output shape = %s", got)
	}
}

func TestContextBundledModels(t *testing.T) {
	tests := []struct {
		topo   string
		model  string
		before IOSize
		after  IOSize
		outCh  int64
	}{
		{"single", "models/single.yaml", IOSize{Width: 64, Height: 48}, IOSize{Width: 130, Height: 98}, 3},
		{"content-style", "models/content_style.yaml", styleSize(64, 64, 32, 32), styleSize(96, 80, 48, 48), 3},
		{"temporal", "models/temporal.yaml", IOSize{Width: 64, Height: 48}, IOSize{Width: 36, Height: 20}, 3},
		{"temporal-flow", "models/temporal_flow.yaml", IOSize{Width: 64, Height: 48}, IOSize{Width: 100, Height: 60}, 6},
		{"style-temporal", "models/style_temporal.yaml", styleSize(64, 48, 40, 24), styleSize(32, 32, 16, 16), 6},
	}
	for _, tt := range tests {
		t.Run(tt.topo, func(t *testing.T) {
			c := newNoopContext(t, Config{
				Topology:    tt.topo,
				Model:       tt.model,
				Width:       tt.before.Width,
				Height:      tt.before.Height,
				StyleWidth:  tt.before.StyleWidth,
				StyleHeight: tt.before.StyleHeight,
			})
			if err := c.Start(); err != nil {
				t.Fatalf("Start() = %v", err)
			}
			m := c.Manager()
			if err := m.Run(); err != nil {
				t.Fatalf("Run() = %v", err)
			}
			if err := m.Run(); err != nil {
				t.Fatalf("second Run() = %v", err)
			}

			oldOut := m.OutputBuffer()
			if err := m.ResizeIO(tt.after); err != nil {
				t.Fatalf("ResizeIO() = %v", err)
			}
			if err := m.Run(); err != nil {
				t.Fatalf("Run() after resize = %v", err)
			}
			if m.OutputBuffer() == oldOut {
				t.Error("output buffer reused across resize")
			}

			content, out := m.InputShapeContent(), m.OutputShape()
			if out.Channels() != tt.outCh {
				t.Errorf("output channels = %d, want %d", out.Channels(), tt.outCh)
			}
			if out.Height() != content.Height() || out.Width() != content.Width() {
				t.Errorf("output %s does not follow resized input %s", out, content)
			}
			if m.Discoveries() != 2 {
				t.Errorf("Discoveries() = %d, want 2", m.Discoveries())
			}
		})
	}
}

func TestContextStyleImage(t *testing.T) {
	style := image.NewNRGBA(image.Rect(0, 0, 44, 27))
	for y := range 27 {
		for x := range 44 {
			style.SetNRGBA(x, y, color.NRGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "style.png")
	if err := imageio.Save(path, style); err != nil {
		t.Fatal(err)
	}

	c := newNoopContext(t, Config{
		Topology:   "style-temporal",
		Model:      "models/style_temporal.yaml",
		Width:      64,
		Height:     48,
		StyleImage: path,
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	m := c.Manager()
	// The image size is aligned down like any style size.
	if got := m.InputShapeStyle(); !got.Equal(tensor.NewShape(1, 3, 24, 40)) {
		t.Errorf("style shape = %s, want [1 3 24 40]", got)
	}
	if err := m.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if err := c.ResizeIO(IOSize{Width: 32, Height: 32}); err != nil {
		t.Fatalf("ResizeIO() = %v", err)
	}
	if got := m.InputShapeStyle(); !got.Equal(tensor.NewShape(1, 3, 24, 40)) {
		t.Errorf("style shape after resize = %s", got)
	}
	if err := m.Run(); err != nil {
		t.Fatalf("Run() after resize = %v", err)
	}
}

func TestContextStyleImageMissing(t *testing.T) {
	c := newNoopContext(t, Config{
		Topology:   "content-style",
		Model:      "models/content_style.yaml",
		StyleImage: filepath.Join(t.TempDir(), "missing.png"),
	})
	if err := c.Start(); err == nil {
		t.Fatal("Start() succeeded without the style image")
	}
	if c.Manager().IsInitialized() {
		t.Error("manager initialized before the style image loaded")
	}
}

func TestContextCloseReleasesEverything(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	c, err := NewContextWithDevice(device, queue, Config{Topology: "temporal", Model: "models/temporal.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Manager().Run(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	s := c.Stats()
	if s.LiveBuffers != 0 || s.Allocations != s.Frees {
		t.Errorf("Stats() after Close = %+v", s)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Start() after Close = %v, want ErrContextClosed", err)
	}
	if _, err := c.ReadTensor(nil); !errors.Is(err, ErrContextClosed) {
		t.Errorf("ReadTensor() after Close = %v, want ErrContextClosed", err)
	}
	if err := c.UploadTensor(nil, 0, nil); !errors.Is(err, ErrContextClosed) {
		t.Errorf("UploadTensor() after Close = %v, want ErrContextClosed", err)
	}
}

func TestContextMemoryBudget(t *testing.T) {
	// 1 MiB holds the 768 KiB input but not the same-sized output.
	c := newNoopContext(t, Config{Model: "models/single.yaml", Width: 256, Height: 256, MemoryBudgetMB: 1})
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	err := c.Manager().Run()
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("Run() = %v, want *AllocationError", err)
	}
	if !IsFatal(err) {
		t.Error("allocation failure is not fatal")
	}
}

func TestContextInvalidConfig(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	if _, err := NewContextWithDevice(device, queue, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty config = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewContextWithDevice(nil, nil, Config{Model: "m.yaml"}); err == nil {
		t.Error("nil device accepted")
	}
}

func TestContextStartModelLoadError(t *testing.T) {
	c := newNoopContext(t, Config{Model: "models/missing.yaml"})
	var loadErr *ModelLoadError
	if err := c.Start(); !errors.As(err, &loadErr) {
		t.Fatalf("Start() = %v, want *ModelLoadError", err)
	}
	if c.Manager().IsInitialized() {
		t.Error("manager initialized after a failed load")
	}
}

// hostProvider is a host application's device provider exposing HAL handles.
type hostProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p hostProvider) Device() gpucontext.Device             { return nil }
func (p hostProvider) Queue() gpucontext.Queue               { return nil }
func (p hostProvider) Adapter() gpucontext.Adapter           { return nil }
func (p hostProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (p hostProvider) HalDevice() any                        { return p.device }
func (p hostProvider) HalQueue() any                         { return p.queue }

func TestNewContextFromProvider(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	c, err := NewContextFromProvider(hostProvider{device: device, queue: queue}, Config{Model: "models/single.yaml"})
	if err != nil {
		t.Fatalf("NewContextFromProvider() = %v", err)
	}
	defer c.Close()
	if c.AdapterName() != "" {
		t.Errorf("AdapterName() = %q for a host device", c.AdapterName())
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := c.Manager().Run(); err != nil {
		t.Errorf("Run() = %v", err)
	}
}
