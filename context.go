package nnfx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nnfx/internal/engine"
	"github.com/gogpu/nnfx/internal/gpu"
	"github.com/gogpu/nnfx/internal/imageio"
	"github.com/gogpu/nnfx/resource"
)

// Context owns the device queue, buffer provisioner, command recorder and
// inference manager of one rendering pipeline. Each is constructed once
// and passed explicitly to the components that need it.
//
// Example:
//
//	cfg, err := nnfx.LoadConfig("nnfx.toml")
//	if err != nil { ... }
//	ctx, err := nnfx.NewContext(cfg)
//	if err != nil { ... }
//	defer ctx.Close()
//
//	if err := ctx.Start(); err != nil { ... }
//	for frame := range frames {
//	    // the preprocessing pass writes ctx.Manager().InputBufferContent()
//	    if err := ctx.Manager().Run(); nnfx.IsFatal(err) { ... }
//	}
type Context struct {
	mu sync.Mutex

	cfg     Config
	owned   *gpu.Device
	adapter string

	provisioner *gpu.Provisioner
	recorder    *gpu.Recorder
	manager     *Manager
	metrics     *Metrics

	style  image.Image
	closed bool
}

// Stats reports buffer and submission accounting of a Context.
type Stats struct {
	LiveBuffers int
	Allocations uint64
	Frees       uint64
	UsedBytes   uint64
	Submitted   uint64
}

// NewContext opens a device on cfg.Backend and builds a Context on it.
func NewContext(cfg Config, opts ...ContextOption) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := gpu.OpenDevice(cfg.Backend)
	if err != nil {
		return nil, err
	}
	c, err := newContext(dev.Device, dev.Queue, cfg, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	c.owned = dev
	c.adapter = dev.AdapterName
	return c, nil
}

// NewContextWithDevice builds a Context on a device and queue owned by the
// caller. Close does not destroy them.
func NewContextWithDevice(device hal.Device, queue hal.Queue, cfg Config, opts ...ContextOption) (*Context, error) {
	if device == nil || queue == nil {
		return nil, errors.New("nnfx: nil device or queue")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newContext(device, queue, cfg, opts)
}

// NewContextFromProvider builds a Context on the device of a host
// application, so inference shares the host's queue.
func NewContextFromProvider(provider gpucontext.DeviceProvider, cfg Config, opts ...ContextOption) (*Context, error) {
	device, queue, err := gpu.FromProvider(provider)
	if err != nil {
		return nil, err
	}
	return NewContextWithDevice(device, queue, cfg, opts...)
}

func newContext(device hal.Device, queue hal.Queue, cfg Config, opts []ContextOption) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	names, err := cfg.inputNames()
	if err != nil {
		return nil, err
	}

	recorder, err := gpu.NewRecorder(device, queue, cfg.FlushTimeout())
	if err != nil {
		return nil, fmt.Errorf("nnfx: %w", err)
	}
	provisioner := gpu.NewProvisioner(device, queue, cfg.BudgetBytes())

	eng := o.engine
	if eng == nil {
		eng = wrapEngine(engine.New(device, queue, recorder, engine.Options{
			ValidateKernels: cfg.ValidateKernels,
		}))
	}

	c := &Context{
		cfg:         cfg,
		provisioner: provisioner,
		recorder:    recorder,
		metrics:     o.metrics,
	}
	c.manager = NewManager(Deps{
		Engine:      eng,
		Provisioner: provisioner,
		Recorder:    recorder,
		Metrics:     o.metrics,
		InputNames:  names,
	})
	return c, nil
}

// Manager returns the inference manager.
func (c *Context) Manager() *Manager { return c.manager }

// Config returns the validated configuration.
func (c *Context) Config() Config { return c.cfg }

// AdapterName returns the name of the adapter opened by NewContext, or ""
// for a caller-supplied device.
func (c *Context) AdapterName() string { return c.adapter }

// Start initializes the configured topology and prepares IO at the
// configured size. When a style image is configured it is decoded, its
// dimensions fill an unset style size, and it is uploaded to the style input.
func (c *Context) Start() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	t, err := c.cfg.TopologyValue()
	if err != nil {
		return err
	}
	if t.HasStyle() && c.cfg.StyleImage != "" && c.style == nil {
		img, err := imageio.Load(c.cfg.StyleImage)
		if err != nil {
			return fmt.Errorf("nnfx: style image: %w", err)
		}
		c.style = img
	}
	if err := c.manager.Init(t, c.cfg.Model); err != nil {
		return err
	}
	if err := c.manager.PrepareIO(c.withStyleSize(c.cfg.IOSize())); err != nil {
		return err
	}
	return c.uploadStyle()
}

// ResizeIO resizes the active topology and re-uploads the style image.
func (c *Context) ResizeIO(size IOSize) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.manager.ResizeIO(c.withStyleSize(size)); err != nil {
		return err
	}
	return c.uploadStyle()
}

func (c *Context) withStyleSize(size IOSize) IOSize {
	if c.style != nil && (size.StyleWidth == 0 || size.StyleHeight == 0) {
		b := c.style.Bounds()
		size.StyleWidth, size.StyleHeight = b.Dx(), b.Dy()
	}
	return size
}

// uploadStyle scales the style image to every batch entry of the style input.
func (c *Context) uploadStyle() error {
	buf := c.manager.InputBufferStyle()
	if c.style == nil || buf == nil {
		return nil
	}
	shape := c.manager.InputShapeStyle()
	data, err := imageio.ToCHW(c.style, int(shape.Width()), int(shape.Height()))
	if err != nil {
		return fmt.Errorf("nnfx: style image: %w", err)
	}
	for b := int64(0); b < shape.Batch(); b++ {
		if err := c.UploadTensor(buf, int(b)*len(data), data); err != nil {
			return err
		}
	}
	slogger().Debug("nnfx: style image uploaded", "shape", shape.String())
	return nil
}

// UploadTensor writes float32 values into buf starting at element offset.
func (c *Context) UploadTensor(buf *resource.Buffer, offset int, values []float32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("nnfx: negative upload offset %d", offset)
	}
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	return c.provisioner.Upload(buf, uint64(offset)*4, data)
}

// ReadTensor copies buf back to host memory and decodes it as float32
// values. It waits for the GPU and is meant for tools and tests, not the
// frame loop.
func (c *Context) ReadTensor(buf *resource.Buffer) ([]float32, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: no buffer to read", ErrInvalidState)
	}
	data, err := c.recorder.Readback(buf, 0, buf.Size())
	if err != nil {
		return nil, fmt.Errorf("nnfx: read %s: %w", buf.Label(), err)
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}

// Flush waits for every submitted command buffer.
func (c *Context) Flush() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.recorder.Flush()
}

// Stats returns buffer and submission accounting.
func (c *Context) Stats() Stats {
	s := c.provisioner.Stats()
	return Stats{
		LiveBuffers: s.Live,
		Allocations: s.Allocations,
		Frees:       s.Frees,
		UsedBytes:   s.UsedBytes,
		Submitted:   c.recorder.Submitted(),
	}
}

func (c *Context) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	return nil
}

// Close shuts the manager down and releases the recorder, the provisioner
// and a device opened by NewContext. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.manager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := c.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	c.provisioner.Close()
	if c.owned != nil {
		c.owned.Close()
		c.owned = nil
	}
	slogger().Info("nnfx: context closed")
	return errors.Join(errs...)
}
