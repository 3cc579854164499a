// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nnfx/resource"
)

// Provisioner errors.
var (
	// ErrInvalidBufferSize is returned for zero-byte requests.
	ErrInvalidBufferSize = errors.New("gpu: invalid buffer size")

	// ErrMemoryBudgetExceeded is returned when an allocation would exceed the budget.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")

	// ErrProvisionerClosed is returned when operating on a closed provisioner.
	ErrProvisionerClosed = errors.New("gpu: provisioner closed")

	// ErrUnknownBuffer is returned when uploading to a buffer this provisioner did not create.
	ErrUnknownBuffer = errors.New("gpu: buffer not owned by provisioner")

	// ErrUploadRange is returned when an upload does not fit the buffer.
	ErrUploadRange = errors.New("gpu: upload range out of bounds")
)

// tensorBufferUsage is the usage of every tensor buffer: read and written by
// compute passes and usable as both ends of a buffer copy.
const tensorBufferUsage = gputypes.BufferUsageStorage |
	gputypes.BufferUsageCopySrc |
	gputypes.BufferUsageCopyDst

// Stats reports allocation accounting. Allocations - Frees == Live.
type Stats struct {
	Live        int
	Allocations uint64
	Frees       uint64
	UsedBytes   uint64
	BudgetBytes uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Buffers[%d live, %d allocs, %d frees, %d bytes]",
		s.Live, s.Allocations, s.Frees, s.UsedBytes)
}

// Provisioner allocates device-local tensor buffers on a HAL device.
//
// Provisioner is safe for concurrent use.
type Provisioner struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	budgetBytes uint64 // 0 means unlimited
	usedBytes   uint64
	live        map[uint64]*resource.Buffer

	allocations uint64
	frees       uint64
	closed      bool
}

// NewProvisioner creates a provisioner. budgetBytes of zero disables the budget.
func NewProvisioner(device hal.Device, queue hal.Queue, budgetBytes uint64) *Provisioner {
	return &Provisioner{
		device:      device,
		queue:       queue,
		budgetBytes: budgetBytes,
		live:        make(map[uint64]*resource.Buffer),
	}
}

// Create allocates a storage buffer of exactly size bytes.
func (p *Provisioner) Create(label string, size uint64) (*resource.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: %q requested 0 bytes", ErrInvalidBufferSize, label)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProvisionerClosed
	}
	if p.budgetBytes > 0 && p.usedBytes+size > p.budgetBytes {
		return nil, fmt.Errorf("%w: %q needs %d bytes, %d of %d in use",
			ErrMemoryBudgetExceeded, label, size, p.usedBytes, p.budgetBytes)
	}

	raw, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: tensorBufferUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %q: %w", label, err)
	}

	buf := resource.NewBuffer(label, size, raw)
	p.live[buf.ID()] = buf
	p.usedBytes += size
	p.allocations++

	slogger().Debug("gpu: buffer created", "label", label, "bytes", size, "live", len(p.live))
	return buf, nil
}

// Free destroys buf. Freeing nil or an already-freed buffer is a no-op.
func (p *Provisioner) Free(buf *resource.Buffer) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[buf.ID()]; !ok {
		return
	}
	delete(p.live, buf.ID())
	p.usedBytes -= buf.Size()
	p.frees++
	if raw := buf.Raw(); raw != nil && p.device != nil {
		p.device.DestroyBuffer(raw)
	}

	slogger().Debug("gpu: buffer freed", "label", buf.Label(), "bytes", buf.Size(), "live", len(p.live))
}

// Upload writes data into buf at offset through the queue. The write is
// ordered before any command buffer submitted afterwards.
func (p *Provisioner) Upload(buf *resource.Buffer, offset uint64, data []byte) error {
	if buf == nil {
		return ErrUnknownBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProvisionerClosed
	}
	if _, ok := p.live[buf.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, buf)
	}
	if offset+uint64(len(data)) > buf.Size() {
		return fmt.Errorf("%w: %d+%d > %d", ErrUploadRange, offset, len(data), buf.Size())
	}
	if len(data) == 0 {
		return nil
	}
	p.queue.WriteBuffer(buf.Raw(), offset, data)
	return nil
}

// Stats returns the current allocation accounting.
func (p *Provisioner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:        len(p.live),
		Allocations: p.allocations,
		Frees:       p.frees,
		UsedBytes:   p.usedBytes,
		BudgetBytes: p.budgetBytes,
	}
}

// Close frees every live buffer. Further Create and Upload calls fail.
func (p *Provisioner) Close() {
	p.mu.Lock()
	bufs := make([]*resource.Buffer, 0, len(p.live))
	for _, b := range p.live {
		bufs = append(bufs, b)
	}
	p.mu.Unlock()

	if len(bufs) > 0 {
		slogger().Warn("gpu: provisioner closed with live buffers", "count", len(bufs))
	}
	for _, b := range bufs {
		p.Free(b)
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
