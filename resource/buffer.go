package resource

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
)

var nextBufferID atomic.Uint64

// Buffer is a device-local allocation owned by exactly one runner.
//
// The byte size is fixed at creation. A different tensor shape needs a new
// Buffer; there is no in-place resize.
type Buffer struct {
	id    uint64
	label string
	size  uint64
	raw   hal.Buffer
}

// NewBuffer wraps a raw HAL buffer. raw may be nil for buffers that only
// exist in tests.
func NewBuffer(label string, size uint64, raw hal.Buffer) *Buffer {
	return &Buffer{
		id:    nextBufferID.Add(1),
		label: label,
		size:  size,
		raw:   raw,
	}
}

// ID returns a process-unique identifier. IDs are never reused, which makes
// them suitable for detecting stale references after a resize.
func (b *Buffer) ID() uint64 {
	if b == nil {
		return 0
	}
	return b.id
}

// Label returns the debug label.
func (b *Buffer) Label() string {
	if b == nil {
		return ""
	}
	return b.label
}

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 {
	if b == nil {
		return 0
	}
	return b.size
}

// Raw returns the underlying HAL buffer.
func (b *Buffer) Raw() hal.Buffer {
	if b == nil {
		return nil
	}
	return b.raw
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	return fmt.Sprintf("Buffer(#%d %q, %d bytes)", b.id, b.label, b.size)
}

// Provisioner creates and frees device-local buffers.
//
// Free must be called on the previous buffer of a logical slot before a
// replacement is created for it.
type Provisioner interface {
	// Create allocates a buffer of exactly size bytes.
	Create(label string, size uint64) (*Buffer, error)

	// Free releases a buffer. Freeing nil is a no-op.
	Free(buf *Buffer)

	// Upload writes data into buf at offset through the shared queue.
	Upload(buf *Buffer, offset uint64, data []byte) error
}
