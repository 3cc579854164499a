// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nnfx/resource"
)

// Recorder errors.
var (
	// ErrRecorderClosed is returned when submitting to a closed recorder.
	ErrRecorderClosed = errors.New("gpu: recorder closed")

	// ErrDeviceHung is returned when a fence wait times out. The device is
	// assumed to be unrecoverable.
	ErrDeviceHung = errors.New("gpu: fence wait timed out, device is hung")

	// ErrReadbackRange is returned when a readback does not fit the buffer.
	ErrReadbackRange = errors.New("gpu: readback range out of bounds")
)

// DefaultFlushTimeout is the fence wait used when none is configured.
const DefaultFlushTimeout = 5 * time.Second

// recordPass writes p into an open encoder.
func recordPass(encoder hal.CommandEncoder, p *resource.Pass) {
	for _, cmd := range p.Commands {
		if len(cmd.Barriers) > 0 {
			if bb := bufferBarriers(cmd.Barriers); len(bb) > 0 {
				encoder.TransitionBuffers(bb)
			}
		}
		if c := cmd.Copy; c != nil && c.Src.Raw() != nil && c.Dst.Raw() != nil {
			encoder.CopyBufferToBuffer(c.Src.Raw(), c.Dst.Raw(), []hal.BufferCopy{
				{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size},
			})
		}
	}
}

func bufferBarriers(barriers []resource.Barrier) []hal.BufferBarrier {
	out := make([]hal.BufferBarrier, 0, len(barriers))
	for _, b := range barriers {
		raw := b.Buffer.Raw()
		if raw == nil {
			continue
		}
		out = append(out, hal.BufferBarrier{
			Buffer: raw,
			Usage: hal.BufferUsageTransition{
				OldUsage: b.Before.Usage(),
				NewUsage: b.After.Usage(),
			},
		})
	}
	return out
}

type inflight struct {
	cmdBuf hal.CommandBuffer
	value  uint64
}

// Recorder encodes command buffers and submits them to the shared queue.
//
// A single timeline fence tracks every submission: each submit signals the
// next fence value. Completed command buffers are reclaimed with a
// non-blocking fence poll on the next submit, so the frame loop never waits
// on the GPU except in Flush and Wait.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	device  hal.Device
	queue   hal.Queue
	fence   hal.Fence
	timeout time.Duration

	submitted uint64
	completed uint64
	pending   []inflight
	closed    bool
}

// NewRecorder creates a recorder with its own fence. A zero timeout selects
// DefaultFlushTimeout.
func NewRecorder(device hal.Device, queue hal.Queue, timeout time.Duration) (*Recorder, error) {
	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	return &Recorder{
		device:  device,
		queue:   queue,
		fence:   fence,
		timeout: timeout,
	}, nil
}

// Encode records fn into a fresh command buffer and submits it. It returns
// the fence value that signals when the work completes.
func (r *Recorder) Encode(label string, fn func(hal.CommandEncoder) error) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRecorderClosed
	}
	r.reclaimLocked()

	encoder, err := r.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + "_encoder"})
	if err != nil {
		return 0, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return 0, fmt.Errorf("begin encoding: %w", err)
	}
	if err := fn(encoder); err != nil {
		encoder.DiscardEncoding()
		return 0, err
	}
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("end encoding: %w", err)
	}

	value := r.submitted + 1
	if err := r.queue.Submit([]hal.CommandBuffer{cmdBuf}, r.fence, value); err != nil {
		r.device.FreeCommandBuffer(cmdBuf)
		return 0, fmt.Errorf("submit: %w", err)
	}
	r.submitted = value
	r.pending = append(r.pending, inflight{cmdBuf: cmdBuf, value: value})
	return value, nil
}

// Submit records and submits a pass. Empty passes are skipped.
func (r *Recorder) Submit(p *resource.Pass) error {
	if p.Empty() {
		return nil
	}
	_, err := r.Encode(p.Label, func(enc hal.CommandEncoder) error {
		recordPass(enc, p)
		return nil
	})
	return err
}

// Readback copies size bytes of buf starting at offset into a staging
// buffer, waits for the copy and returns the bytes. buf is expected to be in
// a shader-readable state; it is returned to that state after the copy.
func (r *Recorder) Readback(buf *resource.Buffer, offset, size uint64) ([]byte, error) {
	if buf == nil || buf.Raw() == nil {
		return nil, ErrUnknownBuffer
	}
	if size == 0 || offset+size > buf.Size() {
		return nil, fmt.Errorf("%w: %d+%d > %d", ErrReadbackRange, offset, size, buf.Size())
	}
	staging, err := r.device.CreateBuffer(&hal.BufferDescriptor{
		Label: buf.Label() + "_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer r.device.DestroyBuffer(staging)

	value, err := r.Encode("nnfx_readback", func(enc hal.CommandEncoder) error {
		storage := resource.ShaderRead.Usage()
		copySrc := resource.CopySource.Usage()
		enc.TransitionBuffers([]hal.BufferBarrier{{
			Buffer: buf.Raw(),
			Usage:  hal.BufferUsageTransition{OldUsage: storage, NewUsage: copySrc},
		}})
		enc.CopyBufferToBuffer(buf.Raw(), staging, []hal.BufferCopy{
			{SrcOffset: offset, DstOffset: 0, Size: size},
		})
		enc.TransitionBuffers([]hal.BufferBarrier{{
			Buffer: buf.Raw(),
			Usage:  hal.BufferUsageTransition{OldUsage: copySrc, NewUsage: storage},
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.Wait(value); err != nil {
		return nil, err
	}

	data := make([]byte, size)
	if err := r.queue.ReadBuffer(staging, 0, data); err != nil {
		return nil, fmt.Errorf("readback: %w", err)
	}
	return data, nil
}

// Wait blocks until the submission with the given fence value completes.
func (r *Recorder) Wait(value uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitLocked(value)
}

// Flush blocks until every submitted command buffer has completed. A timeout
// returns ErrDeviceHung.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.waitLocked(r.submitted)
}

// Submitted returns the last fence value submitted.
func (r *Recorder) Submitted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}

// Pending returns the number of command buffers not yet reclaimed.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) waitLocked(value uint64) error {
	if value == 0 || value <= r.completed {
		r.reclaimLocked()
		return nil
	}
	ok, err := r.device.Wait(r.fence, value, r.timeout)
	if err != nil {
		return fmt.Errorf("wait for fence %d: %w", value, err)
	}
	if !ok {
		slogger().Error("gpu: fence wait timed out", "value", value, "timeout", r.timeout)
		return fmt.Errorf("%w: value %d after %v", ErrDeviceHung, value, r.timeout)
	}
	r.completed = value
	r.reclaimLocked()
	return nil
}

// reclaimLocked frees command buffers whose fence value has been reached.
func (r *Recorder) reclaimLocked() {
	n := 0
	for _, f := range r.pending {
		if f.value > r.completed {
			ok, err := r.device.Wait(r.fence, f.value, 0)
			if err != nil || !ok {
				break
			}
			r.completed = f.value
		}
		r.device.FreeCommandBuffer(f.cmdBuf)
		n++
	}
	r.pending = append(r.pending[:0], r.pending[n:]...)
}

// Close waits for outstanding work, frees command buffers and destroys the fence.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	err := r.waitLocked(r.submitted)
	if err == nil {
		for _, f := range r.pending {
			r.device.FreeCommandBuffer(f.cmdBuf)
		}
		r.pending = nil
	}
	r.device.DestroyFence(r.fence)
	r.closed = true
	return err
}
