// Package resource holds GPU buffer handles, their resource-state bookkeeping
// and the binding table that associates named tensors with buffers.
//
// Resource state is owned by whoever owns the buffers. There is no package
// level state: every [Tracker] is an independent value, so two runners (or two
// frames in flight) never observe each other's transitions.
package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// State is the synchronization-relevant access mode of a buffer.
type State int

const (
	// Undefined is the state of a buffer that has never been used.
	Undefined State = iota
	// ComputeWrite means a compute pass (preprocessing) may write the buffer.
	ComputeWrite
	// InferenceRead means the inference graph reads the buffer.
	InferenceRead
	// InferenceWrite means the inference graph writes the buffer.
	InferenceWrite
	// CopySource means the buffer is the source of a buffer copy.
	CopySource
	// CopyDest means the buffer is the destination of a buffer copy.
	CopyDest
	// ShaderRead means a graphics or compute shader reads the buffer.
	ShaderRead
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Undefined:
		return "Undefined"
	case ComputeWrite:
		return "ComputeWrite"
	case InferenceRead:
		return "InferenceRead"
	case InferenceWrite:
		return "InferenceWrite"
	case CopySource:
		return "CopySource"
	case CopyDest:
		return "CopyDest"
	case ShaderRead:
		return "ShaderRead"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Usage maps the state to the buffer usage the HAL expects in a barrier.
func (s State) Usage() gputypes.BufferUsage {
	switch s {
	case ComputeWrite, InferenceRead, InferenceWrite, ShaderRead:
		return gputypes.BufferUsageStorage
	case CopySource:
		return gputypes.BufferUsageCopySrc
	case CopyDest:
		return gputypes.BufferUsageCopyDst
	default:
		return 0
	}
}

// Writable reports whether the state permits writes.
func (s State) Writable() bool {
	switch s {
	case ComputeWrite, InferenceWrite, CopyDest:
		return true
	default:
		return false
	}
}
