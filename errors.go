package nnfx

import (
	"errors"
	"fmt"

	"github.com/gogpu/nnfx/internal/gpu"
	"github.com/gogpu/nnfx/tensor"
)

// Sentinel errors.
var (
	// ErrNotInitialized is returned when a runner is used before Init.
	ErrNotInitialized = errors.New("nnfx: runner not initialized")

	// ErrInvalidState is returned when an operation is not valid in the
	// runner's current state.
	ErrInvalidState = errors.New("nnfx: invalid runner state")

	// ErrInvalidSize is returned by PrepareIO and ResizeIO for a zero-area
	// size or one that aligns down to zero. Nothing is allocated.
	ErrInvalidSize = errors.New("nnfx: invalid IO size")

	// ErrStyleSizeRequired is returned when a style topology is prepared
	// without an explicit style size.
	ErrStyleSizeRequired = errors.New("nnfx: style size required for this topology")

	// ErrTopologyActive is returned by Manager.Init while a runner is active.
	ErrTopologyActive = errors.New("nnfx: a topology is already active, call Shutdown first")

	// ErrUnknownTopology is returned for an unrecognized topology tag.
	ErrUnknownTopology = errors.New("nnfx: unknown topology")

	// ErrContextClosed is returned when using a closed Context.
	ErrContextClosed = errors.New("nnfx: context closed")

	// ErrDeviceHung is returned when a queue flush times out. The device is
	// assumed to be unrecoverable and the error is fatal.
	ErrDeviceHung = gpu.ErrDeviceHung
)

// ModelLoadError reports that a session could not be created from a model
// artifact, or that the model's declared bindings do not fit the topology.
// It is fatal.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("nnfx: load model %q: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// ShapeMismatchError reports that a tensor's declared and computed sizes
// disagree at Run time. The frame is skipped; no buffer is modified.
type ShapeMismatchError struct {
	Tensor    string
	Want, Got tensor.Shape
	WantBytes uint64
	GotBytes  uint64
	Err       error
}

func (e *ShapeMismatchError) Error() string {
	msg := fmt.Sprintf("nnfx: shape mismatch for %q", e.Tensor)
	if e.Want != nil || e.Got != nil {
		msg += fmt.Sprintf(": want %s, got %s", e.Want, e.Got)
	}
	if e.WantBytes != e.GotBytes {
		msg += fmt.Sprintf(" (%d bytes, buffer holds %d)", e.WantBytes, e.GotBytes)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ShapeMismatchError) Unwrap() error { return e.Err }

// EngineExecutionError reports a failure inside the inference engine during
// Run. Diagnostics carries the engine's description of the failure,
// including device-loss context when the engine could retrieve it.
type EngineExecutionError struct {
	Model       string
	Diagnostics string
	Err         error
}

func (e *EngineExecutionError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("nnfx: engine execution failed: %s", e.Diagnostics)
	}
	return fmt.Sprintf("nnfx: engine execution failed for %q: %v", e.Model, e.Err)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }

// AllocationError reports a failed GPU buffer allocation. It is fatal.
type AllocationError struct {
	Label string
	Bytes uint64
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("nnfx: allocate %q (%d bytes): %v", e.Label, e.Bytes, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort initialization or the frame loop:
// model load failures, allocation failures and a hung device.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceHung) {
		return true
	}
	var loadErr *ModelLoadError
	var allocErr *AllocationError
	return errors.As(err, &loadErr) || errors.As(err, &allocErr)
}

// IsRecoverable reports whether err only affects the current frame. The
// caller skips presenting a transformed frame and may retry on the next.
func IsRecoverable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var shapeErr *ShapeMismatchError
	var execErr *EngineExecutionError
	return errors.As(err, &shapeErr) || errors.As(err, &execErr)
}
