package nnfx

import (
	"github.com/gogpu/nnfx/internal/engine"
	"github.com/gogpu/nnfx/resource"
	"github.com/gogpu/nnfx/tensor"
)

// Session is one loaded model graph bound to a device and queue.
// Sessions are never shared between runners.
type Session interface {
	// Inputs returns the declared input bindings in declaration order.
	Inputs() []tensor.Binding

	// Outputs returns the declared output bindings.
	Outputs() []tensor.Binding

	// Run executes the graph against the buffers bound in table. It
	// returns once submission bookkeeping completes, except for discovery
	// runs which wait for the execution to finish.
	Run(table *resource.BindingTable) error

	// OutputShape returns the shape learned by the last discovery run.
	OutputShape(name string) (tensor.Shape, bool)

	// Diagnostics describes the most recent Run failure.
	Diagnostics() string

	// Close releases the session.
	Close() error
}

// Engine opens model artifacts into sessions.
type Engine interface {
	Open(modelPath string) (Session, error)
}

// CommandRecorder submits barrier and copy passes on the queue the engine
// executes on, and flushes that queue.
type CommandRecorder interface {
	Submit(p *resource.Pass) error
	Flush() error
}

// wrapEngine adapts the built-in WGSL engine to the Engine interface.
func wrapEngine(e *engine.Engine) Engine {
	return halEngine{e: e}
}

type halEngine struct {
	e *engine.Engine
}

func (h halEngine) Open(modelPath string) (Session, error) {
	s, err := h.e.Open(modelPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}
