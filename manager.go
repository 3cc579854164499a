package nnfx

import (
	"fmt"
	"sync"

	"github.com/gogpu/nnfx/resource"
	"github.com/gogpu/nnfx/tensor"
)

// Manager owns the single active runner and gives the rendering layer one
// interface regardless of the active topology.
//
// The manager holds no buffer references of its own; accessors return the
// active runner's buffers, which are valid until the next ResizeIO or
// Shutdown. Manager is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	deps   Deps
	active Runner
}

// NewManager creates a manager with no active runner.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps}
}

// Init creates and initializes the runner for topology t. Switching
// topology requires Shutdown first.
func (m *Manager) Init(t Topology, modelPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return fmt.Errorf("%w: %s", ErrTopologyActive, m.active.Topology())
	}
	r, err := NewRunner(t, m.deps)
	if err != nil {
		return err
	}
	if err := r.Init(modelPath); err != nil {
		slogger().Error("nnfx: init failed", "topology", t.String(), "model", modelPath, "error", err)
		return err
	}
	m.active = r
	return nil
}

// PrepareIO forwards to the active runner.
func (m *Manager) PrepareIO(size IOSize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNotInitialized
	}
	return m.active.PrepareIO(size)
}

// ResizeIO forwards to the active runner.
func (m *Manager) ResizeIO(size IOSize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNotInitialized
	}
	return m.active.ResizeIO(size)
}

// Run executes one frame on the active runner.
func (m *Manager) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNotInitialized
	}
	return m.active.Run()
}

// Shutdown shuts the active runner down and forgets it. Shutdown without
// an active runner is a no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	err := m.active.Shutdown()
	m.active = nil
	return err
}

// IsInitialized reports whether a runner is active.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Topology returns the active topology.
func (m *Manager) Topology() (Topology, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, false
	}
	return m.active.Topology(), true
}

// State returns the active runner's state, or StateUninitialized.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return StateUninitialized
	}
	return m.active.State()
}

// Discoveries returns the active runner's discovery count.
func (m *Manager) Discoveries() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0
	}
	return m.active.Discoveries()
}

// InputBufferContent returns the content input buffer the preprocessing
// pass writes into.
func (m *Manager) InputBufferContent() *resource.Buffer {
	return m.inputBuffer(RoleContent)
}

// InputBufferStyle returns the style input buffer, or nil for topologies
// without a style input.
func (m *Manager) InputBufferStyle() *resource.Buffer {
	return m.inputBuffer(RoleStyle)
}

func (m *Manager) inputBuffer(role Role) *resource.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.InputBuffer(role)
}

// InputShapeContent returns the resolved content shape (NCHW).
func (m *Manager) InputShapeContent() tensor.Shape {
	return m.inputShape(RoleContent)
}

// InputShapeStyle returns the resolved style shape (NCHW).
func (m *Manager) InputShapeStyle() tensor.Shape {
	return m.inputShape(RoleStyle)
}

func (m *Manager) inputShape(role Role) tensor.Shape {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.InputShape(role)
}

// OutputBuffer returns the pinned output buffer, or nil before the first
// Run after PrepareIO or ResizeIO.
func (m *Manager) OutputBuffer() *resource.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.OutputBuffer()
}

// OutputShape returns the discovered output shape (NCHW).
func (m *Manager) OutputShape() tensor.Shape {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.OutputShape()
}
