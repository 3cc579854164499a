// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nnfx/internal/gpu"
	"github.com/gogpu/nnfx/resource"
	"github.com/gogpu/nnfx/tensor"
)

// Session errors.
var (
	// ErrSessionClosed is returned when running a closed session.
	ErrSessionClosed = errors.New("engine: session closed")

	// ErrUnboundInput is returned when a declared input has no buffer.
	ErrUnboundInput = errors.New("engine: input not bound")

	// ErrUnknownOutput is returned when the table names an undeclared output.
	ErrUnknownOutput = errors.New("engine: unknown output")
)

// Options configures an Engine.
type Options struct {
	// ValidateKernels compiles every kernel with naga before creating
	// pipelines, so WGSL errors surface at load time.
	ValidateKernels bool
}

// Engine loads model graphs onto one device and queue.
type Engine struct {
	device   hal.Device
	queue    hal.Queue
	recorder *gpu.Recorder
	opts     Options
}

// New creates an engine. Every session submits through recorder, which must
// be bound to the same queue as the rest of the pipeline.
func New(device hal.Device, queue hal.Queue, recorder *gpu.Recorder, opts Options) *Engine {
	return &Engine{
		device:   device,
		queue:    queue,
		recorder: recorder,
		opts:     opts,
	}
}

// Open loads the manifest at path.
func (e *Engine) Open(path string) (*Session, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return e.Load(m)
}

// convWeights are the uploaded parameters of one conv1x1 node.
type convWeights struct {
	weights, bias *resource.Buffer
}

// SessionStats reports execution counters.
type SessionStats struct {
	Runs        uint64
	Discoveries uint64
	PlanBuilds  uint64
}

// Session is one loaded graph bound to the engine's device and queue.
//
// The declared bindings are immutable after load. Run is safe for concurrent
// use but executions are serialized.
type Session struct {
	mu sync.Mutex

	engine    *Engine
	graph     *graph
	pipelines map[Op]*pipeline
	weights   map[string]convWeights
	alloc     *gpu.Provisioner

	plan       *plan
	discovered map[string]tensor.Shape
	diag       string

	runs        uint64
	discoveries uint64
	planBuilds  uint64
	closed      bool
}

// Load compiles m and creates its pipelines and weight buffers.
func (e *Engine) Load(m *Manifest) (*Session, error) {
	g, err := m.compile()
	if err != nil {
		return nil, err
	}

	s := &Session{
		engine:     e,
		graph:      g,
		pipelines:  make(map[Op]*pipeline),
		weights:    make(map[string]convWeights),
		alloc:      gpu.NewProvisioner(e.device, e.queue, 0),
		discovered: make(map[string]tensor.Shape),
	}

	for _, n := range g.nodes {
		if _, ok := s.pipelines[n.op]; ok {
			continue
		}
		if e.opts.ValidateKernels {
			if err := validateKernel(n.op); err != nil {
				s.release()
				return nil, err
			}
		}
		p, err := createPipeline(e.device, n.op)
		if err != nil {
			s.release()
			return nil, err
		}
		s.pipelines[n.op] = p
	}

	for _, n := range g.nodes {
		if n.op != OpConv1x1 {
			continue
		}
		w, err := s.upload(n.name+"_weights", n.weights)
		if err != nil {
			s.release()
			return nil, err
		}
		b, err := s.upload(n.name+"_bias", n.bias)
		if err != nil {
			s.alloc.Free(w)
			s.release()
			return nil, err
		}
		s.weights[n.name] = convWeights{weights: w, bias: b}
	}

	slogger().Info("engine: model loaded",
		"model", g.name,
		"inputs", len(g.inputs),
		"nodes", len(g.nodes),
		"kernels", len(s.pipelines))
	return s, nil
}

func (s *Session) upload(label string, values []float32) (*resource.Buffer, error) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	buf, err := s.alloc.Create("nnfx_"+label, uint64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", label, err)
	}
	if err := s.alloc.Upload(buf, 0, data); err != nil {
		s.alloc.Free(buf)
		return nil, fmt.Errorf("upload %s: %w", label, err)
	}
	return buf, nil
}

// Name returns the model name.
func (s *Session) Name() string { return s.graph.name }

// Inputs returns the declared inputs in declaration order.
func (s *Session) Inputs() []tensor.Binding {
	return cloneBindings(s.graph.inputs)
}

// Outputs returns the declared outputs.
func (s *Session) Outputs() []tensor.Binding {
	return cloneBindings(s.graph.outputs)
}

func cloneBindings(in []tensor.Binding) []tensor.Binding {
	out := make([]tensor.Binding, len(in))
	for i, b := range in {
		out[i] = tensor.Binding{Name: b.Name, Type: b.Type, Shape: b.Shape.Clone()}
	}
	return out
}

// Run executes the graph against the buffers bound in table.
//
// Steady runs return once the work is submitted. When the output is in
// discover mode, Run allocates the output internally, waits for the
// execution to complete and records the output shape for OutputShape.
func (s *Session) Run(table *resource.BindingTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if err := s.run(table); err != nil {
		s.diag = s.diagnose(err)
		slogger().Warn("engine: run failed", "model", s.graph.name, "error", err)
		return err
	}
	return nil
}

func (s *Session) run(table *resource.BindingTable) error {
	inputs := make(map[string]tensor.Shape, len(s.graph.inputs))
	for _, b := range s.graph.inputs {
		slot, ok := table.Input(b.Name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnboundInput, b.Name)
		}
		inputs[b.Name] = slot.Shape
	}

	outName, outSlot := table.Output()
	if outName != s.graph.outputs[0].Name {
		return fmt.Errorf("%w: %q", ErrUnknownOutput, outName)
	}

	shapes, err := s.graph.inferShapes(inputs)
	if err != nil {
		return err
	}
	outShape := shapes[outName]
	if !outSlot.Discover && !outSlot.Shape.Equal(outShape) {
		return fmt.Errorf("%w: output %q pinned as %s, graph produces %s",
			ErrShape, outName, outSlot.Shape, outShape)
	}

	key := planKey(table.Generation(), outSlot.Discover, inputs)
	if s.plan == nil || s.plan.key != key {
		if err := s.retirePlan(); err != nil {
			return err
		}
		p, err := s.buildPlan(key, table, shapes)
		if err != nil {
			return err
		}
		s.plan = p
	}

	value, err := s.engine.recorder.Encode("nnfx_"+s.graph.name, s.plan.record)
	if err != nil {
		return err
	}
	s.plan.lastValue = value
	s.runs++

	if outSlot.Discover {
		if err := s.engine.recorder.Wait(value); err != nil {
			return err
		}
		s.discovered[outName] = outShape.Clone()
		s.discoveries++
		slogger().Debug("engine: output discovered", "model", s.graph.name, "output", outName, "shape", outShape.String())
	}
	return nil
}

// retirePlan waits for the current plan's last submission, then destroys it.
func (s *Session) retirePlan() error {
	if s.plan == nil {
		return nil
	}
	if err := s.engine.recorder.Wait(s.plan.lastValue); err != nil {
		return err
	}
	s.destroyPlan(s.plan)
	s.plan = nil
	return nil
}

// OutputShape returns the shape recorded by the last discovery run for name.
func (s *Session) OutputShape(name string) (tensor.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape, ok := s.discovered[name]
	return shape.Clone(), ok
}

// Diagnostics returns a description of the most recent failure, or "".
func (s *Session) Diagnostics() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diag
}

func (s *Session) diagnose(err error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "model %q: %v (submitted=%d pending=%d)",
		s.graph.name, err, s.engine.recorder.Submitted(), s.engine.recorder.Pending())
	if errors.Is(err, gpu.ErrDeviceHung) {
		sb.WriteString("; device lost: fence wait timed out")
	}
	return sb.String()
}

// Stats returns execution counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{Runs: s.runs, Discoveries: s.discoveries, PlanBuilds: s.planBuilds}
}

// Close waits for outstanding work and releases every device object the
// session owns. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.retirePlan()
	if err != nil {
		// A hung device may still reference the plan; it is not destroyed.
		slogger().Error("engine: close without flush", "model", s.graph.name, "error", err)
		return err
	}
	s.release()
	slogger().Info("engine: session closed", "model", s.graph.name, "runs", s.runs)
	return nil
}

func (s *Session) release() {
	for name, w := range s.weights {
		s.alloc.Free(w.weights)
		s.alloc.Free(w.bias)
		delete(s.weights, name)
	}
	for op, p := range s.pipelines {
		p.destroy(s.engine.device)
		delete(s.pipelines, op)
	}
	s.alloc.Close()
}
