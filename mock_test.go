package nnfx

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gogpu/nnfx/internal/engine"
	"github.com/gogpu/nnfx/resource"
	"github.com/gogpu/nnfx/tensor"
)

var errMockEngine = errors.New("mock engine: execution failed")

// modelDecl describes a mock model: its declared inputs and the channel
// count of its output. The output takes the batch and spatial size of the
// first input unless scale is set.
type modelDecl struct {
	inputs   []tensor.Binding
	outputCh int64
	outScale int64 // output spatial dims are divided by this, when > 1
}

func wild(c int64) tensor.Shape {
	return tensor.NewShape(1, c, tensor.Wildcard, tensor.Wildcard)
}

func declared(name string, c int64) tensor.Binding {
	return tensor.Binding{Name: name, Type: tensor.Float32, Shape: wild(c)}
}

var mockModels = map[string]modelDecl{
	"single.yaml":         {inputs: []tensor.Binding{declared("content", 3)}, outputCh: 3},
	"content_style.yaml":  {inputs: []tensor.Binding{declared("content", 3), declared("style", 3)}, outputCh: 3},
	"temporal.yaml":       {inputs: []tensor.Binding{declared("frames", 6)}, outputCh: 3},
	"temporal_flow.yaml":  {inputs: []tensor.Binding{declared("frames", 6)}, outputCh: 6},
	"style_temporal.yaml": {inputs: []tensor.Binding{declared("frames", 6), declared("style", 3)}, outputCh: 6},
	"shrinking.yaml":      {inputs: []tensor.Binding{declared("frames", 6)}, outputCh: 3, outScale: 2},
	"wrong_channels.yaml": {inputs: []tensor.Binding{declared("content", 4)}, outputCh: 3},
	"two_inputs.yaml":     {inputs: []tensor.Binding{declared("a", 3), declared("b", 3)}, outputCh: 3},
}

var topologyModels = map[Topology]string{
	TopologySingle:        "single.yaml",
	TopologyContentStyle:  "content_style.yaml",
	TopologyTemporal:      "temporal.yaml",
	TopologyTemporalFlow:  "temporal_flow.yaml",
	TopologyStyleTemporal: "style_temporal.yaml",
}

// mockSession computes output shapes from bound input shapes and records
// every buffer it was asked to read or write.
type mockSession struct {
	path     string
	decl     modelDecl
	runErr   error
	diag     string
	closed   int
	shapes   map[string]tensor.Shape
	runs     int
	discover int

	// Buffers referenced by the most recent run.
	lastInputs map[string]*resource.Buffer
	lastOutput *resource.Buffer
	seen       map[uint64]bool
}

func (s *mockSession) Inputs() []tensor.Binding {
	out := make([]tensor.Binding, len(s.decl.inputs))
	for i, b := range s.decl.inputs {
		out[i] = tensor.Binding{Name: b.Name, Type: b.Type, Shape: b.Shape.Clone()}
	}
	return out
}

func (s *mockSession) Outputs() []tensor.Binding {
	return []tensor.Binding{{Name: "output", Type: tensor.Float32, Shape: wild(s.decl.outputCh)}}
}

func (s *mockSession) Run(table *resource.BindingTable) error {
	if s.closed > 0 {
		return engine.ErrSessionClosed
	}
	if s.runErr != nil {
		s.diag = fmt.Sprintf("model %q: %v", s.path, s.runErr)
		return s.runErr
	}
	s.lastInputs = make(map[string]*resource.Buffer)
	for _, b := range s.decl.inputs {
		slot, ok := table.Input(b.Name)
		if !ok {
			return fmt.Errorf("%w: %q", engine.ErrUnboundInput, b.Name)
		}
		s.lastInputs[b.Name] = slot.Buffer
		s.seen[slot.Buffer.ID()] = true
	}
	first, _ := table.Input(s.decl.inputs[0].Name)
	scale := max(s.decl.outScale, 1)
	want := tensor.NewShape(first.Shape.Batch(), s.decl.outputCh,
		first.Shape.Height()/scale, first.Shape.Width()/scale)

	name, out := table.Output()
	if name != "output" {
		return fmt.Errorf("%w: %q", engine.ErrUnknownOutput, name)
	}
	s.runs++
	if out.Discover {
		s.discover++
		s.shapes[name] = want
		s.lastOutput = nil
		return nil
	}
	if !out.Shape.Equal(want) {
		return fmt.Errorf("%w: pinned %s, graph produces %s", engine.ErrShape, out.Shape, want)
	}
	s.lastOutput = out.Buffer
	s.seen[out.Buffer.ID()] = true
	return nil
}

func (s *mockSession) OutputShape(name string) (tensor.Shape, bool) {
	shape, ok := s.shapes[name]
	return shape.Clone(), ok
}

func (s *mockSession) Diagnostics() string { return s.diag }

func (s *mockSession) Close() error {
	s.closed++
	return nil
}

type mockEngine struct {
	openErr  error
	sessions []*mockSession
}

func (e *mockEngine) Open(path string) (Session, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	decl, ok := mockModels[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such model", path)
	}
	s := &mockSession{
		path:   path,
		decl:   decl,
		shapes: make(map[string]tensor.Shape),
		seen:   make(map[uint64]bool),
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *mockEngine) last() *mockSession {
	return e.sessions[len(e.sessions)-1]
}

type upload struct {
	buf    *resource.Buffer
	offset uint64
	data   []byte
}

type mockProvisioner struct {
	live        map[uint64]*resource.Buffer
	allocations int
	frees       int
	failOn      int // fail the n-th Create (1-based), 0 never
	uploads     []upload
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{live: make(map[uint64]*resource.Buffer)}
}

func (p *mockProvisioner) Create(label string, size uint64) (*resource.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("create %q: zero size", label)
	}
	if p.failOn > 0 && p.allocations+1 == p.failOn {
		p.failOn = 0
		return nil, errors.New("out of device memory")
	}
	buf := resource.NewBuffer(label, size, nil)
	p.live[buf.ID()] = buf
	p.allocations++
	return buf, nil
}

func (p *mockProvisioner) Free(buf *resource.Buffer) {
	if buf == nil {
		return
	}
	if _, ok := p.live[buf.ID()]; ok {
		delete(p.live, buf.ID())
		p.frees++
	}
}

func (p *mockProvisioner) Upload(buf *resource.Buffer, offset uint64, data []byte) error {
	if _, ok := p.live[buf.ID()]; !ok {
		return fmt.Errorf("upload to unknown %s", buf)
	}
	if offset+uint64(len(data)) > buf.Size() {
		return fmt.Errorf("upload out of range")
	}
	p.uploads = append(p.uploads, upload{buf: buf, offset: offset, data: data})
	return nil
}

type mockRecorder struct {
	passes   []*resource.Pass
	flushes  int
	flushErr error
}

func (r *mockRecorder) Submit(p *resource.Pass) error {
	if p.Empty() {
		return nil
	}
	r.passes = append(r.passes, p)
	return nil
}

func (r *mockRecorder) Flush() error {
	r.flushes++
	return r.flushErr
}

// passesNamed returns submitted passes whose label contains s.
func (r *mockRecorder) passesNamed(s string) []*resource.Pass {
	var out []*resource.Pass
	for _, p := range r.passes {
		if strings.Contains(p.Label, s) {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	engine *mockEngine
	prov   *mockProvisioner
	rec    *mockRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		engine: &mockEngine{},
		prov:   newMockProvisioner(),
		rec:    &mockRecorder{},
	}
}

func (f *fixture) deps() Deps {
	return Deps{Engine: f.engine, Provisioner: f.prov, Recorder: f.rec}
}

func (f *fixture) runner(t *testing.T, topo Topology) Runner {
	t.Helper()
	r, err := NewRunner(topo, f.deps())
	if err != nil {
		t.Fatalf("NewRunner(%s) = %v", topo, err)
	}
	return r
}

// ready returns a runner of topo that has been initialized with its model.
func (f *fixture) ready(t *testing.T, topo Topology) Runner {
	t.Helper()
	r := f.runner(t, topo)
	if err := r.Init(topologyModels[topo]); err != nil {
		t.Fatalf("Init(%s) = %v", topo, err)
	}
	return r
}

func styleSize(w, h, sw, sh int) IOSize {
	return IOSize{Width: w, Height: h, StyleWidth: sw, StyleHeight: sh}
}
