package nnfx

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/nnfx/internal/engine"
	"github.com/gogpu/nnfx/resource"
	"github.com/gogpu/nnfx/tensor"
)

// State is the lifecycle state of a Runner.
type State int

const (
	// StateUninitialized has no session. Init moves to StateSessionReady.
	StateUninitialized State = iota

	// StateSessionReady has a session but no buffers.
	StateSessionReady

	// StateInputsBound has input buffers; the output is in discover mode.
	StateInputsBound

	// StateOutputDiscovering is entered by the first Run after PrepareIO
	// or ResizeIO, until the output buffer is allocated and pinned.
	StateOutputDiscovering

	// StateSteady has a pinned output. Run performs no discovery work.
	StateSteady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateSessionReady:
		return "SessionReady"
	case StateInputsBound:
		return "InputsBound"
	case StateOutputDiscovering:
		return "OutputDiscovering"
	case StateSteady:
		return "SteadyState"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// bound reports whether the state owns input buffers.
func (s State) bound() bool { return s >= StateInputsBound }

// IOSize is the target resolution of a prepare or resize. StyleWidth and
// StyleHeight are required by topologies with a style input.
type IOSize struct {
	Width, Height           int
	StyleWidth, StyleHeight int
}

// Deps are the collaborators a runner needs. Engine, Provisioner and
// Recorder are required; Recorder must submit on the queue the engine
// executes on.
type Deps struct {
	Engine      Engine
	Provisioner resource.Provisioner
	Recorder    CommandRecorder
	Metrics     *Metrics

	// InputNames overrides the model tensor bound to a role. Without an
	// override a role binds the input named after it, or else the next
	// declared input in declaration order.
	InputNames map[Role]string
}

// Runner drives one model session through the prepare, discover and run
// cycle for a single topology.
//
// A Runner is not safe for concurrent use; Manager serializes access.
type Runner interface {
	Topology() Topology
	State() State

	// Init loads the model and maps its declared inputs to the
	// topology's roles. It fails with *ModelLoadError.
	Init(modelPath string) error

	// PrepareIO allocates and binds the input buffers for size and leaves
	// the output in discover mode.
	PrepareIO(size IOSize) error

	// Run executes one frame. The first Run after PrepareIO or ResizeIO
	// discovers the output shape, allocates and pins the output, then
	// executes on the pinned output.
	Run() error

	// ResizeIO flushes the queue, releases every owned buffer and
	// prepares for the new size.
	ResizeIO(size IOSize) error

	// AllocateOutputForShape allocates the output buffer for shape and
	// pins it, replacing any previous output.
	AllocateOutputForShape(shape tensor.Shape) error

	// Shutdown releases the session and every buffer. It is idempotent.
	Shutdown() error

	InputBuffer(role Role) *resource.Buffer
	InputShape(role Role) tensor.Shape
	OutputBuffer() *resource.Buffer
	OutputShape() tensor.Shape

	// Discoveries counts discovery runs since creation.
	Discoveries() uint64
}

// input is one bound input slot.
type input struct {
	spec     slotSpec
	name     string
	template tensor.Shape
	buf      *resource.Buffer
	shape    tensor.Shape
}

// ioPlan is the resolved shape and byte size of one input.
type ioPlan struct {
	shape tensor.Shape
	bytes uint64
}

type runner struct {
	v    variant
	deps Deps

	state     State
	modelPath string
	session   Session

	inputs      []input
	outputName  string
	output      *resource.Buffer
	outputShape tensor.Shape

	table   *resource.BindingTable
	tracker *resource.Tracker

	size        IOSize
	discoveries uint64
}

// NewRunner creates an uninitialized runner for topology t.
func NewRunner(t Topology, deps Deps) (Runner, error) {
	v, err := newVariant(t)
	if err != nil {
		return nil, err
	}
	if deps.Engine == nil || deps.Provisioner == nil || deps.Recorder == nil {
		return nil, errors.New("nnfx: runner needs an engine, a provisioner and a recorder")
	}
	return &runner{
		v:       v,
		deps:    deps,
		table:   resource.NewBindingTable(),
		tracker: resource.NewTracker(),
	}, nil
}

func (r *runner) Topology() Topology  { return r.v.topology() }
func (r *runner) State() State        { return r.state }
func (r *runner) Discoveries() uint64 { return r.discoveries }

func (r *runner) Init(modelPath string) error {
	if r.state != StateUninitialized {
		return fmt.Errorf("%w: Init in state %s", ErrInvalidState, r.state)
	}
	session, err := r.deps.Engine.Open(modelPath)
	if err != nil {
		return &ModelLoadError{Path: modelPath, Err: err}
	}
	inputs, outputName, err := r.mapInputs(session)
	if err != nil {
		_ = session.Close()
		return &ModelLoadError{Path: modelPath, Err: err}
	}

	r.session = session
	r.modelPath = modelPath
	r.inputs = inputs
	r.outputName = outputName
	r.state = StateSessionReady

	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.name
	}
	slogger().Info("nnfx: runner initialized",
		"topology", r.v.topology().String(), "model", modelPath, "inputs", names, "output", outputName)
	return nil
}

// mapInputs assigns a declared model input to each slot of the variant.
func (r *runner) mapInputs(session Session) ([]input, string, error) {
	slots := r.v.slots()
	declared := session.Inputs()
	if len(declared) != len(slots) {
		return nil, "", fmt.Errorf("model declares %d inputs, topology %s binds %d",
			len(declared), r.v.topology(), len(slots))
	}
	outputs := session.Outputs()
	if len(outputs) != 1 {
		return nil, "", fmt.Errorf("model declares %d outputs, want 1", len(outputs))
	}

	used := make([]bool, len(declared))
	find := func(name string) int {
		for i, b := range declared {
			if !used[i] && b.Name == name {
				return i
			}
		}
		return -1
	}

	assigned := make([]int, len(slots))
	for k, spec := range slots {
		name, override := r.deps.InputNames[spec.role]
		if !override || name == "" {
			name = spec.role.String()
			override = false
		}
		i := find(name)
		if i < 0 && override {
			return nil, "", fmt.Errorf("input %q for role %s is not declared", name, spec.role)
		}
		assigned[k] = i
		if i >= 0 {
			used[i] = true
		}
	}
	for k := range assigned {
		if assigned[k] >= 0 {
			continue
		}
		for i := range declared {
			if !used[i] {
				assigned[k] = i
				used[i] = true
				break
			}
		}
	}

	inputs := make([]input, len(slots))
	for k, spec := range slots {
		b := declared[assigned[k]]
		if b.Type != tensor.Float32 {
			return nil, "", fmt.Errorf("input %q has type %s, want float32", b.Name, b.Type)
		}
		if err := tensor.ValidateTemplate(b.Shape); err != nil {
			return nil, "", fmt.Errorf("input %q: %w", b.Name, err)
		}
		if c := b.Shape.Channels(); c != tensor.Wildcard && c != spec.channels {
			return nil, "", fmt.Errorf("input %q declares %d channels, role %s needs %d",
				b.Name, c, spec.role, spec.channels)
		}
		inputs[k] = input{spec: spec, name: b.Name, template: b.Shape.Clone()}
	}
	return inputs, outputs[0].Name, nil
}

func (r *runner) PrepareIO(size IOSize) error {
	switch {
	case r.state == StateUninitialized:
		return ErrNotInitialized
	case r.state != StateSessionReady:
		return fmt.Errorf("%w: PrepareIO in state %s, use ResizeIO", ErrInvalidState, r.state)
	}
	return r.prepare(size)
}

// planIO resolves every input shape for size without allocating.
func (r *runner) planIO(size IOSize) ([]ioPlan, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, size.Width, size.Height)
	}
	align := r.v.alignment()
	w := tensor.AlignDown(size.Width, align)
	h := tensor.AlignDown(size.Height, align)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: %dx%d is below the %d-pixel alignment",
			ErrInvalidSize, size.Width, size.Height, align)
	}

	plans := make([]ioPlan, len(r.inputs))
	for i, in := range r.inputs {
		dw, dh := w, h
		if in.spec.explicit {
			if size.StyleWidth <= 0 || size.StyleHeight <= 0 {
				return nil, fmt.Errorf("%w: %s", ErrStyleSizeRequired, r.v.topology())
			}
			dw = tensor.AlignDown(size.StyleWidth, align)
			dh = tensor.AlignDown(size.StyleHeight, align)
			if dw == 0 || dh == 0 {
				return nil, fmt.Errorf("%w: style %dx%d is below the %d-pixel alignment",
					ErrInvalidSize, size.StyleWidth, size.StyleHeight, align)
			}
		}
		shape, err := tensor.Resolve(in.template, tensor.Dims{
			Channels: in.spec.channels,
			Height:   int64(dh),
			Width:    int64(dw),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: input %q: %w", ErrInvalidSize, in.name, err)
		}
		bytes, err := shape.ByteSize(tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("%w: input %q: %w", ErrInvalidSize, in.name, err)
		}
		plans[i] = ioPlan{shape: shape, bytes: bytes}
	}
	return plans, nil
}

// prepare allocates and binds the inputs. On failure every buffer allocated
// so far is released and the runner stays in StateSessionReady.
func (r *runner) prepare(size IOSize) error {
	plans, err := r.planIO(size)
	if err != nil {
		return err
	}

	for i := range r.inputs {
		in := &r.inputs[i]
		label := r.v.topology().String() + "/" + in.name
		buf, err := r.deps.Provisioner.Create(label, plans[i].bytes)
		if err != nil {
			r.releaseIO()
			return &AllocationError{Label: label, Bytes: plans[i].bytes, Err: err}
		}
		in.buf = buf
		in.shape = plans[i].shape
		r.tracker.Track(buf, resource.ComputeWrite)
		if err := r.table.BindInput(in.name, buf, in.shape); err != nil {
			r.releaseIO()
			return err
		}
	}
	if err := r.seedHistory(); err != nil {
		r.releaseIO()
		return err
	}
	r.table.BindOutputDiscover(r.outputName)

	r.size = size
	r.state = StateInputsBound
	r.reportBuffers()

	slogger().Debug("nnfx: inputs bound",
		"topology", r.v.topology().String(), "size", fmt.Sprintf("%dx%d", size.Width, size.Height))
	return nil
}

// seedHistory zeroes the history channels of the content input.
func (r *runner) seedHistory() error {
	hc := r.v.historyChannels()
	if hc == 0 {
		return nil
	}
	content := r.contentInput()
	plane := uint64(content.shape.PlaneSize()) * 4
	zeros := make([]byte, uint64(hc)*plane)
	for b := int64(0); b < content.shape.Batch(); b++ {
		offset := uint64(b*content.shape.Channels()+colorChannels) * plane
		if err := r.deps.Provisioner.Upload(content.buf, offset, zeros); err != nil {
			return fmt.Errorf("nnfx: seed history: %w", err)
		}
	}
	return nil
}

// releaseIO frees every owned buffer and clears the binding table.
func (r *runner) releaseIO() {
	for i := range r.inputs {
		in := &r.inputs[i]
		if in.buf != nil {
			r.tracker.Forget(in.buf)
			r.deps.Provisioner.Free(in.buf)
		}
		in.buf = nil
		in.shape = nil
	}
	if r.output != nil {
		r.tracker.Forget(r.output)
		r.deps.Provisioner.Free(r.output)
	}
	r.output = nil
	r.outputShape = nil
	r.table.Clear()
	r.reportBuffers()
}

func (r *runner) Run() error {
	start := time.Now()
	err := r.run()
	r.deps.Metrics.observeRun(r.v.topology(), runResult(err), time.Since(start))
	switch {
	case err == nil:
	case IsRecoverable(err):
		slogger().Warn("nnfx: frame skipped", "topology", r.v.topology().String(), "error", err)
	default:
		slogger().Error("nnfx: run failed", "topology", r.v.topology().String(), "error", err)
	}
	return err
}

func runResult(err error) string {
	var shapeErr *ShapeMismatchError
	var execErr *EngineExecutionError
	switch {
	case err == nil:
		return resultOK
	case IsFatal(err):
		return resultFatal
	case errors.As(err, &shapeErr):
		return resultShapeMismatch
	case errors.As(err, &execErr):
		return resultEngineError
	default:
		return resultError
	}
}

func (r *runner) run() error {
	switch r.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateSessionReady:
		return fmt.Errorf("%w: Run before PrepareIO", ErrInvalidState)
	case StateInputsBound, StateOutputDiscovering:
		if err := r.discover(); err != nil {
			return err
		}
	}
	return r.execute()
}

// discover runs the graph once with the output in discover mode, then
// allocates and pins an output buffer of the discovered shape.
func (r *runner) discover() error {
	r.state = StateOutputDiscovering
	r.table.BindOutputDiscover(r.outputName)

	if err := r.submitPre(); err != nil {
		r.state = StateInputsBound
		return err
	}
	if err := r.session.Run(r.table); err != nil {
		r.state = StateInputsBound
		_ = r.handBack(false)
		return r.engineError(err)
	}
	r.discoveries++
	r.deps.Metrics.observeDiscovery(r.v.topology())

	shape, ok := r.session.OutputShape(r.outputName)
	if !ok {
		r.state = StateInputsBound
		_ = r.handBack(false)
		return &EngineExecutionError{
			Model:       r.modelPath,
			Diagnostics: fmt.Sprintf("discovery run did not report a shape for %q", r.outputName),
		}
	}
	if err := r.AllocateOutputForShape(shape); err != nil {
		r.state = StateInputsBound
		_ = r.handBack(false)
		return err
	}
	r.state = StateSteady

	slogger().Info("nnfx: output discovered",
		"topology", r.v.topology().String(), "output", r.outputName, "shape", shape.String())
	return nil
}

// execute runs the graph on the pinned output.
func (r *runner) execute() error {
	for _, in := range r.inputs {
		if err := checkBytes(in.name, in.buf, in.shape); err != nil {
			return err
		}
	}
	if err := checkBytes(r.outputName, r.output, r.outputShape); err != nil {
		return err
	}

	if err := r.submitPre(); err != nil {
		return err
	}
	if err := r.session.Run(r.table); err != nil {
		_ = r.handBack(false)
		return r.engineError(err)
	}
	return r.handBack(true)
}

func checkBytes(name string, buf *resource.Buffer, shape tensor.Shape) error {
	want, err := shape.ByteSize(tensor.Float32)
	if err != nil {
		return &ShapeMismatchError{Tensor: name, Want: shape, Err: err}
	}
	if got := buf.Size(); got != want {
		return &ShapeMismatchError{Tensor: name, Want: shape, WantBytes: want, GotBytes: got}
	}
	return nil
}

// submitPre makes the inputs readable and the output writable by inference.
func (r *runner) submitPre() error {
	barriers, err := r.tracker.TransitionAll(resource.InferenceRead, r.inputBuffers()...)
	if err != nil {
		return err
	}
	if r.output != nil {
		b, needed, err := r.tracker.Transition(r.output, resource.InferenceWrite)
		if err != nil {
			return err
		}
		if needed {
			barriers = append(barriers, b)
		}
	}
	pass := resource.NewPass("nnfx_pre_inference").Barrier(barriers...)
	if err := r.deps.Recorder.Submit(pass); err != nil {
		return fmt.Errorf("nnfx: submit pre-inference barriers: %w", err)
	}
	return nil
}

// handBack returns the inputs to the preprocessing pass and the output to
// the rendering layer. With history set, temporal variants first copy the
// output color planes into the history channels of the content input.
func (r *runner) handBack(history bool) error {
	pass := resource.NewPass("nnfx_post_inference")
	if history {
		if err := r.recordHistory(pass); err != nil {
			return err
		}
	}

	barriers, err := r.tracker.TransitionAll(resource.ComputeWrite, r.inputBuffers()...)
	if err != nil {
		return err
	}
	if r.output != nil {
		b, needed, err := r.tracker.Transition(r.output, resource.ShaderRead)
		if err != nil {
			return err
		}
		if needed {
			barriers = append(barriers, b)
		}
	}
	pass.Barrier(barriers...)
	if err := r.deps.Recorder.Submit(pass); err != nil {
		return fmt.Errorf("nnfx: submit post-inference pass: %w", err)
	}
	return nil
}

// recordHistory appends the history feedback copies to pass.
func (r *runner) recordHistory(pass *resource.Pass) error {
	hc := r.v.historyChannels()
	if hc == 0 || r.output == nil {
		return nil
	}
	content := r.contentInput()
	outB, outNeeded, err := r.tracker.Transition(r.output, resource.CopySource)
	if err != nil {
		return err
	}
	inB, inNeeded, err := r.tracker.Transition(content.buf, resource.CopyDest)
	if err != nil {
		return err
	}
	var barriers []resource.Barrier
	if outNeeded {
		barriers = append(barriers, outB)
	}
	if inNeeded {
		barriers = append(barriers, inB)
	}
	pass.Barrier(barriers...)

	plane := uint64(r.outputShape.PlaneSize()) * 4
	outC := r.outputShape.Channels()
	inC := content.shape.Channels()
	for b := int64(0); b < r.outputShape.Batch(); b++ {
		pass.CopyBuffer(resource.Copy{
			Src:       r.output,
			Dst:       content.buf,
			SrcOffset: uint64(b*outC) * plane,
			DstOffset: uint64(b*inC+colorChannels) * plane,
			Size:      uint64(hc) * plane,
		})
	}
	return nil
}

func (r *runner) engineError(err error) error {
	if errors.Is(err, engine.ErrShape) {
		return &ShapeMismatchError{Tensor: r.outputName, Want: r.outputShape, Err: err}
	}
	return &EngineExecutionError{
		Model:       r.modelPath,
		Diagnostics: r.session.Diagnostics(),
		Err:         err,
	}
}

func (r *runner) AllocateOutputForShape(shape tensor.Shape) error {
	if r.state != StateOutputDiscovering && r.state != StateSteady {
		return fmt.Errorf("%w: AllocateOutputForShape in state %s", ErrInvalidState, r.state)
	}
	if !shape.IsConcrete() {
		return &ShapeMismatchError{Tensor: r.outputName, Got: shape, Err: tensor.ErrNotConcrete}
	}
	if err := r.v.checkOutput(shape, r.contentInput().shape); err != nil {
		return &ShapeMismatchError{Tensor: r.outputName, Got: shape, Err: err}
	}
	bytes, err := shape.ByteSize(tensor.Float32)
	if err != nil {
		return &ShapeMismatchError{Tensor: r.outputName, Got: shape, Err: err}
	}

	if r.output != nil {
		if err := r.deps.Recorder.Flush(); err != nil {
			return err
		}
		r.tracker.Forget(r.output)
		r.deps.Provisioner.Free(r.output)
		r.output = nil
		r.outputShape = nil
	}

	label := r.v.topology().String() + "/" + r.outputName
	buf, err := r.deps.Provisioner.Create(label, bytes)
	if err != nil {
		return &AllocationError{Label: label, Bytes: bytes, Err: err}
	}
	if err := r.table.BindOutput(r.outputName, buf, shape); err != nil {
		r.deps.Provisioner.Free(buf)
		return err
	}
	r.tracker.Track(buf, resource.Undefined)
	r.output = buf
	r.outputShape = shape.Clone()
	r.reportBuffers()
	return nil
}

func (r *runner) ResizeIO(size IOSize) error {
	if r.state == StateUninitialized {
		return ErrNotInitialized
	}
	if _, err := r.planIO(size); err != nil {
		return err
	}
	if r.state.bound() {
		if err := r.deps.Recorder.Flush(); err != nil {
			return err
		}
		r.releaseIO()
		r.state = StateSessionReady
	}
	r.deps.Metrics.observeResize(r.v.topology())
	return r.prepare(size)
}

func (r *runner) Shutdown() error {
	if r.state == StateUninitialized && r.session == nil {
		return nil
	}
	var errs []error
	if r.state.bound() {
		if err := r.deps.Recorder.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	r.releaseIO()
	r.tracker.Reset()
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, err)
		}
		r.session = nil
	}
	r.inputs = nil
	r.state = StateUninitialized

	slogger().Info("nnfx: runner shut down",
		"topology", r.v.topology().String(), "discoveries", r.discoveries)
	return errors.Join(errs...)
}

func (r *runner) contentInput() *input {
	for i := range r.inputs {
		if r.inputs[i].spec.role == RoleContent {
			return &r.inputs[i]
		}
	}
	return nil
}

func (r *runner) inputBuffers() []*resource.Buffer {
	bufs := make([]*resource.Buffer, 0, len(r.inputs))
	for _, in := range r.inputs {
		bufs = append(bufs, in.buf)
	}
	return bufs
}

func (r *runner) InputBuffer(role Role) *resource.Buffer {
	for _, in := range r.inputs {
		if in.spec.role == role {
			return in.buf
		}
	}
	return nil
}

func (r *runner) InputShape(role Role) tensor.Shape {
	for _, in := range r.inputs {
		if in.spec.role == role {
			return in.shape.Clone()
		}
	}
	return nil
}

func (r *runner) OutputBuffer() *resource.Buffer { return r.output }
func (r *runner) OutputShape() tensor.Shape      { return r.outputShape.Clone() }

func (r *runner) reportBuffers() {
	count := 0
	var bytes uint64
	for _, in := range r.inputs {
		if in.buf != nil {
			count++
			bytes += in.buf.Size()
		}
	}
	if r.output != nil {
		count++
		bytes += r.output.Size()
	}
	r.deps.Metrics.setBuffers(r.v.topology(), count, bytes)
}
