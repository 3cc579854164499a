package resource

import (
	"errors"
	"fmt"

	"github.com/gogpu/nnfx/tensor"
)

// Binding table errors.
var (
	// ErrNilBuffer is returned when binding a nil buffer.
	ErrNilBuffer = errors.New("resource: cannot bind nil buffer")

	// ErrBindingSize is returned when a buffer is smaller than its shape requires.
	ErrBindingSize = errors.New("resource: buffer size does not match shape")
)

// Slot is one named entry of a BindingTable.
type Slot struct {
	Buffer   *Buffer
	Shape    tensor.Shape
	Discover bool
}

// BindingTable maps tensor names to the GPU buffers that hold them.
//
// A table belongs to one session. Inputs are always bound to buffers. The
// single output is either pinned to a buffer or left in discover mode, in
// which case the engine allocates it internally for one execution.
type BindingTable struct {
	inputs     map[string]Slot
	order      []string
	outputName string
	output     Slot
	generation uint64
}

// NewBindingTable returns an empty table.
func NewBindingTable() *BindingTable {
	return &BindingTable{inputs: make(map[string]Slot)}
}

// BindInput binds a named input to buf. The buffer must hold exactly the
// float32 elements of shape.
func (t *BindingTable) BindInput(name string, buf *Buffer, shape tensor.Shape) error {
	if err := checkSlot(buf, shape); err != nil {
		return fmt.Errorf("bind input %q: %w", name, err)
	}
	if _, ok := t.inputs[name]; !ok {
		t.order = append(t.order, name)
	}
	t.inputs[name] = Slot{Buffer: buf, Shape: shape.Clone()}
	t.generation++
	return nil
}

// BindOutput pins the output to buf.
func (t *BindingTable) BindOutput(name string, buf *Buffer, shape tensor.Shape) error {
	if err := checkSlot(buf, shape); err != nil {
		return fmt.Errorf("bind output %q: %w", name, err)
	}
	t.outputName = name
	t.output = Slot{Buffer: buf, Shape: shape.Clone()}
	t.generation++
	return nil
}

// BindOutputDiscover leaves the output unbound so that the next execution
// allocates it internally and records its shape.
func (t *BindingTable) BindOutputDiscover(name string) {
	t.outputName = name
	t.output = Slot{Discover: true}
	t.generation++
}

// Input returns the slot bound to name.
func (t *BindingTable) Input(name string) (Slot, bool) {
	s, ok := t.inputs[name]
	return s, ok
}

// InputNames returns bound input names in bind order.
func (t *BindingTable) InputNames() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Output returns the output name and slot.
func (t *BindingTable) Output() (string, Slot) {
	return t.outputName, t.output
}

// Generation increases on every bind.
func (t *BindingTable) Generation() uint64 { return t.generation }

// Clear removes every binding.
func (t *BindingTable) Clear() {
	clear(t.inputs)
	t.order = t.order[:0]
	t.outputName = ""
	t.output = Slot{}
	t.generation++
}

func checkSlot(buf *Buffer, shape tensor.Shape) error {
	if buf == nil {
		return ErrNilBuffer
	}
	want, err := shape.ByteSize(tensor.Float32)
	if err != nil {
		return err
	}
	if buf.Size() != want {
		return fmt.Errorf("%w: %s holds %d bytes, shape %s needs %d",
			ErrBindingSize, buf.Label(), buf.Size(), shape, want)
	}
	return nil
}
