package engine

import (
	"errors"
	"fmt"

	"github.com/gogpu/nnfx/tensor"
)

// ErrShape is returned when tensor shapes are incompatible with the graph.
var ErrShape = errors.New("engine: shape mismatch")

// matchesTemplate reports whether a concrete shape satisfies a declared
// template: same rank, and every concrete template dim equal.
func matchesTemplate(shape, template tensor.Shape) bool {
	if len(shape) != len(template) || !shape.IsConcrete() {
		return false
	}
	for i, d := range template {
		if d != tensor.Wildcard && d != shape[i] {
			return false
		}
	}
	return true
}

// inferShapes computes the shape of every tensor in g given concrete input
// shapes. The result includes the inputs.
func (g *graph) inferShapes(inputs map[string]tensor.Shape) (map[string]tensor.Shape, error) {
	shapes := make(map[string]tensor.Shape, len(inputs)+len(g.nodes))
	for _, b := range g.inputs {
		s, ok := inputs[b.Name]
		if !ok {
			return nil, fmt.Errorf("%w: input %q not bound", ErrShape, b.Name)
		}
		if !matchesTemplate(s, b.Shape) {
			return nil, fmt.Errorf("%w: input %q is %s, declared %s", ErrShape, b.Name, s, b.Shape)
		}
		shapes[b.Name] = s.Clone()
	}

	for _, n := range g.nodes {
		in := make([]tensor.Shape, len(n.inputs))
		for i, name := range n.inputs {
			in[i] = shapes[name]
		}
		out, err := n.outputShape(in)
		if err != nil {
			return nil, fmt.Errorf("node %q (%s): %w", n.name, n.op, err)
		}
		shapes[n.output] = out
	}

	out := g.outputs[0]
	if !matchesTemplate(shapes[out.Name], out.Shape) {
		return nil, fmt.Errorf("%w: output %q is %s, declared %s", ErrShape, out.Name, shapes[out.Name], out.Shape)
	}
	return shapes, nil
}

func (n *node) outputShape(in []tensor.Shape) (tensor.Shape, error) {
	a := in[0]
	switch n.op {
	case OpConv1x1:
		inC := a.Channels()
		if int64(len(n.weights)) != inC*int64(n.outChannels) {
			return nil, fmt.Errorf("%w: %d weights for %d -> %d channels",
				ErrShape, len(n.weights), inC, n.outChannels)
		}
		return tensor.NewShape(a.Batch(), int64(n.outChannels), a.Height(), a.Width()), nil

	case OpReLU, OpTanh, OpSigmoid:
		return a.Clone(), nil

	case OpDownsample:
		if a.Height()%2 != 0 || a.Width()%2 != 0 {
			return nil, fmt.Errorf("%w: downsample needs even spatial dims, got %s", ErrShape, a)
		}
		return tensor.NewShape(a.Batch(), a.Channels(), a.Height()/2, a.Width()/2), nil

	case OpResize:
		s := int64(n.scale)
		return tensor.NewShape(a.Batch(), a.Channels(), a.Height()*s, a.Width()*s), nil

	case OpConcat:
		b := in[1]
		if a.Batch() != b.Batch() || a.Height() != b.Height() || a.Width() != b.Width() {
			return nil, fmt.Errorf("%w: cannot concat %s and %s", ErrShape, a, b)
		}
		return tensor.NewShape(a.Batch(), a.Channels()+b.Channels(), a.Height(), a.Width()), nil

	case OpAdd:
		b := in[1]
		if a.Equal(b) {
			return a.Clone(), nil
		}
		if b.Batch() == a.Batch() && b.Channels() == a.Channels() && b.Height() == 1 && b.Width() == 1 {
			return a.Clone(), nil
		}
		return nil, fmt.Errorf("%w: cannot add %s and %s", ErrShape, a, b)

	case OpSlice:
		if int64(n.end) > a.Channels() {
			return nil, fmt.Errorf("%w: slice [%d, %d) of %s", ErrShape, n.start, n.end, a)
		}
		return tensor.NewShape(a.Batch(), int64(n.end-n.start), a.Height(), a.Width()), nil

	case OpMean:
		return tensor.NewShape(a.Batch(), a.Channels(), 1, 1), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, n.op)
	}
}
