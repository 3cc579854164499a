package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/nnfx/tensor"
)

// Manifest errors.
var (
	// ErrInvalidManifest is returned for structurally invalid graphs.
	ErrInvalidManifest = errors.New("engine: invalid model manifest")

	// ErrUnsupportedType is returned for tensors that are not float32.
	ErrUnsupportedType = errors.New("engine: only float32 tensors are supported")

	// ErrUnknownOp is returned for operators outside the supported set.
	ErrUnknownOp = errors.New("engine: unknown operator")
)

// Op is a graph operator.
type Op int

const (
	opInvalid Op = iota
	// OpConv1x1 is a pointwise convolution with per-output-channel bias.
	OpConv1x1
	// OpReLU is max(x, 0).
	OpReLU
	// OpTanh is the hyperbolic tangent.
	OpTanh
	// OpSigmoid is the logistic function.
	OpSigmoid
	// OpDownsample is a 2x2 average pool with stride 2.
	OpDownsample
	// OpResize is nearest-neighbour upsampling by an integer scale.
	OpResize
	// OpConcat concatenates two tensors along the channel axis.
	OpConcat
	// OpAdd adds two tensors. The second may be [N, C, 1, 1] and is broadcast.
	OpAdd
	// OpSlice selects the channel range [start, end).
	OpSlice
	// OpMean averages each channel plane to [N, C, 1, 1].
	OpMean

	opCount
)

var opNames = [opCount]string{
	opInvalid:    "invalid",
	OpConv1x1:    "conv1x1",
	OpReLU:       "relu",
	OpTanh:       "tanh",
	OpSigmoid:    "sigmoid",
	OpDownsample: "downsample",
	OpResize:     "resize",
	OpConcat:     "concat",
	OpAdd:        "add",
	OpSlice:      "slice",
	OpMean:       "mean",
}

// String returns the manifest spelling of the operator.
func (o Op) String() string {
	if o > opInvalid && o < opCount {
		return opNames[o]
	}
	return fmt.Sprintf("Unknown(%d)", int(o))
}

// ParseOp parses a manifest operator name.
func ParseOp(s string) (Op, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for o := opInvalid + 1; o < opCount; o++ {
		if opNames[o] == name {
			return o, nil
		}
	}
	return opInvalid, fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// arity returns the number of tensor inputs the operator takes.
func (o Op) arity() int {
	switch o {
	case OpConcat, OpAdd:
		return 2
	default:
		return 1
	}
}

// TensorSpec declares a graph input or output.
type TensorSpec struct {
	Name  string  `yaml:"name"`
	Type  string  `yaml:"type"`
	Shape []int64 `yaml:"shape"`
}

// NodeSpec declares one operator application.
type NodeSpec struct {
	Name        string    `yaml:"name"`
	Op          string    `yaml:"op"`
	Inputs      []string  `yaml:"inputs"`
	Output      string    `yaml:"output"`
	OutChannels int       `yaml:"out_channels,omitempty"`
	Weights     []float32 `yaml:"weights,omitempty"`
	Bias        []float32 `yaml:"bias,omitempty"`
	Scale       int       `yaml:"scale,omitempty"`
	Start       int       `yaml:"start,omitempty"`
	End         int       `yaml:"end,omitempty"`
}

// Manifest is the on-disk model artifact.
type Manifest struct {
	Name    string       `yaml:"name"`
	Inputs  []TensorSpec `yaml:"inputs"`
	Outputs []TensorSpec `yaml:"outputs"`
	Nodes   []NodeSpec   `yaml:"nodes"`
}

// LoadManifest reads and parses a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}

// Bindings validates the manifest and returns its declared inputs and
// outputs without touching a device.
func (m *Manifest) Bindings() (inputs, outputs []tensor.Binding, err error) {
	g, err := m.compile()
	if err != nil {
		return nil, nil, err
	}
	return g.inputs, g.outputs, nil
}

// node is a validated NodeSpec.
type node struct {
	name        string
	op          Op
	inputs      []string
	output      string
	outChannels int
	weights     []float32
	bias        []float32
	scale       int
	start, end  int
}

// graph is a validated manifest in execution order.
type graph struct {
	name    string
	inputs  []tensor.Binding
	outputs []tensor.Binding
	nodes   []node
}

func bindingFromSpec(spec TensorSpec) (tensor.Binding, error) {
	if spec.Name == "" {
		return tensor.Binding{}, fmt.Errorf("%w: tensor without a name", ErrInvalidManifest)
	}
	typ := spec.Type
	if typ == "" {
		typ = "float32"
	}
	dt, err := tensor.ParseDataType(typ)
	if err != nil {
		return tensor.Binding{}, fmt.Errorf("%w: %q: %w", ErrInvalidManifest, spec.Name, err)
	}
	if dt != tensor.Float32 {
		return tensor.Binding{}, fmt.Errorf("%w: %q is %s", ErrUnsupportedType, spec.Name, dt)
	}
	shape := tensor.Shape(spec.Shape).Clone()
	if err := tensor.ValidateTemplate(shape); err != nil {
		return tensor.Binding{}, fmt.Errorf("%w: %q: %w", ErrInvalidManifest, spec.Name, err)
	}
	return tensor.Binding{Name: spec.Name, Type: dt, Shape: shape}, nil
}

// compile validates the manifest and returns the executable graph. Nodes
// must appear in dependency order.
func (m *Manifest) compile() (*graph, error) {
	g := &graph{name: m.Name}
	if len(m.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs declared", ErrInvalidManifest)
	}
	if len(m.Outputs) != 1 {
		return nil, fmt.Errorf("%w: exactly one output required, got %d", ErrInvalidManifest, len(m.Outputs))
	}

	defined := make(map[string]bool)
	for _, spec := range m.Inputs {
		b, err := bindingFromSpec(spec)
		if err != nil {
			return nil, err
		}
		if defined[b.Name] {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrInvalidManifest, b.Name)
		}
		defined[b.Name] = true
		g.inputs = append(g.inputs, b)
	}

	for i, spec := range m.Nodes {
		n, err := compileNode(i, spec)
		if err != nil {
			return nil, err
		}
		for _, in := range n.inputs {
			if !defined[in] {
				return nil, fmt.Errorf("%w: node %q reads undefined tensor %q", ErrInvalidManifest, n.name, in)
			}
		}
		if defined[n.output] {
			return nil, fmt.Errorf("%w: node %q redefines tensor %q", ErrInvalidManifest, n.name, n.output)
		}
		defined[n.output] = true
		g.nodes = append(g.nodes, n)
	}

	out, err := bindingFromSpec(m.Outputs[0])
	if err != nil {
		return nil, err
	}
	produced := false
	for _, n := range g.nodes {
		if n.output == out.Name {
			produced = true
			break
		}
	}
	if !produced {
		return nil, fmt.Errorf("%w: output %q is not produced by any node", ErrInvalidManifest, out.Name)
	}
	g.outputs = append(g.outputs, out)
	return g, nil
}

func compileNode(i int, spec NodeSpec) (node, error) {
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("node%d", i)
	}
	op, err := ParseOp(spec.Op)
	if err != nil {
		return node{}, fmt.Errorf("node %q: %w", name, err)
	}
	if spec.Output == "" {
		return node{}, fmt.Errorf("%w: node %q has no output", ErrInvalidManifest, name)
	}
	if len(spec.Inputs) != op.arity() {
		return node{}, fmt.Errorf("%w: node %q (%s) takes %d inputs, got %d",
			ErrInvalidManifest, name, op, op.arity(), len(spec.Inputs))
	}

	n := node{
		name:        name,
		op:          op,
		inputs:      append([]string(nil), spec.Inputs...),
		output:      spec.Output,
		outChannels: spec.OutChannels,
		weights:     spec.Weights,
		bias:        spec.Bias,
		scale:       spec.Scale,
		start:       spec.Start,
		end:         spec.End,
	}

	switch op {
	case OpConv1x1:
		if n.outChannels <= 0 {
			return node{}, fmt.Errorf("%w: node %q needs out_channels", ErrInvalidManifest, name)
		}
		if len(n.weights) == 0 || len(n.weights)%n.outChannels != 0 {
			return node{}, fmt.Errorf("%w: node %q has %d weights for %d output channels",
				ErrInvalidManifest, name, len(n.weights), n.outChannels)
		}
		if len(n.bias) == 0 {
			n.bias = make([]float32, n.outChannels)
		}
		if len(n.bias) != n.outChannels {
			return node{}, fmt.Errorf("%w: node %q has %d biases for %d output channels",
				ErrInvalidManifest, name, len(n.bias), n.outChannels)
		}
	case OpResize:
		if n.scale == 0 {
			n.scale = 2
		}
		if n.scale < 1 {
			return node{}, fmt.Errorf("%w: node %q has scale %d", ErrInvalidManifest, name, n.scale)
		}
	case OpSlice:
		if n.start < 0 || n.end <= n.start {
			return node{}, fmt.Errorf("%w: node %q has channel range [%d, %d)",
				ErrInvalidManifest, name, n.start, n.end)
		}
	}
	return n, nil
}
