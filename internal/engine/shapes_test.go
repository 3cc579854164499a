package engine

import (
	"errors"
	"testing"

	"github.com/gogpu/nnfx/tensor"
)

func mustCompile(t *testing.T, path string) *graph {
	t.Helper()
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest(%s) error: %v", path, err)
	}
	g, err := m.compile()
	if err != nil {
		t.Fatalf("compile(%s) error: %v", path, err)
	}
	return g
}

func TestInferShapesBundledModels(t *testing.T) {
	tests := []struct {
		path   string
		inputs map[string]tensor.Shape
		output string
		want   tensor.Shape
	}{
		{
			path:   "../../models/single.yaml",
			inputs: map[string]tensor.Shape{"content": tensor.NewShape(1, 3, 256, 256)},
			output: "output",
			want:   tensor.NewShape(1, 3, 256, 256),
		},
		{
			path: "../../models/content_style.yaml",
			inputs: map[string]tensor.Shape{
				"content": tensor.NewShape(1, 3, 384, 512),
				"style":   tensor.NewShape(1, 3, 256, 256),
			},
			output: "stylized",
			want:   tensor.NewShape(1, 3, 384, 512),
		},
		{
			path:   "../../models/temporal.yaml",
			inputs: map[string]tensor.Shape{"frames": tensor.NewShape(1, 6, 64, 96)},
			output: "output",
			want:   tensor.NewShape(1, 3, 64, 96),
		},
		{
			path:   "../../models/temporal_flow.yaml",
			inputs: map[string]tensor.Shape{"frames": tensor.NewShape(1, 6, 64, 96)},
			output: "color_flow",
			want:   tensor.NewShape(1, 6, 64, 96),
		},
		{
			path: "../../models/style_temporal.yaml",
			inputs: map[string]tensor.Shape{
				"frames": tensor.NewShape(1, 6, 64, 96),
				"style":  tensor.NewShape(1, 3, 100, 60),
			},
			output: "color_flow",
			want:   tensor.NewShape(1, 6, 64, 96),
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			g := mustCompile(t, tt.path)
			shapes, err := g.inferShapes(tt.inputs)
			if err != nil {
				t.Fatalf("inferShapes() error: %v", err)
			}
			if got := shapes[tt.output]; !got.Equal(tt.want) {
				t.Errorf("output shape = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInferShapesErrors(t *testing.T) {
	g := mustCompile(t, "../../models/single.yaml")

	tests := []struct {
		name   string
		inputs map[string]tensor.Shape
	}{
		{"unbound", map[string]tensor.Shape{}},
		{"wrong channels", map[string]tensor.Shape{"content": tensor.NewShape(1, 4, 8, 8)}},
		{"wildcard", map[string]tensor.Shape{"content": tensor.NewShape(1, 3, tensor.Wildcard, 8)}},
		{"misaligned", map[string]tensor.Shape{"content": tensor.NewShape(1, 3, 6, 8)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.inferShapes(tt.inputs); !errors.Is(err, ErrShape) {
				t.Errorf("inferShapes() error = %v, want ErrShape", err)
			}
		})
	}
}

func TestNodeOutputShape(t *testing.T) {
	a := tensor.NewShape(1, 3, 4, 6)
	b := tensor.NewShape(1, 2, 4, 6)
	stats := tensor.NewShape(1, 3, 1, 1)

	tests := []struct {
		name string
		n    node
		in   []tensor.Shape
		want tensor.Shape
	}{
		{"conv", node{op: OpConv1x1, outChannels: 2, weights: make([]float32, 6)}, []tensor.Shape{a}, tensor.NewShape(1, 2, 4, 6)},
		{"relu", node{op: OpReLU}, []tensor.Shape{a}, a},
		{"downsample", node{op: OpDownsample}, []tensor.Shape{a}, tensor.NewShape(1, 3, 2, 3)},
		{"resize", node{op: OpResize, scale: 3}, []tensor.Shape{a}, tensor.NewShape(1, 3, 12, 18)},
		{"concat", node{op: OpConcat}, []tensor.Shape{a, b}, tensor.NewShape(1, 5, 4, 6)},
		{"add", node{op: OpAdd}, []tensor.Shape{a, a}, a},
		{"add broadcast", node{op: OpAdd}, []tensor.Shape{a, stats}, a},
		{"slice", node{op: OpSlice, start: 1, end: 3}, []tensor.Shape{a}, tensor.NewShape(1, 2, 4, 6)},
		{"mean", node{op: OpMean}, []tensor.Shape{a}, stats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.n.outputShape(tt.in)
			if err != nil {
				t.Fatalf("outputShape() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("outputShape() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNodeOutputShapeErrors(t *testing.T) {
	a := tensor.NewShape(1, 3, 4, 6)
	tests := []struct {
		name string
		n    node
		in   []tensor.Shape
	}{
		{"conv weights", node{op: OpConv1x1, outChannels: 2, weights: make([]float32, 4)}, []tensor.Shape{a}},
		{"odd downsample", node{op: OpDownsample}, []tensor.Shape{tensor.NewShape(1, 3, 5, 6)}},
		{"concat spatial", node{op: OpConcat}, []tensor.Shape{a, tensor.NewShape(1, 3, 2, 6)}},
		{"add channels", node{op: OpAdd}, []tensor.Shape{a, tensor.NewShape(1, 2, 4, 6)}},
		{"slice range", node{op: OpSlice, start: 2, end: 5}, []tensor.Shape{a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.n.outputShape(tt.in); !errors.Is(err, ErrShape) {
				t.Errorf("outputShape() error = %v, want ErrShape", err)
			}
		})
	}
}
