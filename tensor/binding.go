package tensor

import (
	"fmt"
	"strings"
)

// DataType is the element type of a tensor.
type DataType int

const (
	// Undefined is the zero DataType.
	Undefined DataType = iota
	// Float32 is a 32-bit IEEE float.
	Float32
	// Float16 is a 16-bit IEEE float.
	Float16
)

// Size returns the element size in bytes, or 0 for Undefined.
func (t DataType) Size() int {
	switch t {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// String returns the manifest spelling of the type.
func (t DataType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// ParseDataType parses a type name such as "float32" or "float".
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "float", "f32":
		return Float32, nil
	case "float16", "half", "f16":
		return Float16, nil
	default:
		return Undefined, fmt.Errorf("tensor: unknown element type %q", s)
	}
}

// Binding is a named tensor declared by a loaded graph.
type Binding struct {
	Name  string
	Type  DataType
	Shape Shape
}

// String returns "name float32 [1 3 ? ?]".
func (b Binding) String() string {
	return fmt.Sprintf("%s %s %s", b.Name, b.Type, b.Shape)
}
