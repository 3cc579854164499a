// Package tensor describes tensor shapes and declared model bindings.
//
// Shapes are channel-first (batch, channel, height, width). A declared shape
// template may contain [Wildcard] dimensions that are filled in by [Resolve]
// once the frame resolution is known.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wildcard marks a dimension whose size is not known until binding time.
const Wildcard int64 = -1

// Rank is the rank of every image tensor handled by this module.
const Rank = 4

// Dimension indices for channel-first image tensors.
const (
	DimBatch = iota
	DimChannel
	DimHeight
	DimWidth
)

// Shape errors.
var (
	// ErrRank is returned when a shape is not rank 4.
	ErrRank = errors.New("tensor: shape must have rank 4")

	// ErrInvalidDim is returned for dimensions that are neither positive nor Wildcard.
	ErrInvalidDim = errors.New("tensor: invalid dimension")

	// ErrNotConcrete is returned when a shape still contains wildcards.
	ErrNotConcrete = errors.New("tensor: shape contains wildcard dimensions")

	// ErrOverflow is returned when the element count does not fit in an int64.
	ErrOverflow = errors.New("tensor: element count overflows int64")
)

// Shape is an ordered list of dimension sizes.
type Shape []int64

// NewShape returns a shape with the given dimensions.
func NewShape(dims ...int64) Shape {
	return Shape(dims).Clone()
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// Batch returns the batch dimension of a rank 4 shape.
func (s Shape) Batch() int64 { return s.dim(DimBatch) }

// Channels returns the channel dimension of a rank 4 shape.
func (s Shape) Channels() int64 { return s.dim(DimChannel) }

// Height returns the height dimension of a rank 4 shape.
func (s Shape) Height() int64 { return s.dim(DimHeight) }

// Width returns the width dimension of a rank 4 shape.
func (s Shape) Width() int64 { return s.dim(DimWidth) }

func (s Shape) dim(i int) int64 {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

// IsConcrete reports whether every dimension is positive.
func (s Shape) IsConcrete() bool {
	if len(s) == 0 {
		return false
	}
	for _, d := range s {
		if d <= 0 {
			return false
		}
	}
	return true
}

// ElementCount returns the product of all dimensions.
func (s Shape) ElementCount() (int64, error) {
	if !s.IsConcrete() {
		return 0, fmt.Errorf("%w: %s", ErrNotConcrete, s)
	}
	n := int64(1)
	for _, d := range s {
		if n > math.MaxInt64/d {
			return 0, ErrOverflow
		}
		n *= d
	}
	return n, nil
}

// ByteSize returns the size in bytes of a tensor of this shape.
func (s Shape) ByteSize(t DataType) (uint64, error) {
	n, err := s.ElementCount()
	if err != nil {
		return 0, err
	}
	size := uint64(t.Size())
	if size == 0 {
		return 0, fmt.Errorf("tensor: unsupported element type %s", t)
	}
	//nolint:gosec // G115: n is positive
	return uint64(n) * size, nil
}

// PlaneSize returns height × width, the number of elements in one channel plane.
func (s Shape) PlaneSize() int64 {
	return s.Height() * s.Width()
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String formats the shape as [1 3 ? ?].
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d == Wildcard {
			parts[i] = "?"
			continue
		}
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ValidateTemplate checks that a declared shape template is rank 4 and that
// every dimension is either positive or Wildcard.
func ValidateTemplate(s Shape) error {
	if len(s) != Rank {
		return fmt.Errorf("%w: got %d dims in %s", ErrRank, len(s), s)
	}
	for i, d := range s {
		if d != Wildcard && d <= 0 {
			return fmt.Errorf("%w: dim %d is %d", ErrInvalidDim, i, d)
		}
	}
	return nil
}
