package tensor

import "fmt"

// Dims holds the concrete values substituted for wildcard dimensions.
type Dims struct {
	Batch    int64
	Channels int64
	Height   int64
	Width    int64
}

// Resolve fills the wildcard dimensions of template:
//   - batch defaults to ideal.Batch, or 1 when ideal.Batch is zero
//   - channel takes ideal.Channels (the topology's fixed channel count)
//   - height and width take the caller's target resolution
//
// Concrete template dimensions are kept as declared. Resolve performs no
// alignment; callers whose architecture needs a multiple of 4 or 8 must align
// with [AlignDown] first. A wildcard that would resolve to a non-positive
// value is an error.
func Resolve(template Shape, ideal Dims) (Shape, error) {
	if err := ValidateTemplate(template); err != nil {
		return nil, err
	}
	batch := ideal.Batch
	if batch == 0 {
		batch = 1
	}
	fill := [Rank]int64{batch, ideal.Channels, ideal.Height, ideal.Width}

	out := template.Clone()
	for i, d := range out {
		if d != Wildcard {
			continue
		}
		if fill[i] <= 0 {
			return nil, fmt.Errorf("%w: dim %d of %s resolves to %d", ErrInvalidDim, i, template, fill[i])
		}
		out[i] = fill[i]
	}
	return out, nil
}

// AlignDown rounds v down to a multiple of multiple. A multiple below 2
// returns v unchanged.
func AlignDown(v, multiple int) int {
	if multiple < 2 || v <= 0 {
		if v < 0 {
			return 0
		}
		return v
	}
	return v - v%multiple
}
