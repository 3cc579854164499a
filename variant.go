package nnfx

import (
	"fmt"

	"github.com/gogpu/nnfx/tensor"
)

// Channel counts.
const (
	colorChannels  = 3
	mergedChannels = 6
)

// slotSpec describes one input a variant binds.
type slotSpec struct {
	role     Role
	channels int64
	// explicit inputs take their spatial size from IOSize.StyleWidth and
	// StyleHeight instead of the target resolution.
	explicit bool
}

// variant holds the topology-specific hooks of a runner. The state machine
// and discovery protocol live in runner and are shared by every variant.
type variant interface {
	topology() Topology

	// slots lists the inputs to bind, in bind order.
	slots() []slotSpec

	// alignment is the multiple the target resolution is rounded down to.
	alignment() int

	// checkOutput validates a discovered output shape against the resolved
	// content shape.
	checkOutput(output, content tensor.Shape) error

	// historyChannels is the number of output color channels fed back into
	// the content input after each run, or 0.
	historyChannels() int64
}

func newVariant(t Topology) (variant, error) {
	switch t {
	case TopologySingle:
		return singleVariant{}, nil
	case TopologyContentStyle:
		return contentStyleVariant{}, nil
	case TopologyTemporal:
		return temporalVariant{}, nil
	case TopologyTemporalFlow:
		return temporalFlowVariant{}, nil
	case TopologyStyleTemporal:
		return styleTemporalVariant{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTopology, int(t))
	}
}

func checkChannels(output tensor.Shape, want int64) error {
	if output.Rank() != tensor.Rank {
		return fmt.Errorf("output rank %d, want %d", output.Rank(), tensor.Rank)
	}
	if output.Channels() != want {
		return fmt.Errorf("output has %d channels, want %d", output.Channels(), want)
	}
	return nil
}

func checkSameSpatial(output, content tensor.Shape) error {
	if output.Batch() != content.Batch() ||
		output.Height() != content.Height() ||
		output.Width() != content.Width() {
		return fmt.Errorf("output %s does not match input %s spatially", output, content)
	}
	return nil
}

// singleVariant binds one 3-channel content image.
type singleVariant struct{}

func (singleVariant) topology() Topology { return TopologySingle }
func (singleVariant) alignment() int     { return 4 }

func (singleVariant) slots() []slotSpec {
	return []slotSpec{{role: RoleContent, channels: colorChannels}}
}

func (singleVariant) checkOutput(output, _ tensor.Shape) error {
	return checkChannels(output, colorChannels)
}

func (singleVariant) historyChannels() int64 { return 0 }

// contentStyleVariant binds a content image and an independently sized
// style image.
type contentStyleVariant struct{}

func (contentStyleVariant) topology() Topology { return TopologyContentStyle }
func (contentStyleVariant) alignment() int     { return 8 }

func (contentStyleVariant) slots() []slotSpec {
	return []slotSpec{
		{role: RoleContent, channels: colorChannels},
		{role: RoleStyle, channels: colorChannels, explicit: true},
	}
}

func (contentStyleVariant) checkOutput(output, _ tensor.Shape) error {
	return checkChannels(output, colorChannels)
}

func (contentStyleVariant) historyChannels() int64 { return 0 }

// temporalVariant binds the current frame concatenated with the previous
// color output and feeds each result back as the next frame's history.
type temporalVariant struct{}

func (temporalVariant) topology() Topology { return TopologyTemporal }
func (temporalVariant) alignment() int     { return 4 }

func (temporalVariant) slots() []slotSpec {
	return []slotSpec{{role: RoleContent, channels: mergedChannels}}
}

func (temporalVariant) checkOutput(output, content tensor.Shape) error {
	if err := checkChannels(output, colorChannels); err != nil {
		return err
	}
	return checkSameSpatial(output, content)
}

func (temporalVariant) historyChannels() int64 { return colorChannels }

// temporalFlowVariant predicts color and motion flow from the merged input.
type temporalFlowVariant struct{}

func (temporalFlowVariant) topology() Topology { return TopologyTemporalFlow }
func (temporalFlowVariant) alignment() int     { return 8 }

func (temporalFlowVariant) slots() []slotSpec {
	return []slotSpec{{role: RoleContent, channels: mergedChannels}}
}

func (temporalFlowVariant) checkOutput(output, content tensor.Shape) error {
	if err := checkChannels(output, mergedChannels); err != nil {
		return err
	}
	return checkSameSpatial(output, content)
}

func (temporalFlowVariant) historyChannels() int64 { return colorChannels }

// styleTemporalVariant is temporalFlowVariant conditioned on a style image.
type styleTemporalVariant struct{}

func (styleTemporalVariant) topology() Topology { return TopologyStyleTemporal }
func (styleTemporalVariant) alignment() int     { return 8 }

func (styleTemporalVariant) slots() []slotSpec {
	return []slotSpec{
		{role: RoleContent, channels: mergedChannels},
		{role: RoleStyle, channels: colorChannels, explicit: true},
	}
}

func (styleTemporalVariant) checkOutput(output, content tensor.Shape) error {
	if err := checkChannels(output, mergedChannels); err != nil {
		return err
	}
	return checkSameSpatial(output, content)
}

func (styleTemporalVariant) historyChannels() int64 { return colorChannels }
