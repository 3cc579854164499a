// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nnfx/resource"
	"github.com/gogpu/nnfx/tensor"
)

// step is one compute dispatch of a plan.
type step struct {
	label     string
	pipe      *pipeline
	uniform   hal.Buffer
	bindGroup hal.BindGroup
	x, y      uint32
}

// plan holds everything needed to encode one execution for a fixed set of
// bindings and input shapes: intermediate buffers, per-node uniforms and
// bind groups. It is rebuilt only when the key changes.
type plan struct {
	key            string
	steps          []step
	owned          []*resource.Buffer // intermediates and the internal discovery output
	internalOutput bool
	lastValue      uint64
}

// planKey identifies the bindings a plan was built for.
func planKey(generation uint64, discover bool, inputs map[string]tensor.Shape) string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "g%d/d%t", generation, discover)
	for _, name := range names {
		fmt.Fprintf(&sb, "/%s%s", name, inputs[name])
	}
	return sb.String()
}

// record encodes every step into encoder, one compute pass per node.
func (p *plan) record(encoder hal.CommandEncoder) error {
	for _, st := range p.steps {
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: st.label})
		pass.SetPipeline(st.pipe.pipeline)
		pass.SetBindGroup(0, st.bindGroup, nil)
		pass.Dispatch(st.x, st.y, 1)
		pass.End()
	}
	return nil
}

// buildPlan allocates intermediates and bind groups for one binding layout.
func (s *Session) buildPlan(key string, table *resource.BindingTable, shapes map[string]tensor.Shape) (*plan, error) {
	p := &plan{key: key}

	buffers := make(map[string]*resource.Buffer, len(shapes))
	for _, b := range s.graph.inputs {
		slot, _ := table.Input(b.Name)
		buffers[b.Name] = slot.Buffer
	}
	outName, outSlot := table.Output()
	if outSlot.Discover {
		p.internalOutput = true
	} else {
		buffers[outName] = outSlot.Buffer
	}

	for _, n := range s.graph.nodes {
		if _, ok := buffers[n.output]; ok {
			continue
		}
		size, err := shapes[n.output].ByteSize(tensor.Float32)
		if err != nil {
			s.destroyPlan(p)
			return nil, err
		}
		buf, err := s.alloc.Create("nnfx_"+n.output, size)
		if err != nil {
			s.destroyPlan(p)
			return nil, fmt.Errorf("allocate %q: %w", n.output, err)
		}
		p.owned = append(p.owned, buf)
		buffers[n.output] = buf
	}

	for i := range s.graph.nodes {
		n := &s.graph.nodes[i]
		st, err := s.buildStep(n, buffers, shapes)
		if err != nil {
			s.destroyPlan(p)
			return nil, fmt.Errorf("node %q: %w", n.name, err)
		}
		p.steps = append(p.steps, st)
	}

	s.planBuilds++
	slogger().Debug("engine: plan built",
		"model", s.graph.name,
		"steps", len(p.steps),
		"intermediates", len(p.owned),
		"discover", p.internalOutput)
	return p, nil
}

func (s *Session) buildStep(n *node, buffers map[string]*resource.Buffer, shapes map[string]tensor.Shape) (step, error) {
	device := s.engine.device
	params, err := n.params(shapes)
	if err != nil {
		return step{}, err
	}
	x, y, rowPitch := dispatchSize(params.Total)
	params.RowPitch = rowPitch

	uniform, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "nnfx_" + n.name + "_params",
		Size:  paramsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return step{}, fmt.Errorf("create params buffer: %w", err)
	}
	s.engine.queue.WriteBuffer(uniform, 0, params.bytes())

	entry := func(binding uint32, buf hal.Buffer) gputypes.BindGroupEntry {
		return gputypes.BindGroupEntry{
			Binding: binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   0, // 0 = entire buffer
			},
		}
	}

	entries := []gputypes.BindGroupEntry{entry(0, uniform)}
	binding := uint32(1)
	for _, in := range n.inputs {
		entries = append(entries, entry(binding, buffers[in].Raw()))
		binding++
	}
	if n.op == OpConv1x1 {
		w := s.weights[n.name]
		entries = append(entries, entry(binding, w.weights.Raw()), entry(binding+1, w.bias.Raw()))
		binding += 2
	}
	entries = append(entries, entry(binding, buffers[n.output].Raw()))

	pipe := s.pipelines[n.op]
	bg, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "nnfx_" + n.name + "_bg",
		Layout:  pipe.bgLayout,
		Entries: entries,
	})
	if err != nil {
		device.DestroyBuffer(uniform)
		return step{}, fmt.Errorf("create bind group: %w", err)
	}

	return step{
		label:     "nnfx_" + n.name,
		pipe:      pipe,
		uniform:   uniform,
		bindGroup: bg,
		x:         x,
		y:         y,
	}, nil
}

// destroyPlan releases every device object the plan owns. The caller must
// ensure the GPU no longer uses them.
func (s *Session) destroyPlan(p *plan) {
	if p == nil {
		return
	}
	device := s.engine.device
	for _, st := range p.steps {
		if st.bindGroup != nil {
			device.DestroyBindGroup(st.bindGroup)
		}
		if st.uniform != nil {
			device.DestroyBuffer(st.uniform)
		}
	}
	for _, buf := range p.owned {
		s.alloc.Free(buf)
	}
	p.steps = nil
	p.owned = nil
}

// params computes the uniform block for n.
func (n *node) params(shapes map[string]tensor.Shape) (kernelParams, error) {
	out := shapes[n.output]
	in := shapes[n.inputs[0]]

	var total int64
	var err error
	if n.op == OpMean {
		total = out.Batch() * out.Channels()
	} else {
		total, err = out.ElementCount()
		if err != nil {
			return kernelParams{}, err
		}
	}
	if total > math.MaxUint32 {
		return kernelParams{}, fmt.Errorf("%w: %d elements exceed a single dispatch", ErrShape, total)
	}

	//nolint:gosec // G115: dims are bounded by total
	p := kernelParams{
		Total:      uint32(total),
		Channels:   uint32(out.Channels()),
		Plane:      uint32(out.PlaneSize()),
		InChannels: uint32(in.Channels()),
		Width:      uint32(out.Width()),
		InWidth:    uint32(in.Width()),
	}

	switch n.op {
	case OpResize:
		p.Extra = uint32(n.scale) //nolint:gosec // validated positive
	case OpSlice:
		p.Extra = uint32(n.start) //nolint:gosec // validated non-negative
	case OpAdd:
		if b := shapes[n.inputs[1]]; b.PlaneSize() == 1 && out.PlaneSize() != 1 {
			p.Extra = 1
		}
	case OpMean:
		p.Plane = uint32(in.PlaneSize()) //nolint:gosec // bounded by input element count
	}
	return p, nil
}
