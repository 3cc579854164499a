// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/conv1x1.wgsl
var shaderConv1x1 string

//go:embed shaders/relu.wgsl
var shaderReLU string

//go:embed shaders/tanh.wgsl
var shaderTanh string

//go:embed shaders/sigmoid.wgsl
var shaderSigmoid string

//go:embed shaders/downsample.wgsl
var shaderDownsample string

//go:embed shaders/resize.wgsl
var shaderResize string

//go:embed shaders/concat.wgsl
var shaderConcat string

//go:embed shaders/add.wgsl
var shaderAdd string

//go:embed shaders/slice.wgsl
var shaderSlice string

//go:embed shaders/mean.wgsl
var shaderMean string

// workgroupSize matches @workgroup_size in every kernel.
const workgroupSize = 64

// maxGroupsPerDim is the WebGPU default limit for workgroups per dimension.
const maxGroupsPerDim = 65535

// paramsSize is the byte size of the Params uniform shared by all kernels.
const paramsSize = 32

// kernelSources maps every operator to its WGSL source.
var kernelSources = [opCount]string{
	OpConv1x1:    shaderConv1x1,
	OpReLU:       shaderReLU,
	OpTanh:       shaderTanh,
	OpSigmoid:    shaderSigmoid,
	OpDownsample: shaderDownsample,
	OpResize:     shaderResize,
	OpConcat:     shaderConcat,
	OpAdd:        shaderAdd,
	OpSlice:      shaderSlice,
	OpMean:       shaderMean,
}

// kernelParams mirrors the WGSL Params struct.
type kernelParams struct {
	Total      uint32
	RowPitch   uint32
	Channels   uint32
	Plane      uint32
	InChannels uint32
	Width      uint32
	InWidth    uint32
	Extra      uint32
}

func (p kernelParams) bytes() []byte {
	buf, err := binary.Append(make([]byte, 0, paramsSize), binary.LittleEndian, p)
	if err != nil {
		// kernelParams is fixed-size; Append cannot fail.
		panic(err)
	}
	return buf
}

// dispatchSize returns the workgroup grid covering total invocations and the
// row pitch (invocations per grid row) the kernels use to linearize gid.
func dispatchSize(total uint32) (x, y, rowPitch uint32) {
	groups := (total + workgroupSize - 1) / workgroupSize
	if groups == 0 {
		return 0, 0, 0
	}
	if groups <= maxGroupsPerDim {
		return groups, 1, groups * workgroupSize
	}
	y = (groups + maxGroupsPerDim - 1) / maxGroupsPerDim
	return maxGroupsPerDim, y, maxGroupsPerDim * workgroupSize
}

// bindingLayout returns the bind group layout entries for op. Binding 0 is
// always the Params uniform and the last binding is always the destination.
func bindingLayout(op Op) []gputypes.BindGroupLayoutEntry {
	uniform := gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	switch op {
	case OpConv1x1:
		// src, weights, bias, dst
		return []gputypes.BindGroupLayoutEntry{uniform, storageRO(1), storageRO(2), storageRO(3), storageRW(4)}
	case OpConcat, OpAdd:
		// a, b, dst
		return []gputypes.BindGroupLayoutEntry{uniform, storageRO(1), storageRO(2), storageRW(3)}
	default:
		// src, dst
		return []gputypes.BindGroupLayoutEntry{uniform, storageRO(1), storageRW(2)}
	}
}

// validateKernel compiles a kernel to SPIR-V with naga to catch WGSL errors
// before any device object is created.
func validateKernel(op Op) error {
	src := kernelSources[op]
	if src == "" {
		return fmt.Errorf("engine: missing kernel for %s", op)
	}
	spirv, err := naga.Compile(src)
	if err != nil {
		return fmt.Errorf("engine: compile %s kernel: %w", op, err)
	}
	if len(spirv) < 4 {
		return fmt.Errorf("engine: %s kernel produced empty SPIR-V", op)
	}
	return nil
}

// pipeline is the compiled state for one operator.
type pipeline struct {
	op       Op
	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

// createPipeline builds the shader module, layouts and compute pipeline for op.
func createPipeline(device hal.Device, op Op) (*pipeline, error) {
	name := "nnfx_" + op.String()
	p := &pipeline{op: op}

	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{WGSL: kernelSources[op]},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module for %s: %w", op, err)
	}
	p.module = module

	bgLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   name + "_bgl",
		Entries: bindingLayout(op),
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("create bind group layout for %s: %w", op, err)
	}
	p.bgLayout = bgLayout

	layout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("create pipeline layout for %s: %w", op, err)
	}
	p.layout = layout

	cp, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("create compute pipeline for %s: %w", op, err)
	}
	p.pipeline = cp

	slogger().Debug("engine: pipeline created", "op", op.String(), "bindings", len(bindingLayout(op)))
	return p, nil
}

func (p *pipeline) destroy(device hal.Device) {
	if p.pipeline != nil {
		device.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.layout != nil {
		device.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	if p.bgLayout != nil {
		device.DestroyBindGroupLayout(p.bgLayout)
		p.bgLayout = nil
	}
	if p.module != nil {
		device.DestroyShaderModule(p.module)
		p.module = nil
	}
}
