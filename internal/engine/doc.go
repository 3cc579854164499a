// Package engine is a small inference engine that executes image-to-image
// model graphs as WGSL compute kernels on a gogpu/wgpu HAL device.
//
// A model is a YAML manifest:
//
//	name: single
//	inputs:
//	  - {name: content, type: float32, shape: [1, 3, -1, -1]}
//	outputs:
//	  - {name: output, type: float32, shape: [1, 3, -1, -1]}
//	nodes:
//	  - {op: conv1x1, inputs: [content], output: feat, out_channels: 3, weights: [...]}
//	  - {op: downsample, inputs: [feat], output: low}
//	  - {op: resize, inputs: [low], output: output, scale: 2}
//
// A dimension of -1 is a wildcard. The supported operators are conv1x1,
// relu, tanh, sigmoid, downsample, resize, concat, add, slice and mean.
//
// Tensors are bound to GPU buffers through a [resource.BindingTable]; the
// engine never copies them through host memory. The output may be left in
// discover mode, in which case the next [Session.Run] allocates it
// internally, waits for completion and publishes its shape through
// [Session.OutputShape].
package engine
