// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu binds the inference layer to a gogpu/wgpu HAL device.
//
// It provides three pieces that share one device and one queue:
//
//   - [Provisioner]: device-local storage buffers sized to resolved tensors,
//     with allocation accounting and an optional memory budget
//   - [Recorder]: command recording and same-queue submission, tracked by a
//     single timeline fence
//   - [OpenDevice] and [FromProvider]: device bootstrap, either standalone or
//     shared with a host application
//
// All submissions go through one queue. Ordering between the rendering
// layer's preprocessing dispatch and inference work relies on FIFO
// submission order; the fence is waited on only by [Recorder.Flush] and
// [Recorder.Wait].
package gpu
