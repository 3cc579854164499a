// Package nnfx runs learned image-to-image transforms (style transfer,
// temporal video filtering) on GPU-resident frames.
//
// # Overview
//
// A rendering pipeline writes each frame into a tensor buffer on the GPU.
// nnfx binds that buffer directly to an inference session, executes the
// model on the same device queue and hands a GPU-resident output back to the
// rendering layer. Tensor data never round-trips through host memory.
//
// # Topologies
//
// Five model topologies are supported, selected by tag:
//
//	single          content (3ch)                     -> color (3ch)
//	content-style   content (3ch), style (3ch)        -> color (3ch)
//	temporal        content ‖ previous output (6ch)   -> color (3ch)
//	temporal-flow   content ‖ previous output (6ch)   -> color ‖ flow (6ch)
//	style-temporal  content ‖ previous (6ch), style   -> color ‖ flow (6ch)
//
// Temporal topologies feed the output color planes back into channels 3..5
// of the content input after every frame.
//
// # Lifecycle
//
// A [Runner] moves through the states of [State]:
//
//	Uninitialized -> Init -> SessionReady -> PrepareIO -> InputsBound
//	  -> first Run -> OutputDiscovering -> output pinned -> SteadyState
//
// Output shapes can depend on runtime input sizes, so the first Run after
// PrepareIO or ResizeIO executes once with no output bound, reads the
// output shape, allocates and pins an output buffer and then executes on
// it. Later runs reuse the pinned buffer.
//
// # Quick Start
//
//	cfg := nnfx.Config{Topology: "single", Model: "models/single.yaml", Width: 1280, Height: 720}
//	ctx, err := nnfx.NewContext(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	if err := ctx.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	m := ctx.Manager()
//	in := m.InputBufferContent() // written by the preprocessing pass
//	if err := m.Run(); err != nil && nnfx.IsFatal(err) {
//	    log.Fatal(err)
//	}
//	out := m.OutputBuffer() // read by the composite pass
//
// # Errors
//
// [*ModelLoadError] and [*AllocationError] are fatal, as is [ErrDeviceHung].
// [*ShapeMismatchError] and [*EngineExecutionError] only affect the current
// frame; use [IsFatal] and [IsRecoverable] to classify.
//
// # Logging
//
// nnfx is silent by default. Use [SetLogger] to route log/slog output.
package nnfx
