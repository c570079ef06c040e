// Package autotune decides, as a command buffer records a render pass,
// whether that pass should execute in tile-local GMEM or bypass the tile
// loop and render directly to system memory.
//
// # How it works
//
//   - For each render pass the hardware stores the sample counter before
//     and after the pass into device memory owned by the recording command
//     buffer.
//   - Each instrumented pass gets a RenderPassResult pointing at those two
//     counters, keyed by a structural fingerprint of the render pass.
//   - At submit time results are queued behind a fence: a tiny command
//     stream appended to the submission writes the submission id into a
//     device-global cell after all prior GPU work retires.
//   - On later submits, results whose fence the CPU has observed are folded
//     into a per-fingerprint history window; the window's average sample
//     count drives the GMEM/sysmem decision for the next recording of the
//     same pass.
//
// # Concurrency
//
// UseBypass, BeginRenderPass and EndRenderPass may run on any thread,
// concurrently on distinct command buffers, and never block on the GPU.
// OnSubmit, Close and the history aging sweep run only on the caller's
// serialized submission path. The history table is guarded by a
// single-writer/many-reader lock; the published averages are read
// atomically outside it.
//
// # Quick start
//
//	dev, _ := hal.Default()
//	at, _ := autotune.New(dev, autotune.Config{})
//	defer at.Close()
//
//	mode, res := at.UseBypass(cb)       // per render pass, before recording
//	at.BeginRenderPass(cb, cs, res)     // emits samples_start write
//	// ... record the pass in mode ...
//	at.EndRenderPass(cb, cs, res)       // emits samples_end write
//
//	if autotune.SubmitRequiresFence(cbs) {
//	    fenceCS := at.OnSubmit(cbs)     // append fenceCS to the submission
//	}
package autotune
