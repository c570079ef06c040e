package autotune

// UsageFlags are the command-buffer usage modes the autotuner cares
// about. They change whether result records can be moved or must be
// copied at submit time, and whether the pass can be instrumented at all.
type UsageFlags uint32

const (
	// UsageOneTimeSubmit guarantees the command buffer is submitted
	// exactly once; its result list can be spliced away at submit.
	UsageOneTimeSubmit UsageFlags = 1 << iota

	// UsageSimultaneousUse permits concurrent submissions of the same
	// command buffer. Instrumenting those would require allocating
	// measurement storage at submit time, so the autotuner falls back
	// to the static heuristic instead.
	UsageSimultaneousUse
)

// CmdBuffer is the per-command-buffer state the autotuner reads and
// maintains. The recording driver owns one per command buffer, fills in
// the descriptor and draw statistics as it records, and hands the batch
// to OnSubmit.
//
// A CmdBuffer is confined to its recording thread until submit;
// ownership transfer at OnSubmit is the synchronization point.
type CmdBuffer struct {
	Usage UsageFlags

	// DrawCallCount and TotalDrawCallsCost are the recorded draw
	// statistics for the current render pass. Cost accumulates a
	// per-draw estimate of attachment reads+writes.
	DrawCallCount      uint32
	TotalDrawCallsCost uint32

	// Pass, Framebuffer and Attachments describe the render pass being
	// recorded; they feed the fingerprint.
	Pass        *RenderPassDesc
	Framebuffer *FramebufferDesc
	Attachments []AttachmentView

	// results accumulates this buffer's instrumented render passes.
	results resultList

	// buffer is the lazily created device memory the hardware writes
	// sample counters into.
	buffer *resultsBuffer
}

// fingerprint hashes the bound render pass, framebuffer and attachment
// views.
func (cb *CmdBuffer) fingerprint() Fingerprint {
	return FingerprintOf(cb.Pass, cb.Framebuffer, cb.Attachments)
}

// HasResults reports whether the command buffer accumulated any
// instrumented render passes.
func (cb *CmdBuffer) HasResults() bool {
	return !cb.results.empty()
}

// ResetResults discards accumulated results and drops the command
// buffer's reference on its measurement memory. The driver calls this
// when a command buffer is reset or destroyed without being submitted.
// Results already queued by a previous submit are unaffected: pending
// submissions hold their own buffer references.
func (cb *CmdBuffer) ResetResults() {
	cb.results.clear()
	if cb.buffer != nil {
		cb.buffer.unref()
		cb.buffer = nil
	}
}
