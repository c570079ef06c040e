package autotune

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/autotune/hal"
)

// submissionData holds the per-submission fence stream and the result
// buffers kept alive until the fence retires. Result lifetime must not
// depend on command-buffer lifetime: the application may free a command
// buffer long before the GPU finishes the submission.
type submissionData struct {
	fence   uint32
	fenceCS hal.Stream
	buffers []*resultsBuffer
}

// destroy drops the submission's buffer references.
func (sub *submissionData) destroy() {
	for _, b := range sub.buffers {
		b.unref()
	}
	sub.buffers = nil
}

// newSubmission builds the fence command stream for the given id — a
// cache-flush timestamp write of id into the device-global fence cell —
// and queues the record. Once a CPU read of the cell observes a value at
// or past id, every sample-counter write fenced by id is visible.
func (at *Autotuner) newSubmission(fence uint32) *submissionData {
	cs := at.dev.NewStream(1)
	cs.WriteAfterFlush(at.dev.FenceAddr(), fence)

	sub := &submissionData{fence: fence, fenceCS: cs}
	at.pendingSubmissions = append(at.pendingSubmissions, sub)
	return sub
}

// processResults retires everything the GPU has finished: pending results
// are finalized and folded into their history entries, pending submission
// records drop their buffer references. Both lists are FIFO by fence, so
// each walk stops at the first non-retired element. Submission path only.
func (at *Autotuner) processResults() {
	current := at.dev.ReadFence()

	for r := at.pendingResults.head; r != nil && r.fence <= current; r = at.pendingResults.head {
		at.pendingResults.popHead()
		r.finalize()
		r.hist.addResult(r, at.cfg.MaxHistoryResults)
		at.stats.inc(at.stats.hRetired)
	}

	n := 0
	for _, sub := range at.pendingSubmissions {
		if sub.fence > current {
			break
		}
		sub.destroy()
		n++
	}
	at.pendingSubmissions = at.pendingSubmissions[n:]
}

// queuePendingResults moves or copies cb's results onto the pending
// queue. One-time-submit buffers give their list up wholesale; reusable
// buffers keep their records (fence and history are re-assigned on every
// submit) and clones retire on their behalf.
func (at *Autotuner) queuePendingResults(cb *CmdBuffer) {
	if cb.Usage&UsageOneTimeSubmit != 0 {
		at.pendingResults.spliceTail(&cb.results)
		return
	}

	for r := cb.results.head; r != nil; r = r.next {
		clone := *r
		at.pendingResults.pushTail(&clone)
	}
}

// OnSubmit harvests the batch's render-pass results and returns the fence
// command stream the caller must append to the kernel submission, or nil
// when no command buffer in the batch carries results (the caller can
// check with SubmitRequiresFence). Runs on the serialized submission
// path; also retires previously completed work.
func (at *Autotuner) OnSubmit(cbs []*CmdBuffer) hal.Stream {
	at.processResults()

	// Pre-increment so zero is never a valid fence.
	at.fenceCounter++
	newFence := at.fenceCounter

	// Resolve history entries here to keep render-pass recording free
	// of table writes and locking.
	resultBuffers := 0
	for _, cb := range cbs {
		for r := cb.results.head; r != nil; r = r.next {
			h := at.table.getOrInsert(r.fp)
			h.lastFence = newFence
			r.fence = newFence
			r.hist = h
		}
		if cb.HasResults() {
			resultBuffers++
		}
	}

	var fenceCS hal.Stream
	if resultBuffers > 0 {
		sub := at.newSubmission(newFence)
		sub.buffers = make([]*resultsBuffer, 0, resultBuffers)

		for _, cb := range cbs {
			if !cb.HasResults() {
				continue
			}
			// The submission keeps the measurement memory alive even
			// if the command buffer is freed before retirement.
			cb.buffer.ref()
			sub.buffers = append(sub.buffers, cb.buffer)
			at.queuePendingResults(cb)
		}
		fenceCS = sub.fenceCS
	}

	Logger().Debug("autotune: submitted batch",
		slog.Uint64("fence", uint64(newFence)),
		slog.Int("history_entries", at.table.len()))

	at.ageHistory(newFence)
	return fenceCS
}

// ageHistory removes entries no submission has touched for
// MaxHistoryLifetime submissions. The assumption is that the application
// does not sit on many old unsubmitted command buffers, otherwise the
// table could grow large between sweeps.
func (at *Autotuner) ageHistory(newFence uint32) {
	at.table.sweep(func(h *history) bool {
		if h.lastFence == 0 || newFence-h.lastFence <= at.cfg.MaxHistoryLifetime {
			return false
		}
		Logger().Debug("autotune: evicting history entry",
			slog.String("fingerprint", fmt.Sprintf("%016x", uint64(h.fp))))
		at.stats.inc(at.stats.hEvicted)
		return true
	})
}
