package autotune

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/intuitivelabs/counters"

	"github.com/gogpu/autotune/hal"
)

// Common autotune errors.
var (
	// ErrNilDevice is returned by New when no device is supplied.
	ErrNilDevice = errors.New("autotune: nil device")
)

// Default tunables.
const (
	// DefaultMaxHistoryResults is how many recent render-pass results
	// feed the average.
	DefaultMaxHistoryResults = 5

	// DefaultMaxHistoryLifetime is for how many submissions an
	// untouched history entry is kept.
	DefaultMaxHistoryLifetime = 128

	// DefaultResultBufferSize is the size of one device allocation for
	// sample-counter slots.
	DefaultResultBufferSize = 4096
)

// Heuristic thresholds. Both are empirical; they ship as-is.
const (
	// sysmemAvgSamplesLimit: below this average the pass is assumed to
	// be a clear, or a clear plus draws touching almost no samples, and
	// the tile loop is pure overhead.
	sysmemAvgSamplesLimit = 500

	// sysmemSingleDrawCostLimit: below this estimated per-draw cost the
	// bypass still wins even with real coverage.
	sysmemSingleDrawCostLimit = 6000.0

	// fallbackMaxDrawCalls: with no history, passes at or under this
	// many draws are bypassed.
	fallbackMaxDrawCalls = 5
)

// RenderMode selects how a render pass executes.
type RenderMode uint8

const (
	// ModeGMEM renders tile by tile through on-chip memory.
	ModeGMEM RenderMode = iota

	// ModeSysmem renders directly to system memory, skipping the tile
	// loop.
	ModeSysmem
)

// String returns the mode name.
func (m RenderMode) String() string {
	switch m {
	case ModeGMEM:
		return "gmem"
	case ModeSysmem:
		return "sysmem"
	default:
		return fmt.Sprintf("RenderMode(%d)", uint8(m))
	}
}

// Config configures an Autotuner. The zero value selects all defaults.
type Config struct {
	// MaxHistoryResults bounds the per-fingerprint result window.
	// If 0, defaults to DefaultMaxHistoryResults.
	MaxHistoryResults int

	// MaxHistoryLifetime is the aging horizon in submissions.
	// If 0, defaults to DefaultMaxHistoryLifetime.
	MaxHistoryLifetime uint32

	// ResultBufferSize is the per-allocation size for result slots.
	// If 0, defaults to DefaultResultBufferSize.
	ResultBufferSize int

	// Disabled turns history collection and history-driven decisions
	// off; every pass goes through the static fallback.
	Disabled bool

	// DumpHistoryOnClose drains whatever has retired and logs every
	// history entry during Close, at info level. Useful for gathering
	// tuning data from traces.
	DumpHistoryOnClose bool
}

func (c Config) withDefaults() Config {
	if c.MaxHistoryResults == 0 {
		c.MaxHistoryResults = DefaultMaxHistoryResults
	}
	if c.MaxHistoryLifetime == 0 {
		c.MaxHistoryLifetime = DefaultMaxHistoryLifetime
	}
	if c.ResultBufferSize == 0 {
		c.ResultBufferSize = DefaultResultBufferSize
	}
	return c
}

// Autotuner owns the render-pass history and the fence bookkeeping that
// ties GPU-written sample counts back to fingerprints.
//
// UseBypass, BeginRenderPass and EndRenderPass are safe to call from any
// thread on distinct command buffers. OnSubmit and Close must run on the
// caller's serialized submission path.
type Autotuner struct {
	dev     hal.Device
	cfg     Config
	enabled bool

	table historyTable

	// pendingResults and pendingSubmissions are FIFO by fence and are
	// touched only on the submission path.
	pendingResults     resultList
	pendingSubmissions []*submissionData

	// fenceCounter is pre-incremented on submit; zero never names a
	// real submission.
	fenceCounter uint32

	stats stats
}

// New creates an Autotuner for dev.
func New(dev hal.Device, cfg Config) (*Autotuner, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	at := &Autotuner{
		dev:     dev,
		cfg:     cfg.withDefaults(),
		enabled: !cfg.Disabled,
	}
	at.table.init()
	at.stats.init()
	return at, nil
}

// Close frees every pending result and submission record and drops the
// history table. Pending results will never retire once the autotuner is
// gone; they are simply discarded. Runs on the submission path.
func (at *Autotuner) Close() {
	if at.cfg.DumpHistoryOnClose {
		at.processResults()
		at.table.each(func(h *history) {
			Logger().Info("autotune: history entry",
				slog.String("fingerprint", fmt.Sprintf("%016x", uint64(h.fp))),
				slog.Uint64("avg_passed", h.avgSamples.Load()),
				slog.Uint64("results", uint64(h.count.Load())))
		})
	}

	at.pendingResults.clear()
	at.table.sweep(func(*history) bool { return true })

	for _, sub := range at.pendingSubmissions {
		sub.destroy()
	}
	at.pendingSubmissions = nil
}

// Stats returns the autotuner's counter group.
func (at *Autotuner) Stats() *counters.Group { return at.stats.grp }

// UseBypass decides how the render pass about to be recorded into cb
// should execute, and returns the opaque result handle that must be
// passed to BeginRenderPass and EndRenderPass. A nil handle means the
// pass is not instrumented.
//
// Called once per render pass, before its body is recorded; never blocks.
func (at *Autotuner) UseBypass(cb *CmdBuffer) (RenderMode, *RenderPassResult) {
	pass := cb.Pass

	for i := range pass.Subpasses {
		sp := &pass.Subpasses[i]

		// GMEM works much faster with rasterization-order access.
		if sp.RasterOrderAttachmentAccess {
			at.stats.inc(at.stats.hRefused)
			return ModeGMEM, nil
		}

		// A feedback loop in sysmem would force a flush per
		// overlapping primitive.
		if sp.FeedbackLoopColor || sp.FeedbackLoopDS {
			at.stats.inc(at.stats.hRefused)
			return ModeGMEM, nil
		}
	}

	// Simultaneous-use buffers would need measurement storage allocated
	// at submit time and results copied into it. Native games usually
	// don't use the flag; neither do Zink or DXVK.
	simultaneous := cb.Usage&UsageSimultaneousUse != 0

	if !at.enabled || simultaneous {
		at.stats.inc(at.stats.hFallback)
		return at.fallback(cb), nil
	}

	fp := cb.fingerprint()
	res := newResult(fp)

	if avg, ok := at.table.lookupAverage(fp); ok {
		// A low sample count could mean there was only a clear, or a
		// clear plus draws that touch no or few samples.
		if avg < sysmemAvgSamplesLimit {
			Logger().Debug("autotune: selecting sysmem",
				slog.String("fingerprint", fmt.Sprintf("%016x", uint64(fp))),
				slog.Uint64("drawcalls", uint64(cb.DrawCallCount)),
				slog.Uint64("avg_samples", avg))
			at.stats.inc(at.stats.hSysmem)
			return ModeSysmem, res
		}

		// Cost-per-sample estimates the average number of reads+writes
		// for a given passed sample.
		sampleCost := float64(cb.TotalDrawCallsCost) / float64(cb.DrawCallCount)
		singleDrawCost := float64(avg) * sampleCost / float64(cb.DrawCallCount)

		mode := ModeGMEM
		if singleDrawCost < sysmemSingleDrawCostLimit {
			mode = ModeSysmem
			at.stats.inc(at.stats.hSysmem)
		} else {
			at.stats.inc(at.stats.hGmem)
		}

		Logger().Debug("autotune: history decision",
			slog.String("fingerprint", fmt.Sprintf("%016x", uint64(fp))),
			slog.Uint64("drawcalls", uint64(cb.DrawCallCount)),
			slog.Uint64("avg_samples", avg),
			slog.Float64("sample_cost", sampleCost),
			slog.Float64("single_draw_cost", singleDrawCost),
			slog.String("mode", mode.String()))
		return mode, res
	}

	at.stats.inc(at.stats.hFallback)
	return at.fallback(cb), res
}

// fallback is the static heuristic used with no history: trivially small
// single-sampled passes are worth bypassing even unmeasured; anything
// with MSAA is essentially always better in the tile buffer.
func (at *Autotuner) fallback(cb *CmdBuffer) RenderMode {
	if cb.DrawCallCount > fallbackMaxDrawCalls {
		return ModeGMEM
	}
	for i := range cb.Pass.Subpasses {
		if cb.Pass.Subpasses[i].Samples != 1 {
			return ModeGMEM
		}
	}
	return ModeSysmem
}

// BeginRenderPass reserves a sample-counter slot for res and emits into
// cs the packets that capture samples_start. A nil res is a no-op.
//
// On allocation failure no partial state is retained: the render pass
// still records, merely uninstrumented, and the caller surfaces the
// error as device-lost on the command buffer.
func (at *Autotuner) BeginRenderPass(cb *CmdBuffer, cs hal.Stream, res *RenderPassResult) error {
	if res == nil {
		return nil
	}

	// Lazily allocate measurement memory for this command buffer.
	if cb.buffer == nil {
		cb.buffer = newResultsBuffer(at.dev, at.cfg.ResultBufferSize)
	}

	nbufs := len(cb.buffer.bufs)
	if err := res.bindSlot(cb.buffer); err != nil {
		return fmt.Errorf("autotune: instrumenting render pass: %w", err)
	}
	if len(cb.buffer.bufs) > nbufs {
		at.stats.inc(at.stats.hBuffers)
	}

	cs.CopySampleCounter(res.startAddr())
	cs.ZPassDone()
	return nil
}

// EndRenderPass emits the samples_end capture, commits the slot and hands
// the result to the command buffer, where OnSubmit will pick it up. A nil
// res is a no-op.
func (at *Autotuner) EndRenderPass(cb *CmdBuffer, cs hal.Stream, res *RenderPassResult) {
	if res == nil {
		return
	}

	cs.CopySampleCounter(res.endAddr())
	cs.ZPassDone()

	cb.buffer.commitSlot()
	cb.results.pushTail(res)
}

// SubmitRequiresFence reports whether OnSubmit for this batch will return
// a fence stream the caller must append to the submission.
func SubmitRequiresFence(cbs []*CmdBuffer) bool {
	for _, cb := range cbs {
		if cb.HasResults() {
			return true
		}
	}
	return false
}
