package autotune

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/autotune/hal"
)

// newTestAutotuner returns an autotuner on a fresh software device.
func newTestAutotuner(t *testing.T, cfg Config) (*Autotuner, *hal.SoftwareDevice) {
	t.Helper()
	dev := hal.NewSoftwareDevice()
	at, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return at, dev
}

// simpleCmdBuffer builds a command buffer recording one single-sampled
// color pass with the given usage and draw statistics.
func simpleCmdBuffer(usage UsageFlags, draws, cost uint32) *CmdBuffer {
	return &CmdBuffer{
		Usage:              usage,
		DrawCallCount:      draws,
		TotalDrawCallsCost: cost,
		Pass: &RenderPassDesc{
			Attachments: []AttachmentDesc{{Format: 1, Samples: 1}},
			Subpasses:   []SubpassDesc{{Samples: 1, ColorCount: 1}},
		},
		Framebuffer: &FramebufferDesc{Width: 1920, Height: 1080, Layers: 1},
		Attachments: []AttachmentView{
			{Width: 1920, Height: 1080, Format: 1, LayerCount: 1, LevelCount: 1},
		},
	}
}

// recordPass runs the UseBypass/Begin/End sequence for cb's render pass
// and returns the decision, the handle and the recorded stream.
func recordPass(t *testing.T, at *Autotuner, dev *hal.SoftwareDevice, cb *CmdBuffer) (RenderMode, *RenderPassResult, hal.Stream) {
	t.Helper()
	mode, res := at.UseBypass(cb)
	cs := dev.NewStream(4)
	if err := at.BeginRenderPass(cb, cs, res); err != nil {
		t.Fatalf("BeginRenderPass failed: %v", err)
	}
	at.EndRenderPass(cb, cs, res)
	return mode, res, cs
}

func TestColdStart(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	mode, res, _ := recordPass(t, at, dev, cb)

	if mode != ModeSysmem {
		t.Errorf("cold start: expected sysmem via fallback, got %v", mode)
	}
	if res == nil {
		t.Fatal("cold start: expected an instrumented pass")
	}

	if !SubmitRequiresFence([]*CmdBuffer{cb}) {
		t.Error("expected batch to require a fence")
	}
	fenceCS := at.OnSubmit([]*CmdBuffer{cb})
	if fenceCS == nil {
		t.Fatal("expected a fence stream")
	}

	if at.fenceCounter != 1 {
		t.Errorf("expected fence counter 1, got %d", at.fenceCounter)
	}
	if n := at.table.len(); n != 1 {
		t.Errorf("expected 1 history entry, got %d", n)
	}
	h := at.table.getOrInsert(res.fp)
	if c := h.count.Load(); c != 0 {
		t.Errorf("expected pending entry with count 0, got %d", c)
	}
	if n := at.pendingResults.len(); n != 1 {
		t.Errorf("expected 1 pending result, got %d", n)
	}
	if n := len(at.pendingSubmissions); n != 1 {
		t.Errorf("expected 1 pending submission, got %d", n)
	}
}

func TestRetirement(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	_, res, passCS := recordPass(t, at, dev, cb)
	fenceCS := at.OnSubmit([]*CmdBuffer{cb})

	// Simulate the GPU running the submission: the pass writes its
	// counter pair, then the fence write lands.
	if err := dev.Execute(passCS); err != nil {
		t.Fatalf("Execute(passCS) failed: %v", err)
	}
	if err := dev.Execute(fenceCS); err != nil {
		t.Fatalf("Execute(fenceCS) failed: %v", err)
	}

	if cs := at.OnSubmit(nil); cs != nil {
		t.Error("empty batch should not produce a fence stream")
	}

	h := at.table.getOrInsert(res.fp)
	if c := h.count.Load(); c != 1 {
		t.Errorf("expected 1 retired result, got %d", c)
	}
	if avg, ok := h.average(); !ok || avg != 0 {
		t.Errorf("expected average 0, got %d (ok=%v)", avg, ok)
	}
	if !at.pendingResults.empty() {
		t.Error("expected pending results to be drained")
	}
	if len(at.pendingSubmissions) != 0 {
		t.Error("expected pending submissions to be drained")
	}
	if at.fenceCounter != 2 {
		t.Errorf("expected fence counter 2, got %d", at.fenceCounter)
	}
}

func TestLowSampleSysmemPick(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	_, _, passCS := recordPass(t, at, dev, cb)
	fenceCS := at.OnSubmit([]*CmdBuffer{cb})
	if err := dev.Execute(passCS); err != nil {
		t.Fatal(err)
	}
	if err := dev.Execute(fenceCS); err != nil {
		t.Fatal(err)
	}
	at.OnSubmit(nil)

	// Same pass shape, new statistics: history average is 0 < 500.
	again := simpleCmdBuffer(0, 50, 50000)
	mode, res := at.UseBypass(again)
	if mode != ModeSysmem {
		t.Errorf("expected sysmem for near-empty pass, got %v", mode)
	}
	if res == nil {
		t.Error("expected an instrumented pass")
	}
}

func TestHighSampleGMEMPick(t *testing.T) {
	at, _ := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(0, 50, 50000)
	fp := cb.fingerprint()

	// Seed the window with five heavy results.
	h := at.table.getOrInsert(fp)
	for i := 0; i < 5; i++ {
		h.addResult(&RenderPassResult{fp: fp, samplesPassed: 1000000}, DefaultMaxHistoryResults)
	}

	// sample_cost = 50000/50 = 1000;
	// single_draw_cost = 1000000*1000/50 = 2e7 >= 6000 → gmem.
	mode, res := at.UseBypass(cb)
	if mode != ModeGMEM {
		t.Errorf("expected gmem for heavy pass, got %v", mode)
	}
	if res == nil {
		t.Error("expected an instrumented pass even for gmem")
	}
}

func TestStaticRefusals(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SubpassDesc)
	}{
		{"raster order access", func(sp *SubpassDesc) { sp.RasterOrderAttachmentAccess = true }},
		{"color feedback loop", func(sp *SubpassDesc) { sp.FeedbackLoopColor = true }},
		{"depth stencil feedback loop", func(sp *SubpassDesc) { sp.FeedbackLoopDS = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, _ := newTestAutotuner(t, Config{})
			defer at.Close()

			// Even a history screaming "sysmem" must not override a
			// static refusal.
			cb := simpleCmdBuffer(UsageOneTimeSubmit, 1, 10)
			tt.mutate(&cb.Pass.Subpasses[0])
			h := at.table.getOrInsert(cb.fingerprint())
			h.addResult(&RenderPassResult{samplesPassed: 0}, DefaultMaxHistoryResults)

			mode, res := at.UseBypass(cb)
			if mode != ModeGMEM {
				t.Errorf("expected gmem, got %v", mode)
			}
			if res != nil {
				t.Error("refused pass should not be instrumented")
			}
		})
	}
}

func TestFallbackHeuristic(t *testing.T) {
	tests := []struct {
		name  string
		draws uint32
		msaa  uint32
		want  RenderMode
	}{
		{"tiny single sampled", 3, 1, ModeSysmem},
		{"five draws exactly", 5, 1, ModeSysmem},
		{"six draws", 6, 1, ModeGMEM},
		{"tiny but msaa", 2, 4, ModeGMEM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, _ := newTestAutotuner(t, Config{})
			defer at.Close()

			cb := simpleCmdBuffer(UsageOneTimeSubmit, tt.draws, tt.draws*100)
			cb.Pass.Subpasses[0].Samples = tt.msaa

			mode, _ := at.UseBypass(cb)
			if mode != tt.want {
				t.Errorf("draws=%d msaa=%d: expected %v, got %v",
					tt.draws, tt.msaa, tt.want, mode)
			}
		})
	}
}

func TestDisabledUsesFallback(t *testing.T) {
	at, _ := newTestAutotuner(t, Config{Disabled: true})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	mode, res := at.UseBypass(cb)
	if mode != ModeSysmem {
		t.Errorf("expected fallback sysmem, got %v", mode)
	}
	if res != nil {
		t.Error("disabled autotuner should not instrument passes")
	}
}

func TestSimultaneousUseUsesFallback(t *testing.T) {
	at, _ := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageSimultaneousUse, 30, 3000)
	mode, res := at.UseBypass(cb)
	if mode != ModeGMEM {
		t.Errorf("expected fallback gmem for 30 draws, got %v", mode)
	}
	if res != nil {
		t.Error("simultaneous-use buffer should not be instrumented")
	}
}

func TestAging(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	_, res, passCS := recordPass(t, at, dev, cb)
	fenceCS := at.OnSubmit([]*CmdBuffer{cb}) // fence 1, lastFence 1
	if err := dev.Execute(passCS); err != nil {
		t.Fatal(err)
	}
	if err := dev.Execute(fenceCS); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 128; i++ {
		at.OnSubmit(nil)
	}
	// fenceCounter is 129; 129-1 = 128 is within the lifetime.
	if _, ok := at.table.lookupAverage(res.fp); !ok {
		t.Fatal("entry should survive 128 submissions")
	}

	at.OnSubmit(nil)
	at.OnSubmit(nil)
	// fenceCounter is 131; 130 > 128, entry must be gone.
	if _, ok := at.table.lookupAverage(res.fp); ok {
		t.Fatal("entry should have aged out")
	}
	if n := at.table.len(); n != 0 {
		t.Errorf("expected empty table, got %d entries", n)
	}
}

func TestReusableCmdBufferCopiesResults(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	// No one-time-submit flag: results must stay with the buffer.
	cb := simpleCmdBuffer(0, 3, 300)
	_, res, passCS := recordPass(t, at, dev, cb)

	fenceCS := at.OnSubmit([]*CmdBuffer{cb})
	if !cb.HasResults() {
		t.Fatal("reusable buffer should keep its result records")
	}
	if n := at.pendingResults.len(); n != 1 {
		t.Fatalf("expected 1 queued clone, got %d", n)
	}
	if res.fence != 1 {
		t.Errorf("expected original record fence 1, got %d", res.fence)
	}

	if err := dev.Execute(passCS); err != nil {
		t.Fatal(err)
	}
	if err := dev.Execute(fenceCS); err != nil {
		t.Fatal(err)
	}

	// Resubmit without re-recording.
	fenceCS2 := at.OnSubmit([]*CmdBuffer{cb})
	if fenceCS2 == nil {
		t.Fatal("resubmission should carry results again")
	}
	if res.fence != 2 {
		t.Errorf("expected re-assigned fence 2, got %d", res.fence)
	}

	h := at.table.getOrInsert(res.fp)
	if c := h.count.Load(); c != 1 {
		t.Errorf("expected first clone retired, got count %d", c)
	}
}

func TestBufferLiveness(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	_, _, passCS := recordPass(t, at, dev, cb)

	buf := cb.buffer
	if got := buf.refs.Load(); got != 1 {
		t.Fatalf("expected recorder-only refcount 1, got %d", got)
	}

	fenceCS := at.OnSubmit([]*CmdBuffer{cb})
	if got := buf.refs.Load(); got != 2 {
		t.Fatalf("expected refcount 2 while submission pends, got %d", got)
	}

	if err := dev.Execute(passCS); err != nil {
		t.Fatal(err)
	}
	if err := dev.Execute(fenceCS); err != nil {
		t.Fatal(err)
	}
	at.OnSubmit(nil)
	if got := buf.refs.Load(); got != 1 {
		t.Fatalf("expected refcount 1 after retirement, got %d", got)
	}

	cb.ResetResults()
	if got := buf.refs.Load(); got != 0 {
		t.Fatalf("expected refcount 0 after recorder release, got %d", got)
	}
	if buf.bufs != nil {
		t.Error("expected device allocations freed on last unref")
	}
}

func TestFenceMonotonicity(t *testing.T) {
	at, _ := newTestAutotuner(t, Config{})
	defer at.Close()

	var last uint32
	for i := 0; i < 1000; i++ {
		at.OnSubmit(nil)
		if at.fenceCounter <= last {
			t.Fatalf("fence counter not strictly increasing: %d after %d",
				at.fenceCounter, last)
		}
		last = at.fenceCounter
	}
	if last == 0 {
		t.Fatal("fence counter revisited zero")
	}
}

func TestBeginRenderPassOutOfMemory(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	_, res := at.UseBypass(cb)
	if res == nil {
		t.Fatal("expected an instrumented pass")
	}

	dev.SetAllocBudget(0)
	cs := dev.NewStream(4)
	err := at.BeginRenderPass(cb, cs, res)
	if !errors.Is(err, hal.ErrOutOfDeviceMemory) {
		t.Fatalf("expected ErrOutOfDeviceMemory, got %v", err)
	}
	if cs.Len() != 0 {
		t.Error("no packets should be emitted on allocation failure")
	}
	if cb.buffer.written != 0 {
		t.Error("failed reservation must not advance the cursor")
	}
	if cb.HasResults() {
		t.Error("failed instrumentation must not queue a result")
	}
}

func TestNilResultIsNoop(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	cs := dev.NewStream(4)
	if err := at.BeginRenderPass(cb, cs, nil); err != nil {
		t.Fatalf("nil result should be a no-op, got %v", err)
	}
	at.EndRenderPass(cb, cs, nil)
	if cs.Len() != 0 {
		t.Errorf("expected no packets, got %d", cs.Len())
	}
	if cb.buffer != nil {
		t.Error("no measurement memory should be attached")
	}
}

func TestCloseDropsPendingWork(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})

	cb := simpleCmdBuffer(UsageOneTimeSubmit, 3, 300)
	recordPass(t, at, dev, cb)
	buf := cb.buffer
	at.OnSubmit([]*CmdBuffer{cb})

	// Nothing retires; Close must still release the submission's buffer
	// reference.
	at.Close()
	if got := buf.refs.Load(); got != 1 {
		t.Errorf("expected only the recorder reference after Close, got %d", got)
	}
	if !at.pendingResults.empty() {
		t.Error("expected pending results dropped")
	}
	if len(at.pendingSubmissions) != 0 {
		t.Error("expected pending submissions dropped")
	}
}

func TestNewNilDevice(t *testing.T) {
	if _, err := New(nil, Config{}); !errors.Is(err, ErrNilDevice) {
		t.Fatalf("expected ErrNilDevice, got %v", err)
	}
}

// TestConcurrentRecording hammers the recording path from many goroutines
// while the submission path runs serially, the way a real driver does.
// Meant to run under -race.
func TestConcurrentRecording(t *testing.T) {
	at, dev := newTestAutotuner(t, Config{})
	defer at.Close()

	const workers = 8
	const passes = 20

	done := make(chan *CmdBuffer, workers*passes)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < passes; i++ {
				cb := simpleCmdBuffer(UsageOneTimeSubmit, uint32(i%10+1), 100)
				cb.Framebuffer.Width = uint32(256 << (w % 4))
				_, res := at.UseBypass(cb)
				cs := dev.NewStream(4)
				if err := at.BeginRenderPass(cb, cs, res); err != nil {
					t.Errorf("BeginRenderPass: %v", err)
					return
				}
				at.EndRenderPass(cb, cs, res)
				done <- cb
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	// The test goroutine is the submission thread.
	var streams []hal.Stream
	for cb := range done {
		if cs := at.OnSubmit([]*CmdBuffer{cb}); cs != nil {
			streams = append(streams, cs)
		}
	}
	for _, cs := range streams {
		if err := dev.Execute(cs); err != nil {
			t.Fatal(err)
		}
	}
	at.OnSubmit(nil)

	if at.table.len() == 0 {
		t.Error("expected history entries after concurrent recording")
	}
	if !at.pendingResults.empty() {
		t.Error("expected all results retired")
	}
}
