package autotune

import (
	"github.com/intuitivelabs/counters"
)

// stats is the autotuner's counter group. Registered once per Autotuner;
// the recording path increments decision counters concurrently, the
// submission path increments lifecycle counters.
type stats struct {
	grp *counters.Group

	hSysmem   counters.Handle // history-driven sysmem picks
	hGmem     counters.Handle // history-driven gmem picks
	hFallback counters.Handle // decisions made by the static fallback
	hRefused  counters.Handle // static refusals (feedback loop etc.)
	hRetired  counters.Handle // results folded into history
	hEvicted  counters.Handle // history entries aged out
	hBuffers  counters.Handle // result buffer allocations
}

func (s *stats) init() bool {
	defs := [...]counters.Def{
		{H: &s.hSysmem, Name: "sysmem",
			Desc: "render passes directed to the sysmem bypass by history"},
		{H: &s.hGmem, Name: "gmem",
			Desc: "render passes kept in gmem by history"},
		{H: &s.hFallback, Name: "fallback",
			Desc: "decisions taken by the static fallback heuristic"},
		{H: &s.hRefused, Name: "refused",
			Desc: "render passes statically refused the bypass"},
		{H: &s.hRetired, Name: "retired",
			Desc: "renderpass results folded into history"},
		{H: &s.hEvicted, Name: "evicted",
			Desc: "history entries removed by the aging sweep"},
		{H: &s.hBuffers, Name: "result_bufs",
			Desc: "device allocations for sample-counter slots"},
	}

	// Register in the global counters registry so external tooling can
	// find the group; a second autotuner in the same process falls back
	// to a private group.
	entries := len(defs)
	s.grp = counters.NewGroup("autotune", nil, entries)
	if s.grp == nil || !s.grp.RegisterDefs(defs[:]) {
		s.grp = &counters.Group{}
		s.grp.Init("autotune", nil, entries)
		return s.grp.RegisterDefs(defs[:])
	}
	return true
}

func (s *stats) inc(h counters.Handle) {
	if s.grp != nil {
		s.grp.Inc(h)
	}
}
