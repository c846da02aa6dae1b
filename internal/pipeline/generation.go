package pipeline

import "sync/atomic"

// Generation tags every record flowing through the pipeline with the
// interrupt epoch it belongs to. An interrupt bumps the counter, so
// records synthesized for a cancelled turn that surface after the drain
// are recognizably stale and dropped instead of played as phantom audio.
type Generation struct {
	v atomic.Uint64
}

func (g *Generation) Current() uint64 {
	return g.v.Load()
}

func (g *Generation) Bump() uint64 {
	return g.v.Add(1)
}
