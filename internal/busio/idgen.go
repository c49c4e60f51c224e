package busio

import "sync/atomic"

// txIDGenerator produces monotonically increasing, never-reused
// transaction ids shared across every BusManager in the process — the
// registry demuxer must be able to find a txId's owning instrument
// regardless of which bus issued it, so ids cannot be scoped per-bus.
//
// An atomic counter incremented with Add(1), safe under concurrent
// submission from multiple bus worker goroutines.
type txIDGenerator struct {
	counter atomic.Uint64
}

// newTxIDGenerator returns a generator starting at 1; 0 is never issued,
// so callers can use it as a "no transaction" sentinel if needed.
func newTxIDGenerator() *txIDGenerator {
	return &txIDGenerator{}
}

// NewSharedIDGenerator returns a transaction id generator meant to be
// passed to every BusManager's New, so transaction ids stay globally
// unique across all configured buses — required for the registry's
// demux-by-txId to ever work across more than one bus.
func NewSharedIDGenerator() *txIDGenerator {
	return newTxIDGenerator()
}

func (g *txIDGenerator) Next() uint64 {
	return g.counter.Add(1)
}
