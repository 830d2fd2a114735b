package engine

import "sync/atomic"

// Clock is the ledger's monotonic logical clock.
//
// Every ledger entry is stamped with a strictly increasing seq from this
// clock. Ordering never depends on wall time, so a replayed ledger has the
// same order as the original.
//
// Safe for concurrent use. Submissions on disjoint partitions call Next from
// different goroutines.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start, typically the
// ledger's highest recorded seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Observe advances the clock to seq if it is behind. The ledger may assign a
// higher seq than Next proposed when another writer shares the database.
func (c *Clock) Observe(seq int64) {
	for {
		cur := c.seq.Load()
		if seq <= cur || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
