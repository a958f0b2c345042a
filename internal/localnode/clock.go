package localnode

import "sync/atomic"

// Clock is the replica's Lamport clock. Every mutation is stamped with a
// strictly increasing seq, and remote ops advance the clock past their own
// seq on arrival, so (seq, actor) totally orders concurrent writes the same
// way on every replica. No wall-clock time participates in merge.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used when replaying a persisted op log to resume from the last position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Observe advances the clock to at least seq. Called for every remote op so
// subsequent local writes sort after everything this replica has seen.
func (c *Clock) Observe(seq int64) {
	for {
		cur := c.seq.Load()
		if cur >= seq {
			return
		}
		if c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
