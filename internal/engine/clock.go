package engine

import "sync/atomic"

// Sequencer hands out logical sequence numbers. Clock is the engine's own
// implementation; tests may supply a resettable one.
type Sequencer interface {
	Next() int64
	Current() int64
}

// Clock stamps runs with a strictly increasing sequence number. Run history
// is ordered by this number, never by wall-clock time.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at start, so a process reopening a
// plan store continues after the last recorded run.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
