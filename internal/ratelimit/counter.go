// Package ratelimit throttles repetitive warnings while keeping an exact
// count of how often they fired.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts occurrences and allows one log line per interval.
// The zero value never throttles. Safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
	now      func() time.Time
}

// NewCounter allows a log at most once per interval; interval <= 0 always
// allows.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc records one occurrence and reports the running total and whether the
// caller may log now.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := c.clock().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	return total, c.lastLog.CompareAndSwap(last, now)
}

// Total is the number of Inc calls so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

func (c *Counter) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
