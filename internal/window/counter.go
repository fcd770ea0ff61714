// Package window keeps the rolling record of request arrivals.
package window

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultCompactThreshold is the record length above which an append also
// evicts entries that have aged out of the window.
const DefaultCompactThreshold = 5000

// ErrInvalidTimestamp is returned for arrivals before the epoch, which the
// clock never produces.
var ErrInvalidTimestamp = errors.New("window: invalid arrival timestamp")

// Counter is a concurrency-safe, time-ordered record of arrival instants in
// epoch milliseconds plus a cumulative total of all arrivals ever recorded.
type Counter struct {
	mu       sync.RWMutex
	arrivals []int64 // ascending
	total    uint64

	retention int64 // ms
	threshold int
}

// NewCounter creates a Counter retaining arrivals for the given window.
// A threshold <= 0 selects DefaultCompactThreshold.
func NewCounter(retention time.Duration, threshold int) *Counter {
	if threshold <= 0 {
		threshold = DefaultCompactThreshold
	}
	return &Counter{
		arrivals:  make([]int64, 0, 64),
		retention: retention.Milliseconds(),
		threshold: threshold,
	}
}

// Retention returns the window the Counter retains arrivals for.
func (c *Counter) Retention() time.Duration {
	return time.Duration(c.retention) * time.Millisecond
}

// RecordArrival appends one arrival at ms and bumps the total.
func (c *Counter) RecordArrival(ms int64) error {
	if ms < 0 {
		return ErrInvalidTimestamp
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Two writers may read the clock in one order and take the lock in the
	// other, so insert in place rather than assume ms is the newest.
	n := len(c.arrivals)
	if n == 0 || c.arrivals[n-1] <= ms {
		c.arrivals = append(c.arrivals, ms)
	} else {
		i := sort.Search(n, func(i int) bool { return c.arrivals[i] > ms })
		c.arrivals = append(c.arrivals, 0)
		copy(c.arrivals[i+1:], c.arrivals[i:])
		c.arrivals[i] = ms
	}
	c.total++

	if len(c.arrivals) > c.threshold {
		c.evictLocked(c.arrivals[len(c.arrivals)-1] - c.retention)
	}
	return nil
}

// EvictOlderThan removes every arrival strictly before cutoff and returns
// how many were removed.
func (c *Counter) EvictOlderThan(cutoff int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(cutoff)
}

func (c *Counter) evictLocked(cutoff int64) int {
	i := sort.Search(len(c.arrivals), func(i int) bool { return c.arrivals[i] >= cutoff })
	if i == 0 {
		return 0
	}
	n := copy(c.arrivals, c.arrivals[i:])
	c.arrivals = c.arrivals[:n]
	return i
}

// CountSince returns the number of arrivals at or after threshold.
func (c *Counter) CountSince(threshold int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countSinceLocked(threshold)
}

func (c *Counter) countSinceLocked(threshold int64) int {
	i := sort.Search(len(c.arrivals), func(i int) bool { return c.arrivals[i] >= threshold })
	return len(c.arrivals) - i
}

// Window evicts everything before cutoff and then counts arrivals since each
// threshold, all under one lock so total and counts agree with each other.
func (c *Counter) Window(cutoff int64, thresholds ...int64) (total uint64, counts []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(cutoff)
	counts = make([]int, len(thresholds))
	for i, th := range thresholds {
		counts[i] = c.countSinceLocked(th)
	}
	return c.total, counts
}

// Total returns the number of arrivals recorded since the Counter was built.
func (c *Counter) Total() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Len returns the number of arrivals currently held.
func (c *Counter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.arrivals)
}
