package scan

import (
	"fmt"
	"sync/atomic"
)

// JobCounters tracks how many jobs of a bulk scan finished in each
// terminal status. Increments are atomic; the total returned by Increment
// is the sum across all statuses after the increment, which the monitor
// compares against the expected job count to detect completion.
type JobCounters struct {
	counters map[JobStatus]*atomic.Int64
	total    atomic.Int64
}

// NewJobCounters creates counters initialized to zero for every terminal
// status. TO_BE_EXECUTED is deliberately absent; a done-notification for
// an unfinished job is a protocol violation.
func NewJobCounters() *JobCounters {
	c := &JobCounters{counters: make(map[JobStatus]*atomic.Int64, len(TerminalStatuses()))}
	for _, s := range TerminalStatuses() {
		c.counters[s] = &atomic.Int64{}
	}
	return c
}

// Increment bumps the counter for the given status and returns the new
// total across all statuses.
func (c *JobCounters) Increment(status JobStatus) (int64, error) {
	counter, ok := c.counters[status]
	if !ok {
		return c.total.Load(), fmt.Errorf("scan: no counter for status %s", status)
	}
	counter.Add(1)
	return c.total.Add(1), nil
}

// Get returns the current count for one status.
func (c *JobCounters) Get(status JobStatus) int64 {
	if counter, ok := c.counters[status]; ok {
		return counter.Load()
	}
	return 0
}

// Total returns the number of increments across all statuses.
func (c *JobCounters) Total() int64 {
	return c.total.Load()
}

// Snapshot returns a copy of the per-status counts. Entries are read
// atomically one at a time; the map is not a single instant across all
// statuses.
func (c *JobCounters) Snapshot() map[JobStatus]int64 {
	out := make(map[JobStatus]int64, len(c.counters))
	for status, counter := range c.counters {
		out[status] = counter.Load()
	}
	return out
}
