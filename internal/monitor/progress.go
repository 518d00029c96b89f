// Package monitor tracks bulk scan completion on the controller side.
// It consumes done notifications, keeps per-status tallies and a
// completion-rate estimate, and finalizes the bulk scan record once
// every published job reported back.
package monitor

import (
	"time"

	"github.com/bulkprobe/bulkprobe/internal/scan"
)

const (
	// The smoothing factor starts out adaptive so early estimates
	// converge fast, then settles once enough jobs reported back.
	emaWarmupEvents = 20
	emaSteadyAlpha  = 0.1
)

// Progress is the in-memory completion state of one monitored bulk
// scan. It is not safe for concurrent use; the monitor serializes
// access per bulk scan.
type Progress struct {
	bulk     *scan.BulkScan
	counters *scan.JobCounters

	expected    int
	expectedSet bool

	startedAt time.Time
	lastEvent time.Time

	ema    time.Duration
	emaSet bool

	finalized bool
}

// NewProgress starts tracking a bulk scan from now.
func NewProgress(bulk *scan.BulkScan, now time.Time) *Progress {
	return &Progress{
		bulk:      bulk,
		counters:  scan.NewJobCounters(),
		startedAt: now,
		lastEvent: now,
	}
}

// BulkScan returns the tracked bulk scan record.
func (p *Progress) BulkScan() *scan.BulkScan {
	return p.bulk
}

// Record counts one done notification and feeds the time since the
// previous event into the completion-rate estimate. It returns the new
// total of completed jobs.
func (p *Progress) Record(status scan.JobStatus, now time.Time) (int64, error) {
	total, err := p.counters.Increment(status)
	if err != nil {
		return 0, err
	}
	p.observe(now.Sub(p.lastEvent), total)
	p.lastEvent = now
	return total, nil
}

// observe folds one inter-completion duration into the moving average.
// The first observation seeds the average directly.
func (p *Progress) observe(duration time.Duration, total int64) {
	if duration < 0 {
		duration = 0
	}
	if !p.emaSet {
		p.ema = duration
		p.emaSet = true
		return
	}
	alpha := emaSteadyAlpha
	if total <= emaWarmupEvents {
		alpha = 2.0 / float64(total+1)
	}
	p.ema = time.Duration(alpha*float64(duration) + (1-alpha)*float64(p.ema))
}

// SetExpected fixes the number of done notifications to wait for. It is
// called once publishing finished and the final published count is
// known.
func (p *Progress) SetExpected(expected int) {
	p.expected = expected
	p.expectedSet = true
}

// Done returns the number of completed jobs so far.
func (p *Progress) Done() int64 {
	return p.counters.Total()
}

// Complete reports whether every expected job reported back. Before
// SetExpected the answer is always false: jobs may complete while
// publishing is still running.
func (p *Progress) Complete() bool {
	return p.expectedSet && p.counters.Total() >= int64(p.expected)
}

// AverageDuration returns the overall completion rate since tracking
// started.
func (p *Progress) AverageDuration(now time.Time) time.Duration {
	done := p.counters.Total()
	if done == 0 {
		return 0
	}
	return now.Sub(p.startedAt) / time.Duration(done)
}

// ETA estimates the remaining runtime from the moving average. It
// reports false until the expected count is known and at least one job
// completed.
func (p *Progress) ETA() (time.Duration, bool) {
	if !p.expectedSet || !p.emaSet {
		return 0, false
	}
	remaining := int64(p.expected) - p.counters.Total()
	if remaining <= 0 {
		return 0, true
	}
	return time.Duration(remaining) * p.ema, true
}

// Snapshot returns the per-status tallies.
func (p *Progress) Snapshot() map[scan.JobStatus]int64 {
	return p.counters.Snapshot()
}

// SuccessfulScans returns the SUCCESS tally.
func (p *Progress) SuccessfulScans() int64 {
	return p.counters.Get(scan.StatusSuccess)
}

// Finalize freezes the bulk scan record with the final tallies. It
// returns false when the progress was already finalized.
func (p *Progress) Finalize(now time.Time) bool {
	if p.finalized {
		return false
	}
	p.finalized = true
	p.bulk.Finished = true
	p.bulk.EndTime = now
	p.bulk.SuccessfulScans = p.SuccessfulScans()
	p.bulk.JobStatusCounters = p.Snapshot()
	return true
}
