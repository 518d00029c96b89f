package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// BulkWorker owns the scanner instance and executor for one bulk scan.
// The scanner is initialized at most once, on the first job; the
// initialization outcome is latched, so a failed init fails every
// subsequent job of that bulk scan without re-running Init.
type BulkWorker struct {
	info     scan.BulkScanInfo
	scanner  scan.Scanner
	executor *Executor
	log      *logging.Logger

	initOnce sync.Once
	initErr  error

	refs       atomic.Int64
	lastActive atomic.Int64

	cleanupOnce sync.Once
	cleanupErr  error
}

// NewBulkWorker creates a worker for one bulk scan.
func NewBulkWorker(info scan.BulkScanInfo, scanner scan.Scanner, parallelism int, log *logging.Logger) *BulkWorker {
	w := &BulkWorker{
		info:     info,
		scanner:  scanner,
		executor: NewExecutor(parallelism),
		log:      log.WithBulkScan(info.BulkScanID),
	}
	w.touch()
	return w
}

// BulkScanID returns the bulk scan this worker serves.
func (w *BulkWorker) BulkScanID() int64 {
	return w.info.BulkScanID
}

func (w *BulkWorker) touch() {
	w.lastActive.Store(time.Now().UnixNano())
}

// IdleFor returns how long ago the worker last saw activity.
func (w *BulkWorker) IdleFor() time.Duration {
	return time.Since(time.Unix(0, w.lastActive.Load()))
}

// Acquire marks the worker busy. Every Acquire must be paired with a
// Release; the manager never evicts a worker with holders.
func (w *BulkWorker) Acquire() {
	w.refs.Add(1)
	w.touch()
}

// Release undoes one Acquire.
func (w *BulkWorker) Release() {
	w.refs.Add(-1)
	w.touch()
}

// InUse reports whether any job currently holds the worker.
func (w *BulkWorker) InUse() bool {
	return w.refs.Load() > 0
}

// Handle submits one job's probe to the executor. The scanner is
// initialized on the first call.
func (w *BulkWorker) Handle(ctx context.Context, job *scan.ScanJobDescription) (*Future, error) {
	w.touch()

	w.initOnce.Do(func() {
		w.log.Info("initializing scanner", "kind", w.info.ScanConfig.Kind)
		w.initErr = w.scanner.Init(ctx)
		if w.initErr != nil {
			w.log.Error("scanner initialization failed", "error", w.initErr)
		}
	})
	if w.initErr != nil {
		return nil, w.initErr
	}

	target := job.ScanTarget
	return w.executor.Submit(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return w.scanner.Probe(ctx, target)
	})
}

// Cleanup shuts the executor down and releases the scanner. It runs at
// most once; later calls return the first outcome.
func (w *BulkWorker) Cleanup(ctx context.Context) error {
	w.cleanupOnce.Do(func() {
		w.log.Info("cleaning up bulk scan worker")
		if err := w.executor.Shutdown(ctx); err != nil {
			w.log.Warn("abandoning in-flight probes", "error", err)
		}
		w.cleanupErr = w.scanner.Cleanup(ctx)
	})
	return w.cleanupErr
}
