package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// secondaryCancelWait is the grace period after a scan timeout. The
// canceled probe gets this long to honor the cancellation before the
// job is forced into CANCELLED and its executor slot is abandoned.
const secondaryCancelWait = 10 * time.Second

// ResultStore persists finished scan results.
type ResultStore interface {
	InsertScanResult(ctx context.Context, collection string, result *scan.ScanResult) error
}

// DoneNotifier completes a job on the bus: acknowledge, then notify the
// monitor for monitored bulk scans.
type DoneNotifier interface {
	NotifyOfDone(ctx context.Context, job *scan.ScanJobDescription) error
}

// Router drives jobs from the bus through their bulk scan's worker and
// into the result store.
type Router struct {
	manager        *Manager
	store          ResultStore
	notifier       DoneNotifier
	scanTimeout    time.Duration
	excludedProbes []string
	log            *logging.Logger

	wg sync.WaitGroup
}

// NewRouter creates a router. scanTimeout and excludedProbes apply to
// jobs whose scan config carries no timeout or excluded-probes set of
// its own.
func NewRouter(manager *Manager, store ResultStore, notifier DoneNotifier,
	scanTimeout time.Duration, excludedProbes []string, log *logging.Logger) *Router {
	return &Router{
		manager:        manager,
		store:          store,
		notifier:       notifier,
		scanTimeout:    scanTimeout,
		excludedProbes: excludedProbes,
		log:            log.WithComponent("router"),
	}
}

// Run consumes jobs until the channel closes or the context ends, then
// waits for in-flight jobs. The bus prefetch window bounds how many
// jobs are in flight at once.
func (r *Router) Run(ctx context.Context, jobs <-chan *scan.ScanJobDescription) {
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handle(ctx, job)
			}()
		case <-ctx.Done():
			r.wg.Wait()
			return
		}
	}
}

// handle takes one job from arrival to acknowledgement.
func (r *Router) handle(ctx context.Context, job *scan.ScanJobDescription) {
	log := r.log.WithBulkScan(job.BulkScanInfo.BulkScanID).WithTarget(job.ScanTarget.String())

	// The controller-supplied excluded-probes set takes precedence;
	// worker defaults fill in only when it is empty. This must happen
	// before the manager hands the config to a scanner factory.
	if len(job.BulkScanInfo.ScanConfig.ExcludedProbes) == 0 && len(r.excludedProbes) > 0 {
		job.BulkScanInfo.ScanConfig.ExcludedProbes = append([]string(nil), r.excludedProbes...)
	}

	w, err := r.manager.Get(job.BulkScanInfo)
	if err != nil {
		// No scanner can serve this job here; the job config is
		// undeliverable for this worker process.
		log.Error("no worker for job", "error", err)
		job.Status = scan.StatusSerializationError
		r.finish(ctx, job, err, log)
		return
	}

	w.Acquire()
	defer w.Release()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	future, err := w.Handle(scanCtx, job)
	if err != nil {
		if ctx.Err() != nil {
			r.interrupted(job, log)
			return
		}
		log.Error("failed to start scan", "error", err)
		job.Status = scan.StatusError
		r.finish(ctx, job, err, log)
		return
	}

	timer := time.NewTimer(r.timeoutFor(job))
	defer timer.Stop()

	select {
	case <-future.Done():
		r.classify(job, future, log)
	case <-timer.C:
		cancel()
		unwound, ok := r.awaitCancellation(ctx, future)
		if !ok {
			r.interrupted(job, log)
			return
		}
		log.Info("scan timed out", "timeout", r.timeoutFor(job))
		job.Status = scan.StatusCancelled
		if unwound {
			// The probe honored the cancellation; whatever it managed
			// to produce before stopping is the result.
			doc, _ := future.Result()
			if !emptyDocument(doc) {
				r.persistAndFinish(ctx, job, doc, nil, log)
				return
			}
		}
		r.finish(ctx, job, errors.ErrScanTimeout(job.ScanTarget.String()), log)
		return
	case <-ctx.Done():
		r.interrupted(job, log)
		return
	}

	metrics.Global().RecordScanDuration(job.BulkScanInfo.ScanConfig.Kind, time.Since(start))

	var doc json.RawMessage
	var cause error
	if job.Status == scan.StatusSuccess {
		doc, _ = future.Result()
	} else {
		_, cause = future.Result()
	}
	r.persistAndFinish(ctx, job, doc, cause, log)
}

// timeoutFor resolves the scan timeout for one job.
func (r *Router) timeoutFor(job *scan.ScanJobDescription) time.Duration {
	if ms := job.BulkScanInfo.ScanConfig.TimeoutMillis; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return r.scanTimeout
}

// awaitCancellation gives a canceled probe the grace period to wind
// down. unwound reports whether the probe returned within the grace
// period; ok is false when the router itself was interrupted while
// waiting.
func (r *Router) awaitCancellation(ctx context.Context, future *Future) (unwound, ok bool) {
	grace := time.NewTimer(secondaryCancelWait)
	defer grace.Stop()
	select {
	case <-future.Done():
		return true, true
	case <-grace.C:
		return false, true
	case <-ctx.Done():
		return false, false
	}
}

// classify maps a completed probe to the job's terminal status.
func (r *Router) classify(job *scan.ScanJobDescription, future *Future, log *logging.Logger) {
	doc, err := future.Result()
	switch {
	case future.Panicked():
		log.Error("probe panicked", "error", err)
		job.Status = scan.StatusCrawlerError
	case err != nil:
		log.Info("scan failed", "error", err)
		job.Status = scan.StatusError
	case emptyDocument(doc):
		job.Status = scan.StatusEmpty
	default:
		job.Status = scan.StatusSuccess
	}
}

func emptyDocument(doc json.RawMessage) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("{}"))
}

// interrupted handles an awaiter cut short by shutdown. The job is
// deliberately neither persisted nor acknowledged: the broker will
// redeliver it and another worker gets a clean attempt.
func (r *Router) interrupted(job *scan.ScanJobDescription, log *logging.Logger) {
	job.Status = scan.StatusInternalError
	log.Info("scan interrupted by shutdown, leaving job unacknowledged")
}

// persistAndFinish stores the outcome and completes the job. A
// persistence failure downgrades the job to INTERNAL_ERROR but the job
// is still acknowledged: the work happened, only the record is lost.
func (r *Router) persistAndFinish(ctx context.Context, job *scan.ScanJobDescription,
	doc json.RawMessage, cause error, log *logging.Logger) {
	var result *scan.ScanResult
	var err error
	if job.Status.IsError() && doc == nil {
		result, err = scan.NewErrorScanResult(job, cause)
	} else {
		// Error statuses can still carry a document: a canceled probe
		// that unwound cleanly keeps its partial output.
		result, err = scan.NewScanResult(job, doc)
	}
	if err != nil {
		log.Error("failed to build scan result", "error", err)
		job.Status = scan.StatusInternalError
		r.acknowledge(ctx, job, log)
		return
	}

	if err := r.store.InsertScanResult(ctx, job.CollectionName, result); err != nil {
		log.Error("failed to persist scan result", "error", err)
		job.Status = scan.StatusInternalError
	}
	r.acknowledge(ctx, job, log)
}

// finish persists an error outcome and completes the job.
func (r *Router) finish(ctx context.Context, job *scan.ScanJobDescription, cause error, log *logging.Logger) {
	result, err := scan.NewErrorScanResult(job, cause)
	if err != nil {
		log.Error("failed to build scan result", "error", err)
		job.Status = scan.StatusInternalError
		r.acknowledge(ctx, job, log)
		return
	}
	if err := r.store.InsertScanResult(ctx, job.CollectionName, result); err != nil {
		log.Error("failed to persist scan result", "error", err)
		job.Status = scan.StatusInternalError
	}
	r.acknowledge(ctx, job, log)
}

func (r *Router) acknowledge(ctx context.Context, job *scan.ScanJobDescription, log *logging.Logger) {
	metrics.Global().IncrementJobsCompleted(string(job.Status))
	if err := r.notifier.NotifyOfDone(ctx, job); err != nil {
		log.Error("failed to complete job on bus", "error", err)
	}
}
