// Package publisher turns a list of raw targets into a bulk scan: it
// parses and resolves every target, persists pre-execution outcomes,
// publishes the executable jobs to the bus and hands the bulk scan to
// the progress monitor.
package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/scan"
	"github.com/bulkprobe/bulkprobe/internal/target"
)

// JobBus publishes scan jobs.
type JobBus interface {
	PublishJob(ctx context.Context, job *scan.ScanJobDescription) error
}

// Store is the persistence surface the publisher needs.
type Store interface {
	InsertBulkScan(ctx context.Context, bulkScan *scan.BulkScan) error
	UpdateBulkScan(ctx context.Context, bulkScan *scan.BulkScan) error
	InsertScanResult(ctx context.Context, collection string, result *scan.ScanResult) error
}

// ProgressMonitor tracks bulk scans through completion.
type ProgressMonitor interface {
	Register(ctx context.Context, bulkScan *scan.BulkScan) error
	PublishingComplete(ctx context.Context, bulkScan *scan.BulkScan) error
}

// Request describes one bulk scan to publish.
type Request struct {
	Name       string
	Targets    []string
	ScanConfig scan.ScanConfig
	Monitored  bool
	NotifyURL  string
}

// Publisher drives the publish run for bulk scans.
type Publisher struct {
	bus     JobBus
	store   Store
	monitor ProgressMonitor
	parser  *target.Parser

	parallelism    int
	excludedProbes []string
	unionExcluded  bool

	log *logging.Logger
}

// Config holds publisher settings.
type Config struct {
	Parallelism int

	// Controller-wide excluded probes and how they combine with a
	// request's own set.
	ExcludedProbes []string
	UnionExcluded  bool
}

// New creates a publisher.
func New(jobBus JobBus, store Store, progressMonitor ProgressMonitor,
	parser *target.Parser, cfg Config, log *logging.Logger) *Publisher {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Publisher{
		bus:            jobBus,
		store:          store,
		monitor:        progressMonitor,
		parser:         parser,
		parallelism:    parallelism,
		excludedProbes: cfg.ExcludedProbes,
		unionExcluded:  cfg.UnionExcluded,
		log:            log.WithComponent("publisher"),
	}
}

// Publish runs one bulk scan publication end to end and returns the
// persisted bulk scan with its final publication tallies.
func (p *Publisher) Publish(ctx context.Context, req Request) (*scan.BulkScan, error) {
	started := time.Now()

	cfg := req.ScanConfig
	cfg.ExcludedProbes = p.mergeExcludedProbes(cfg.ExcludedProbes)

	bulkScan := scan.NewBulkScan(req.Name, cfg, started, req.Monitored, req.NotifyURL)
	bulkScan.TargetsGiven = len(req.Targets)

	if err := p.store.InsertBulkScan(ctx, bulkScan); err != nil {
		return nil, err
	}
	log := p.log.WithBulkScan(bulkScan.ID)
	log.Info("publishing bulk scan",
		"name", bulkScan.Name, "targets", bulkScan.TargetsGiven, "monitored", bulkScan.Monitored)

	// The monitor must listen before the first job goes out; a fast
	// worker could otherwise complete a job into a queue nobody reads.
	if err := p.monitor.Register(ctx, bulkScan); err != nil {
		return nil, err
	}

	var published, resolutionErrors, denylisted atomic.Int64

	lines := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range lines {
				switch p.publishOne(ctx, bulkScan, raw, log) {
				case scan.StatusToBeExecuted:
					published.Add(1)
				case scan.StatusUnresolvable, scan.StatusResolutionError:
					resolutionErrors.Add(1)
				case scan.StatusDenylisted:
					denylisted.Add(1)
				}
			}
		}()
	}
	for _, raw := range req.Targets {
		lines <- raw
	}
	close(lines)
	wg.Wait()

	bulkScan.ScanJobsPublished = int(published.Load())
	bulkScan.ScanJobsResolutionErrors = int(resolutionErrors.Load())
	bulkScan.ScanJobsDenylisted = int(denylisted.Load())

	if err := p.store.UpdateBulkScan(ctx, bulkScan); err != nil {
		log.Error("failed to persist publication tallies", "error", err)
	}
	if err := p.monitor.PublishingComplete(ctx, bulkScan); err != nil {
		log.Error("failed to hand bulk scan to monitor", "error", err)
	}

	metrics.Global().RecordPublishDuration(time.Since(started))
	log.Info("bulk scan published",
		"published", bulkScan.ScanJobsPublished,
		"resolution_errors", bulkScan.ScanJobsResolutionErrors,
		"denylisted", bulkScan.ScanJobsDenylisted,
		"duration", time.Since(started).Round(time.Millisecond).String())
	return bulkScan, nil
}

// publishOne handles one raw target line and returns the status it
// ended up in. Executable targets whose publish attempt fails are
// recorded as INTERNAL_ERROR instead of published, so the expected job
// count stays consistent with what actually reached the bus.
func (p *Publisher) publishOne(ctx context.Context, bulkScan *scan.BulkScan, raw string, log *logging.Logger) scan.JobStatus {
	parsed, status, parseErr := p.parser.Parse(ctx, raw)
	metrics.Global().IncrementTargetsParsed(string(status))

	if status == scan.StatusToBeExecuted {
		job := scan.NewScanJobDescription(parsed, bulkScan, scan.StatusToBeExecuted)
		if err := p.bus.PublishJob(ctx, job); err != nil {
			log.ErrorJob("failed to publish job, persisting error result", parsed.String(), err)
			metrics.Global().IncrementPublishErrors()
			job.Status = scan.StatusInternalError
			p.persistError(ctx, bulkScan, job, err, log)
			return scan.StatusInternalError
		}
		metrics.Global().IncrementJobsPublished()
		return scan.StatusToBeExecuted
	}

	// Pre-execution denial: the job never reaches the bus, its result
	// is written directly.
	job := scan.NewScanJobDescription(parsed, bulkScan, status)
	p.persistError(ctx, bulkScan, job, parseErr, log)
	return status
}

func (p *Publisher) persistError(ctx context.Context, bulkScan *scan.BulkScan,
	job *scan.ScanJobDescription, cause error, log *logging.Logger) {
	result, err := scan.NewErrorScanResult(job, cause)
	if err != nil {
		log.ErrorJob("failed to build error result", job.ScanTarget.String(), err)
		return
	}
	if err := p.store.InsertScanResult(ctx, bulkScan.CollectionName, result); err != nil {
		log.ErrorJob("failed to persist error result", job.ScanTarget.String(), err)
	}
}

// mergeExcludedProbes resolves the request's excluded probes against
// the controller-wide set. The request's set wins when present; with
// the union option both sets apply.
func (p *Publisher) mergeExcludedProbes(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), p.excludedProbes...)
	}
	if !p.unionExcluded {
		return requested
	}
	seen := make(map[string]struct{}, len(requested)+len(p.excludedProbes))
	merged := make([]string, 0, len(requested)+len(p.excludedProbes))
	for _, probe := range append(append([]string(nil), requested...), p.excludedProbes...) {
		if _, dup := seen[probe]; dup {
			continue
		}
		seen[probe] = struct{}{}
		merged = append(merged, probe)
	}
	return merged
}
