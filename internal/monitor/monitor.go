package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// BulkScanStore persists finalized bulk scan records.
type BulkScanStore interface {
	UpdateBulkScan(ctx context.Context, bulkScan *scan.BulkScan) error
}

// DoneSource supplies done notifications for one bulk scan. The queue
// must exist before the first job is published, so declaration is a
// separate step from consumption.
type DoneSource interface {
	DeclareDoneQueue(bulkScanID int64) error
	ConsumeDone(ctx context.Context, bulkScanID int64) (<-chan *scan.ScanJobDescription, error)
}

// Monitor tracks all monitored bulk scans of one controller process.
type Monitor struct {
	store         BulkScanStore
	source        DoneSource
	notifyTimeout time.Duration
	logInterval   time.Duration
	httpClient    *http.Client
	log           *logging.Logger

	mu     sync.Mutex
	active map[int64]*activeEntry
}

type activeEntry struct {
	mu       sync.Mutex
	progress *Progress
	cancel   context.CancelFunc
}

// New creates a monitor.
func New(store BulkScanStore, source DoneSource, notifyTimeout, logInterval time.Duration, log *logging.Logger) *Monitor {
	if notifyTimeout <= 0 {
		notifyTimeout = 30 * time.Second
	}
	return &Monitor{
		store:         store,
		source:        source,
		notifyTimeout: notifyTimeout,
		logInterval:   logInterval,
		httpClient:    &http.Client{Timeout: notifyTimeout},
		log:           log.WithComponent("monitor"),
	}
}

// Register starts tracking a bulk scan before any of its jobs are
// published. The done queue is declared here so no completion event can
// be lost to a race with fast workers.
func (m *Monitor) Register(ctx context.Context, bulkScan *scan.BulkScan) error {
	if !bulkScan.Monitored {
		return nil
	}
	if err := m.source.DeclareDoneQueue(bulkScan.ID); err != nil {
		return err
	}
	events, err := m.source.ConsumeDone(ctx, bulkScan.ID)
	if err != nil {
		return err
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	entry := &activeEntry{
		progress: NewProgress(bulkScan, time.Now()),
		cancel:   cancel,
	}

	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[int64]*activeEntry)
	}
	m.active[bulkScan.ID] = entry
	count := len(m.active)
	m.mu.Unlock()
	metrics.Global().SetMonitoredBulkScans(count)

	go m.consume(consumeCtx, entry, events)
	m.log.Info("monitoring bulk scan", "bulk_scan_id", bulkScan.ID)
	return nil
}

// PublishingComplete tells the monitor how many done notifications to
// wait for. A bulk scan with nothing published finalizes immediately;
// one whose jobs all reported back while publishing was still running
// finalizes here too.
func (m *Monitor) PublishingComplete(ctx context.Context, bulkScan *scan.BulkScan) error {
	if !bulkScan.Monitored {
		return nil
	}
	m.mu.Lock()
	entry, ok := m.active[bulkScan.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("monitor: bulk scan %d is not registered", bulkScan.ID)
	}

	entry.mu.Lock()
	entry.progress.SetExpected(bulkScan.ExpectedJobs())
	complete := entry.progress.Complete()
	entry.mu.Unlock()

	if complete {
		m.finalize(ctx, entry)
	}
	return nil
}

// consume drains one bulk scan's done notifications until it completes
// or the context ends.
func (m *Monitor) consume(ctx context.Context, entry *activeEntry, events <-chan *scan.ScanJobDescription) {
	bulkScanID := entry.progress.BulkScan().ID
	log := m.log.WithBulkScan(bulkScanID)

	logInterval := m.logInterval
	if logInterval <= 0 {
		logInterval = 30 * time.Second
	}
	nextLog := time.Now().Add(logInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				log.Warn("done notification stream closed before completion")
				return
			}

			entry.mu.Lock()
			_, err := entry.progress.Record(event.Status, time.Now())
			complete := entry.progress.Complete()
			done := entry.progress.Done()
			eta, etaKnown := entry.progress.ETA()
			entry.mu.Unlock()

			if err != nil {
				log.Error("dropping invalid done notification",
					"status", string(event.Status), "error", err)
				continue
			}

			if now := time.Now(); now.After(nextLog) {
				nextLog = now.Add(logInterval)
				fields := []any{"done", done}
				if etaKnown {
					fields = append(fields, "eta", eta.Round(time.Second).String())
				}
				log.Info("bulk scan progress", fields...)
			}

			if complete {
				m.finalize(ctx, entry)
				return
			}
		}
	}
}

// finalize closes out one bulk scan: freeze the record, persist it,
// fire the completion webhook and stop consuming.
func (m *Monitor) finalize(ctx context.Context, entry *activeEntry) {
	entry.mu.Lock()
	first := entry.progress.Finalize(time.Now())
	bulkScan := entry.progress.BulkScan()
	entry.mu.Unlock()
	if !first {
		return
	}

	log := m.log.WithBulkScan(bulkScan.ID)
	log.Info("bulk scan finished",
		"successful_scans", bulkScan.SuccessfulScans,
		"duration", bulkScan.EndTime.Sub(bulkScan.StartTime).Round(time.Second).String())

	if err := m.store.UpdateBulkScan(ctx, bulkScan); err != nil {
		log.Error("failed to persist finalized bulk scan", "error", err)
	}
	if bulkScan.NotifyURL != "" {
		if err := m.notify(ctx, bulkScan); err != nil {
			log.Error("completion webhook failed", "error", err)
		}
	}

	entry.cancel()
	m.mu.Lock()
	delete(m.active, bulkScan.ID)
	count := len(m.active)
	m.mu.Unlock()
	metrics.Global().SetMonitoredBulkScans(count)
	metrics.Global().IncrementBulkScansFinalized()
}

// notifyResponseLimit caps how much of a webhook response gets logged.
const notifyResponseLimit = 4 << 10

// notify POSTs the finished bulk scan record to its webhook as
// indented JSON. The receiver's response is logged whatever its status;
// only a failed request counts as an error.
func (m *Monitor) notify(ctx context.Context, bulkScan *scan.BulkScan) error {
	body, err := json.MarshalIndent(bulkScan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize bulk scan: %w", err)
	}

	notifyCtx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(notifyCtx, http.MethodPost, bulkScan.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, notifyResponseLimit))
	if err != nil {
		respBody = []byte(fmt.Sprintf("<unreadable: %v>", err))
	}
	m.log.WithBulkScan(bulkScan.ID).Info("completion webhook delivered",
		"status", resp.StatusCode, "response", string(respBody))
	return nil
}

// ActiveCount returns how many bulk scans are currently monitored.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
