package worker

import (
	"context"
	"sync"
	"time"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// DefaultIdleEviction is how long a bulk scan worker may sit idle
// before the manager evicts it and releases its scanner.
const DefaultIdleEviction = 30 * time.Minute

// Manager hands out the per-bulk-scan worker for each incoming job,
// creating one on first contact and evicting workers whose bulk scan
// went quiet. The scanner registry is injected so different worker
// processes can serve different scanner kinds.
type Manager struct {
	registry     *scan.ScannerRegistry
	parallelism  int
	idleEviction time.Duration
	log          *logging.Logger

	mu      sync.Mutex
	workers map[int64]*BulkWorker
}

// NewManager creates a manager. A non-positive idleEviction falls back
// to the default.
func NewManager(registry *scan.ScannerRegistry, parallelism int, idleEviction time.Duration, log *logging.Logger) *Manager {
	if idleEviction <= 0 {
		idleEviction = DefaultIdleEviction
	}
	return &Manager{
		registry:     registry,
		parallelism:  parallelism,
		idleEviction: idleEviction,
		log:          log.WithComponent("worker-manager"),
		workers:      make(map[int64]*BulkWorker),
	}
}

// Get returns the worker for a bulk scan, creating it when the bulk
// scan is seen for the first time. Creation fails when no scanner is
// registered for the job's config kind.
func (m *Manager) Get(info scan.BulkScanInfo) (*BulkWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[info.BulkScanID]; ok {
		return w, nil
	}

	factory, ok := m.registry.Lookup(info.ScanConfig.Kind)
	if !ok {
		return nil, errors.ErrUnknownScannerKind(info.ScanConfig.Kind)
	}
	scanner, err := factory(info.BulkScanID, info.ScanConfig, m.parallelism)
	if err != nil {
		return nil, err
	}

	w := NewBulkWorker(info, scanner, m.parallelism, m.log)
	m.workers[info.BulkScanID] = w
	m.log.Info("created bulk scan worker",
		"bulk_scan_id", info.BulkScanID, "kind", info.ScanConfig.Kind)
	metrics.Global().SetActiveBulkWorkers(len(m.workers))
	return w, nil
}

// Cleanup evicts workers idle longer than the eviction lifetime and
// returns how many were evicted. Workers with jobs in flight are
// skipped regardless of their idle time.
func (m *Manager) Cleanup(ctx context.Context) int {
	m.mu.Lock()
	var evict []*BulkWorker
	for id, w := range m.workers {
		if !w.InUse() && w.IdleFor() >= m.idleEviction {
			evict = append(evict, w)
			delete(m.workers, id)
		}
	}
	remaining := len(m.workers)
	m.mu.Unlock()

	for _, w := range evict {
		if err := w.Cleanup(ctx); err != nil {
			m.log.Error("bulk scan worker cleanup failed",
				"bulk_scan_id", w.BulkScanID(), "error", err)
		} else {
			m.log.Info("evicted idle bulk scan worker", "bulk_scan_id", w.BulkScanID())
		}
	}
	metrics.Global().SetActiveBulkWorkers(remaining)
	return len(evict)
}

// Run evicts idle workers periodically until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(ctx)
		}
	}
}

// Size returns the number of live workers.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Shutdown cleans up every worker regardless of idle time.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*BulkWorker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, w := range workers {
		if err := w.Cleanup(ctx); err != nil {
			m.log.Error("bulk scan worker cleanup failed",
				"bulk_scan_id", w.BulkScanID(), "error", err)
		}
	}
	metrics.Global().SetActiveBulkWorkers(0)
}
