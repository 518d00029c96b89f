package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

func newTestRouter(t *testing.T, scanner scan.Scanner) (*Router, *fakeStore, *fakeNotifier) {
	t.Helper()
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	manager := NewManager(registryWith(t, "tls", scanner), 4, time.Hour, logging.NewDefault())
	router := NewRouter(manager, store, notifier, 2*time.Second, nil, logging.NewDefault())
	return router, store, notifier
}

func TestRouterSuccessfulScan(t *testing.T) {
	scanner := &fakeScanner{probe: func(_ context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		return json.RawMessage(`{"tls_version":"1.3"}`), nil
	}}
	router, store, notifier := newTestRouter(t, scanner)
	job := newTestJob(newTestInfo("tls"))

	router.handle(context.Background(), job)

	assert.Equal(t, scan.StatusSuccess, job.Status)
	results := store.inserted()
	require.Len(t, results, 1)
	assert.Equal(t, scan.StatusSuccess, results[0].ResultStatus)
	assert.JSONEq(t, `{"tls_version":"1.3"}`, string(results[0].Result))
	require.Len(t, notifier.completed(), 1)
}

func TestRouterEmptyScan(t *testing.T) {
	scanner := &fakeScanner{probe: func(_ context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		return nil, nil
	}}
	router, store, notifier := newTestRouter(t, scanner)
	job := newTestJob(newTestInfo("tls"))

	router.handle(context.Background(), job)

	assert.Equal(t, scan.StatusEmpty, job.Status)
	results := store.inserted()
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Result)
	require.Len(t, notifier.completed(), 1)
}

func TestRouterFailedScan(t *testing.T) {
	scanner := &fakeScanner{probe: func(_ context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		return nil, assert.AnError
	}}
	router, store, notifier := newTestRouter(t, scanner)
	job := newTestJob(newTestInfo("tls"))

	router.handle(context.Background(), job)

	assert.Equal(t, scan.StatusError, job.Status)
	results := store.inserted()
	require.Len(t, results, 1)
	assert.Contains(t, string(results[0].Result), "exception")
	require.Len(t, notifier.completed(), 1)
}

func TestRouterPanickedScan(t *testing.T) {
	scanner := &fakeScanner{probe: func(_ context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		panic("probe exploded")
	}}
	router, store, notifier := newTestRouter(t, scanner)
	job := newTestJob(newTestInfo("tls"))

	router.handle(context.Background(), job)

	assert.Equal(t, scan.StatusCrawlerError, job.Status)
	require.Len(t, store.inserted(), 1)
	require.Len(t, notifier.completed(), 1)
}

func TestRouterScanTimeout(t *testing.T) {
	// Scanner honors cancellation only after the per-job timeout fires,
	// and has nothing to show for its work.
	scanner := &fakeScanner{probe: func(ctx context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{"late":true}`), nil
		}
	}}
	router, store, notifier := newTestRouter(t, scanner)

	info := newTestInfo("tls")
	info.ScanConfig.TimeoutMillis = 50
	job := newTestJob(info)

	start := time.Now()
	router.handle(context.Background(), job)
	elapsed := time.Since(start)

	assert.Equal(t, scan.StatusCancelled, job.Status)
	assert.Less(t, elapsed, 2*time.Second, "canceled probe must not run to its natural end")

	results := store.inserted()
	require.Len(t, results, 1)
	assert.Equal(t, scan.StatusCancelled, results[0].ResultStatus)
	assert.Contains(t, string(results[0].Result), "timed out")
	require.Len(t, notifier.completed(), 1)
}

func TestRouterScanTimeoutKeepsPartialDocument(t *testing.T) {
	// A canceled scanner returns what it accumulated so far; the
	// CANCELLED result must carry that document, not an exception.
	scanner := &fakeScanner{probe: func(ctx context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		<-ctx.Done()
		return json.RawMessage(`{"partial":"handshake-bytes"}`), ctx.Err()
	}}
	router, store, notifier := newTestRouter(t, scanner)

	info := newTestInfo("tls")
	info.ScanConfig.TimeoutMillis = 50
	job := newTestJob(info)

	router.handle(context.Background(), job)

	assert.Equal(t, scan.StatusCancelled, job.Status)
	results := store.inserted()
	require.Len(t, results, 1)
	assert.Equal(t, scan.StatusCancelled, results[0].ResultStatus)
	assert.JSONEq(t, `{"partial":"handshake-bytes"}`, string(results[0].Result))
	assert.NotContains(t, string(results[0].Result), "exception")
	require.Len(t, notifier.completed(), 1)
}

func TestRouterWorkerExcludedProbesDefaults(t *testing.T) {
	tests := []struct {
		name           string
		controllerSet  []string
		workerDefaults []string
		want           []string
	}{
		{"worker defaults fill an empty set",
			nil, []string{"heartbleed", "ccs"}, []string{"heartbleed", "ccs"}},
		{"controller set wins over worker defaults",
			[]string{"padding"}, []string{"heartbleed"}, []string{"padding"}},
		{"nothing configured anywhere", nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The factory sees the config the manager was handed, so it
			// observes whether the merge happened before worker creation.
			var factoryCfg scan.ScanConfig
			registry := scan.NewScannerRegistry()
			require.NoError(t, registry.Register("tls", func(_ int64, cfg scan.ScanConfig, _ int) (scan.Scanner, error) {
				factoryCfg = cfg
				return &fakeScanner{}, nil
			}))

			store := &fakeStore{}
			notifier := &fakeNotifier{}
			manager := NewManager(registry, 4, time.Hour, logging.NewDefault())
			router := NewRouter(manager, store, notifier, 2*time.Second, tt.workerDefaults, logging.NewDefault())

			info := newTestInfo("tls")
			info.ScanConfig.ExcludedProbes = tt.controllerSet
			job := newTestJob(info)

			router.handle(context.Background(), job)

			assert.Equal(t, tt.want, job.BulkScanInfo.ScanConfig.ExcludedProbes)
			assert.Equal(t, tt.want, factoryCfg.ExcludedProbes)
			require.Len(t, notifier.completed(), 1)
		})
	}
}

func TestRouterUnknownScannerKind(t *testing.T) {
	router, store, notifier := newTestRouter(t, &fakeScanner{})
	job := newTestJob(newTestInfo("quic"))

	router.handle(context.Background(), job)

	assert.Equal(t, scan.StatusSerializationError, job.Status)
	results := store.inserted()
	require.Len(t, results, 1)
	assert.Equal(t, scan.StatusSerializationError, results[0].ResultStatus)
	require.Len(t, notifier.completed(), 1)
}

func TestRouterPersistenceFailureStillCompletes(t *testing.T) {
	scanner := &fakeScanner{}
	router, store, notifier := newTestRouter(t, scanner)
	store.insertErr = assert.AnError
	job := newTestJob(newTestInfo("tls"))

	router.handle(context.Background(), job)

	// The scan ran; only the record is lost. The job must still be
	// acknowledged so the broker does not redeliver it.
	assert.Equal(t, scan.StatusInternalError, job.Status)
	completed := notifier.completed()
	require.Len(t, completed, 1)
	assert.Equal(t, scan.StatusInternalError, completed[0].Status)
}

func TestRouterInterruptedAwaiter(t *testing.T) {
	// This probe ignores cancellation entirely, so the awaiter is
	// guaranteed to see the shutdown before the probe finishes.
	scanner := &fakeScanner{probe: func(_ context.Context, _ scan.ScanTarget) (json.RawMessage, error) {
		time.Sleep(3 * time.Second)
		return nil, nil
	}}
	router, store, notifier := newTestRouter(t, scanner)
	job := newTestJob(newTestInfo("tls"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	router.handle(ctx, job)

	// An interrupted job leaves no trace: no result, no ack, so the
	// broker redelivers it to another worker.
	assert.Equal(t, scan.StatusInternalError, job.Status)
	assert.Empty(t, store.inserted())
	assert.Empty(t, notifier.completed())
}

func TestRouterRunDrainsChannel(t *testing.T) {
	scanner := &fakeScanner{}
	router, store, notifier := newTestRouter(t, scanner)

	jobs := make(chan *scan.ScanJobDescription, 3)
	for i := 0; i < 3; i++ {
		jobs <- newTestJob(newTestInfo("tls"))
	}
	close(jobs)

	router.Run(context.Background(), jobs)

	assert.Len(t, store.inserted(), 3)
	assert.Len(t, notifier.completed(), 3)
}
