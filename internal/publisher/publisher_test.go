package publisher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
	"github.com/bulkprobe/bulkprobe/internal/target"
)

type fakeJobBus struct {
	mu         sync.Mutex
	publishErr error
	jobs       []*scan.ScanJobDescription
	firstEvent func(what string)
}

func (b *fakeJobBus) PublishJob(_ context.Context, job *scan.ScanJobDescription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.firstEvent != nil {
		b.firstEvent("publish")
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *fakeJobBus) published() []*scan.ScanJobDescription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*scan.ScanJobDescription(nil), b.jobs...)
}

type fakePublisherStore struct {
	mu      sync.Mutex
	nextID  int64
	bulks   []*scan.BulkScan
	results []*scan.ScanResult
}

func (s *fakePublisherStore) InsertBulkScan(_ context.Context, bulkScan *scan.BulkScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	bulkScan.ID = s.nextID
	return nil
}

func (s *fakePublisherStore) UpdateBulkScan(_ context.Context, bulkScan *scan.BulkScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *bulkScan
	s.bulks = append(s.bulks, &copied)
	return nil
}

func (s *fakePublisherStore) InsertScanResult(_ context.Context, _ string, result *scan.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *fakePublisherStore) persisted() []*scan.ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*scan.ScanResult(nil), s.results...)
}

type fakeMonitor struct {
	mu         sync.Mutex
	registered []int64
	completed  []*scan.BulkScan
	firstEvent func(what string)
}

func (m *fakeMonitor) Register(_ context.Context, bulkScan *scan.BulkScan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstEvent != nil {
		m.firstEvent("register")
	}
	m.registered = append(m.registered, bulkScan.ID)
	return nil
}

func (m *fakeMonitor) PublishingComplete(_ context.Context, bulkScan *scan.BulkScan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *bulkScan
	m.completed = append(m.completed, &copied)
	return nil
}

func testParser() *target.Parser {
	resolver := &target.StaticResolver{Hosts: map[string][]string{
		"example.com":      {"192.0.2.10"},
		"mail.example.com": {"192.0.2.25"},
	}}
	denylist := target.NewDenylist([]string{"198.51.100.0/24"})
	return target.NewParser(443, denylist, resolver)
}

func newTestPublisher(jobBus *fakeJobBus, store *fakePublisherStore, m *fakeMonitor, cfg Config) *Publisher {
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 4
	}
	return New(jobBus, store, m, testParser(), cfg, logging.NewDefault())
}

func TestPublishMixedTargets(t *testing.T) {
	jobBus := &fakeJobBus{}
	store := &fakePublisherStore{}
	m := &fakeMonitor{}
	p := newTestPublisher(jobBus, store, m, Config{})

	bulkScan, err := p.Publish(context.Background(), Request{
		Name: "mixed",
		Targets: []string{
			"example.com",
			"192.0.2.1:4433",
			`100,//"mail.example.com":25`,
			"198.51.100.7",           // denylisted
			"does-not-exist.invalid", // unresolvable
		},
		ScanConfig: scan.ScanConfig{Kind: "tls"},
		Monitored:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, bulkScan.TargetsGiven)
	assert.Equal(t, 3, bulkScan.ScanJobsPublished)
	assert.Equal(t, 1, bulkScan.ScanJobsResolutionErrors)
	assert.Equal(t, 1, bulkScan.ScanJobsDenylisted)

	jobs := jobBus.published()
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, scan.StatusToBeExecuted, job.Status)
		assert.Equal(t, bulkScan.ID, job.BulkScanInfo.BulkScanID)
		assert.Equal(t, bulkScan.CollectionName, job.CollectionName)
	}

	// Denied and unresolvable targets get results without ever
	// touching the bus.
	results := store.persisted()
	require.Len(t, results, 2)
	statuses := map[scan.JobStatus]int{}
	for _, r := range results {
		statuses[r.ResultStatus]++
	}
	assert.Equal(t, 1, statuses[scan.StatusDenylisted])
	assert.Equal(t, 1, statuses[scan.StatusUnresolvable])

	// The monitor saw registration and the final tallies.
	assert.Equal(t, []int64{bulkScan.ID}, m.registered)
	require.Len(t, m.completed, 1)
	assert.Equal(t, 3, m.completed[0].ScanJobsPublished)
}

func TestPublishRegistersMonitorBeforeFirstJob(t *testing.T) {
	var order []string
	var orderMu sync.Mutex
	record := func(what string) {
		orderMu.Lock()
		defer orderMu.Unlock()
		if len(order) < 2 {
			order = append(order, what)
		}
	}

	jobBus := &fakeJobBus{firstEvent: record}
	m := &fakeMonitor{firstEvent: record}
	p := newTestPublisher(jobBus, &fakePublisherStore{}, m, Config{})

	_, err := p.Publish(context.Background(), Request{
		Name:       "ordering",
		Targets:    []string{"192.0.2.1"},
		ScanConfig: scan.ScanConfig{Kind: "tls"},
		Monitored:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, order)
	assert.Equal(t, "register", order[0])
}

func TestPublishFailurePersistsErrorResult(t *testing.T) {
	jobBus := &fakeJobBus{publishErr: assert.AnError}
	store := &fakePublisherStore{}
	m := &fakeMonitor{}
	p := newTestPublisher(jobBus, store, m, Config{})

	bulkScan, err := p.Publish(context.Background(), Request{
		Name:       "broken-bus",
		Targets:    []string{"192.0.2.1"},
		ScanConfig: scan.ScanConfig{Kind: "tls"},
	})
	require.NoError(t, err)

	// The job never reached the bus, so it must not count as published;
	// its failure is on record instead.
	assert.Equal(t, 0, bulkScan.ScanJobsPublished)
	results := store.persisted()
	require.Len(t, results, 1)
	assert.Equal(t, scan.StatusInternalError, results[0].ResultStatus)
	assert.Contains(t, string(results[0].Result), "exception")
}

func TestPublishEmptyTargetList(t *testing.T) {
	jobBus := &fakeJobBus{}
	m := &fakeMonitor{}
	p := newTestPublisher(jobBus, &fakePublisherStore{}, m, Config{})

	bulkScan, err := p.Publish(context.Background(), Request{
		Name:       "empty",
		ScanConfig: scan.ScanConfig{Kind: "tls"},
		Monitored:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, bulkScan.ScanJobsPublished)
	assert.Empty(t, jobBus.published())
	require.Len(t, m.completed, 1)
	assert.Equal(t, 0, m.completed[0].ExpectedJobs())
}

func TestMergeExcludedProbes(t *testing.T) {
	tests := []struct {
		name       string
		controller []string
		union      bool
		requested  []string
		want       []string
	}{
		{"controller set applies when request has none",
			[]string{"heartbleed"}, false, nil, []string{"heartbleed"}},
		{"request wins by default",
			[]string{"heartbleed"}, false, []string{"ccs"}, []string{"ccs"}},
		{"union merges and dedupes",
			[]string{"heartbleed", "ccs"}, true, []string{"ccs", "padding"},
			[]string{"ccs", "padding", "heartbleed"}},
		{"no sets at all", nil, false, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPublisher(&fakeJobBus{}, &fakePublisherStore{}, &fakeMonitor{},
				Config{ExcludedProbes: tt.controller, UnionExcluded: tt.union})
			got := p.mergeExcludedProbes(tt.requested)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestLoadTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	content := "example.com\n\n# comment\n192.0.2.1:4433\n  mail.example.com  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	targets, err := LoadTargets(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "192.0.2.1:4433", "mail.example.com"}, targets)
}

func TestLoadTargetsMissingFile(t *testing.T) {
	_, err := LoadTargets(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
