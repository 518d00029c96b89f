package publisher

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
)

// RequestBuilder produces the request for one scheduled run. It runs at
// trigger time so each run picks up the current targets file.
type RequestBuilder func() (Request, error)

// Scheduler triggers recurring bulk scan publications on cron
// schedules. A run that fails fatally (bus gone, broken configuration)
// unschedules itself; transient failures leave the schedule in place.
type Scheduler struct {
	cron      *cron.Cron
	publisher *Publisher
	log       *logging.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]string
}

// NewScheduler creates a scheduler around a publisher.
func NewScheduler(p *Publisher, log *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		publisher: p,
		log:       log.WithComponent("scheduler"),
		entries:   make(map[cron.EntryID]string),
	}
}

// Schedule registers a recurring publication under a cron spec.
func (s *Scheduler) Schedule(spec string, build RequestBuilder) (cron.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id cron.EntryID
	id, err := s.cron.AddFunc(spec, func() { s.run(id, build) })
	if err != nil {
		return 0, errors.NewConfigFieldError(errors.CodeValidation,
			"invalid cron schedule", "controller.schedule", spec)
	}
	s.entries[id] = spec
	s.log.Info("scheduled recurring bulk scan", "schedule", spec)
	return id, nil
}

func (s *Scheduler) run(id cron.EntryID, build RequestBuilder) {
	req, err := build()
	if err != nil {
		s.log.Error("failed to build scheduled bulk scan request", "error", err)
		return
	}

	bulkScan, err := s.publisher.Publish(context.Background(), req)
	if err != nil {
		if errors.IsFatal(err) {
			s.log.Error("scheduled bulk scan failed fatally, unscheduling", "error", err)
			s.Remove(id)
			return
		}
		s.log.Error("scheduled bulk scan failed", "error", err)
		return
	}
	s.log.Info("scheduled bulk scan published",
		"bulk_scan_id", bulkScan.ID, "published", bulkScan.ScanJobsPublished)
}

// Remove unschedules one entry.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Remove(id)
	delete(s.entries, id)
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins triggering schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts triggering and waits for a running publication.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
