package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/lox/tidestarget/internal/store"
)

// Scheduler runs the driver on a fixed interval and prunes archived
// payloads once a day.
type Scheduler struct {
	driver        *Driver
	store         *store.Store
	interval      time.Duration
	retentionDays int
}

func NewScheduler(driver *Driver, st *store.Store, interval time.Duration, retentionDays int) *Scheduler {
	return &Scheduler{
		driver:        driver,
		store:         st,
		interval:      interval,
		retentionDays: retentionDays,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.runPipeline(ctx)
	s.cleanupPayloads()

	pollTicker := time.NewTicker(s.interval)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-pollTicker.C:
			s.runPipeline(ctx)
		case <-cleanupTicker.C:
			s.cleanupPayloads()
		}
	}
}

func (s *Scheduler) runPipeline(ctx context.Context) {
	start := time.Now()
	summary, err := s.driver.RunOnce(ctx)
	if err != nil {
		log.Printf("scheduler: pipeline run failed: %v", err)
		return
	}
	log.Printf("scheduler: run %d done in %s: %d alerts, %d unique, %d passed, %d forwarded",
		summary.RunID, time.Since(start).Round(time.Millisecond), summary.Alerts,
		summary.UniqueObjects, summary.Passed, summary.Forwarded)
}

func (s *Scheduler) cleanupPayloads() {
	if s.retentionDays <= 0 {
		return
	}
	n, err := s.store.CleanupOldRawPayloads(s.retentionDays)
	if err != nil {
		log.Printf("scheduler: payload cleanup failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("scheduler: removed %d payloads older than %d days", n, s.retentionDays)
	}
}
