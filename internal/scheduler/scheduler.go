package scheduler

import (
	"log"
	"os"
	"time"

	"github.com/fieldscan/fieldscan/internal/pipeline"
	"github.com/fieldscan/fieldscan/internal/repository"
)

// Scheduler deletes finished scan runs, their detections and their output
// directories once they age past the retention window.
type Scheduler struct {
	runs          *repository.RunRepository
	dets          *repository.DetectionRepository
	layout        pipeline.Layout
	retentionDays int
	interval      time.Duration
	stop          chan struct{}
}

// New creates a retention sweeper. A retention of zero or less disables it.
func New(runs *repository.RunRepository, dets *repository.DetectionRepository,
	layout pipeline.Layout, retentionDays int) *Scheduler {
	return &Scheduler{
		runs:          runs,
		dets:          dets,
		layout:        layout,
		retentionDays: retentionDays,
		interval:      24 * time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins the ticker loop.
func (s *Scheduler) Start() {
	if s.retentionDays <= 0 {
		log.Println("[scheduler] retention disabled")
		return
	}
	go s.run()
	log.Printf("[scheduler] retention sweeper started (keep %d days, interval=%s)", s.retentionDays, s.interval)
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) run() {
	// Initial sweep after a short delay
	time.Sleep(10 * time.Second)
	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			log.Println("[scheduler] retention sweeper stopped")
			return
		}
	}
}

func (s *Scheduler) sweep() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	expired, err := s.runs.ListFinishedBefore(cutoff)
	if err != nil {
		log.Printf("[scheduler] error listing expired runs: %v", err)
		return
	}

	for _, run := range expired {
		log.Printf("[scheduler] run %s finished %s, past retention", run.ID, run.FinishedAt.Format(time.RFC3339))

		if err := s.dets.DeleteByRun(run.ID); err != nil {
			log.Printf("[scheduler] error deleting detections for %s: %v", run.ID, err)
			continue
		}
		if err := s.runs.Delete(run.ID); err != nil {
			log.Printf("[scheduler] error deleting run %s: %v", run.ID, err)
			continue
		}
		if err := os.RemoveAll(s.layout.RunDir(run.ID)); err != nil {
			log.Printf("[scheduler] error removing output for %s: %v", run.ID, err)
		}
	}
}
