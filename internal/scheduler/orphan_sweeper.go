package scheduler

import (
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/pipeline"
	"github.com/fieldscan/fieldscan/internal/repository"
)

// OrphanSweeper periodically removes output directories whose run row no
// longer exists. A crash between writing frames and recording the run, or
// a reset interrupted mid-delete, can leave these behind.
type OrphanSweeper struct {
	runs     *repository.RunRepository
	layout   pipeline.Layout
	interval time.Duration
	stop     chan struct{}
}

func NewOrphanSweeper(runs *repository.RunRepository, layout pipeline.Layout) *OrphanSweeper {
	return &OrphanSweeper{
		runs:     runs,
		layout:   layout,
		interval: time.Hour,
		stop:     make(chan struct{}),
	}
}

func (w *OrphanSweeper) Start() {
	go w.run()
	log.Printf("[orphan-sweeper] started (interval=%s)", w.interval)
}

func (w *OrphanSweeper) Stop() {
	close(w.stop)
}

func (w *OrphanSweeper) run() {
	time.Sleep(30 * time.Second)
	w.check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.check()
		case <-w.stop:
			log.Println("[orphan-sweeper] stopped")
			return
		}
	}
}

func (w *OrphanSweeper) check() {
	entries, err := os.ReadDir(w.layout.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[orphan-sweeper] read output root: %v", err)
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Only touch directories that look like run IDs. Anything else
		// in the output root is not ours to delete.
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}

		// Delete only when the row is definitely gone. A transient query
		// error must not take a live run's output with it.
		if _, err := w.runs.GetByID(id); !errors.Is(err, sql.ErrNoRows) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(w.layout.Root, entry.Name())); err != nil {
			log.Printf("[orphan-sweeper] remove %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[orphan-sweeper] removed %d orphaned output dir(s)", removed)
	}
}
