// Package pipeline drives a field scan end to end: sample frames from the
// flight video, match each frame against the telemetry track, push it
// through the detector backend, normalize whatever comes back, and persist
// frames plus detections. One scan runs at a time on a dedicated
// goroutine; everything else observes through snapshots and events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/annotate"
	"github.com/fieldscan/fieldscan/internal/detector"
	"github.com/fieldscan/fieldscan/internal/export"
	"github.com/fieldscan/fieldscan/internal/models"
	"github.com/fieldscan/fieldscan/internal/normalize"
	"github.com/fieldscan/fieldscan/internal/notifications"
	"github.com/fieldscan/fieldscan/internal/repository"
	"github.com/fieldscan/fieldscan/internal/results"
	"github.com/fieldscan/fieldscan/internal/sampler"
	"github.com/fieldscan/fieldscan/internal/telemetry"
)

const defaultProgressEvery = 500 * time.Millisecond

// FrameSource hands out sampled frames in index order.
type FrameSource interface {
	Total() int
	Next(ctx context.Context) (*models.SampledFrame, error)
}

// SamplerFactory opens a frame source for one video. Injected so tests can
// run the loop without ffmpeg.
type SamplerFactory func(videoPath string, interval time.Duration) (FrameSource, error)

// Detector is the retry-wrapped detection boundary, called once per frame.
type Detector interface {
	Detect(ctx context.Context, req detector.Request) ([]detector.RawFinding, error)
}

// Publisher receives every newly appended detection. Implementations must
// not block.
type Publisher interface {
	Publish(d models.Detection)
}

// ScanEvent is the wire payload for scan lifecycle broadcasts.
type ScanEvent struct {
	RunID           uuid.UUID       `json:"run_id"`
	State           models.RunState `json:"state"`
	FramesTotal     int             `json:"frames_total"`
	FramesProcessed int             `json:"frames_processed"`
	Detections      int             `json:"detections"`
	Error           string          `json:"error,omitempty"`
}

type Orchestrator struct {
	mu      sync.Mutex
	state   models.RunState
	current *models.Run
	cancel  context.CancelFunc
	done    chan struct{}

	store    *results.Store
	runs     *repository.RunRepository
	dets     *repository.DetectionRepository
	layout   Layout
	sampler  SamplerFactory
	backends map[string]Detector
	notifier notifications.Notifier

	publisher  Publisher
	onTerminal func(run *models.Run)

	thumbWidth    int
	progressEvery time.Duration
}

func New(runs *repository.RunRepository, dets *repository.DetectionRepository,
	store *results.Store, layout Layout, factory SamplerFactory,
	backends map[string]Detector, notifier notifications.Notifier,
) *Orchestrator {
	if notifier == nil {
		notifier = notifications.NopNotifier{}
	}
	return &Orchestrator{
		state:         models.RunStateIdle,
		store:         store,
		runs:          runs,
		dets:          dets,
		layout:        layout,
		sampler:       factory,
		backends:      backends,
		notifier:      notifier,
		thumbWidth:    320,
		progressEvery: defaultProgressEvery,
	}
}

// SetPublisher wires an optional detection publisher (Kafka).
func (o *Orchestrator) SetPublisher(p Publisher) { o.publisher = p }

// SetOnTerminal wires a callback invoked after a run reaches a terminal
// state, with a snapshot of the finished run.
func (o *Orchestrator) SetOnTerminal(fn func(run *models.Run)) { o.onTerminal = fn }

// SetThumbnailWidth overrides the gallery thumbnail width.
func (o *Orchestrator) SetThumbnailWidth(w int) {
	if w > 0 {
		o.thumbWidth = w
	}
}

// Start validates the request, records the run, and launches the scan
// goroutine. Returns immediately; a second start while one is running is
// rejected with InvalidStateError.
func (o *Orchestrator) Start(videoPath, telemetryPath string, cfg models.RunConfig) (*models.Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if videoPath == "" {
		return nil, fmt.Errorf("video path is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == models.RunStateRunning {
		return nil, &InvalidStateError{Op: "start a scan", State: o.state}
	}

	run := &models.Run{
		ID:            uuid.New(),
		State:         models.RunStateRunning,
		VideoPath:     videoPath,
		TelemetryPath: telemetryPath,
		Config:        cfg,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.runs.Create(run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	// The store carries the active run only; history stays in the database.
	o.store.Clear()

	ctx, cancel := context.WithCancel(context.Background())
	o.state = models.RunStateRunning
	o.current = run
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.execute(ctx, run)

	return snapshotRun(run), nil
}

// Cancel requests a cooperative stop of the running scan. The scan ends
// between frames, never mid-dispatch.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != models.RunStateRunning || o.cancel == nil {
		return &InvalidStateError{Op: "cancel a scan", State: o.state}
	}
	log.Printf("Pipeline: cancel requested for run %s", o.current.ID)
	o.cancel()
	return nil
}

// Reset clears the output root, the result store, and all persisted runs.
// Refused while a scan is running.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == models.RunStateRunning {
		return &InvalidStateError{Op: "reset", State: o.state}
	}

	if err := o.layout.Clear(); err != nil {
		return fmt.Errorf("clear output: %w", err)
	}
	o.store.Clear()
	if err := o.dets.DeleteAll(); err != nil {
		return fmt.Errorf("clear detections: %w", err)
	}
	if err := o.runs.DeleteAll(); err != nil {
		return fmt.Errorf("clear runs: %w", err)
	}

	o.state = models.RunStateIdle
	o.current = nil
	log.Printf("Pipeline: output cleared, store reset")
	o.notifier.Broadcast(notifications.EventReset, nil)
	return nil
}

// State reports the orchestrator's run state.
func (o *Orchestrator) State() models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Active returns a snapshot of the current run, or nil when none has been
// started since the last reset.
func (o *Orchestrator) Active() *models.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	return snapshotRun(o.current)
}

// Store exposes the live result store for read-only snapshots.
func (o *Orchestrator) Store() *results.Store { return o.store }

// Shutdown cancels any running scan and waits for the worker to exit or
// the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	if cancel == nil || done == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *models.Run) {
	defer close(o.done)
	log.Printf("Pipeline: run %s started (video=%s)", run.ID, run.VideoPath)

	err := o.scan(ctx, run)

	o.mu.Lock()
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	summary := o.store.Summary()
	run.Summary = &summary
	run.Detections = o.store.Len()
	if err != nil {
		run.State = models.RunStateAborted
		if errors.Is(err, context.Canceled) {
			run.Error = "scan canceled"
		} else {
			run.Error = err.Error()
		}
	} else {
		run.State = models.RunStateCompleted
	}
	o.state = run.State
	o.cancel = nil
	snapshot := snapshotRun(run)
	o.mu.Unlock()

	if dbErr := o.runs.Update(snapshot); dbErr != nil {
		log.Printf("Pipeline: persist run %s: %v", run.ID, dbErr)
	}

	if err != nil {
		log.Printf("Pipeline: run %s aborted: %v", run.ID, err)
		o.notifier.Broadcast(notifications.EventScanAborted, eventFor(snapshot))
	} else {
		log.Printf("Pipeline: run %s completed (%d/%d frames, %d detections)",
			run.ID, snapshot.FramesProcessed, snapshot.FramesTotal, snapshot.Detections)
		o.notifier.Broadcast(notifications.EventScanComplete, eventFor(snapshot))
	}

	if o.onTerminal != nil {
		o.onTerminal(snapshot)
	}
}

func (o *Orchestrator) scan(ctx context.Context, run *models.Run) error {
	cfg := run.Config

	track, err := telemetry.ParseFile(run.TelemetryPath)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if skipped := track.SkippedCues(); skipped > 0 {
		log.Printf("Pipeline: telemetry degraded, %d cue(s) without coordinates", skipped)
	}

	interval := time.Duration(cfg.SamplingInterval * float64(time.Second))
	src, err := o.sampler(run.VideoPath, interval)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}

	backend, ok := o.backends[cfg.Backend]
	if !ok {
		return fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}

	if err := o.layout.EnsureRunDir(run.ID); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}

	norm := normalize.New(cfg.ConfidenceThreshold, cfg.Categories)
	maxSkew := time.Duration(cfg.MaxTimeSkew * float64(time.Second))

	o.mu.Lock()
	run.FramesTotal = src.Total()
	snapshot := snapshotRun(run)
	o.mu.Unlock()
	if err := o.runs.Update(snapshot); err != nil {
		log.Printf("Pipeline: persist run %s: %v", run.ID, err)
	}
	o.notifier.Broadcast(notifications.EventScanStart, eventFor(snapshot))

	var lastProgress time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var gap *sampler.FrameGapError
			if errors.As(err, &gap) {
				o.store.CountDecodeGap()
				log.Printf("Pipeline: frame %d decode failed, continuing: %v", gap.Index, gap.Err)
				o.finishFrame(run, &lastProgress)
				continue
			}
			return err
		}

		location := track.Match(frame.Timestamp, maxSkew)
		if location == nil {
			o.store.CountNoLocation()
		}

		var imagePath string
		if cfg.KeepAllFrames {
			imagePath, err = o.writeFrame(run.ID, frame)
			if err != nil {
				return fmt.Errorf("persist frame %d: %w", frame.Index, err)
			}
		}

		findings, err := backend.Detect(ctx, detector.Request{
			Image:      frame.JPEG,
			Categories: cfg.Categories,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.store.CountUndetermined(frame.Index)
			log.Printf("Pipeline: frame %d undetermined: %v", frame.Index, err)
			o.finishFrame(run, &lastProgress)
			continue
		}

		detections, boxes := o.collect(run, frame, location, norm, findings)

		if len(detections) > 0 {
			if imagePath == "" {
				imagePath, err = o.writeFrame(run.ID, frame)
				if err != nil {
					return fmt.Errorf("persist frame %d: %w", frame.Index, err)
				}
			}
			if len(boxes) > 0 {
				if boxedPath, boxErr := o.writeBoxedFrame(run.ID, frame, boxes); boxErr != nil {
					log.Printf("Pipeline: frame %d annotation failed, keeping plain frame: %v", frame.Index, boxErr)
				} else {
					imagePath = boxedPath
				}
			}
			for i := range detections {
				detections[i].ImagePath = imagePath
			}
			// Frame files are on disk before any detection becomes visible.
			for _, d := range detections {
				if !o.store.Append(d) {
					continue
				}
				if err := o.dets.Insert(&d); err != nil {
					log.Printf("Pipeline: persist detection: %v", err)
				}
				if o.publisher != nil {
					o.publisher.Publish(d)
				}
				o.notifier.Broadcast(notifications.EventDetectionNew, d)
			}
		}

		o.finishFrame(run, &lastProgress)
	}

	o.writeExports(run, track)
	return nil
}

// collect normalizes raw findings into detections, counting the rejects.
func (o *Orchestrator) collect(run *models.Run, frame *models.SampledFrame,
	location *models.TelemetryFix, norm *normalize.Normalizer,
	findings []detector.RawFinding,
) ([]models.Detection, []models.BoundingBox) {
	var detections []models.Detection
	var boxes []models.BoundingBox

	for _, f := range findings {
		res, outcome := norm.Normalize(f)
		switch outcome {
		case normalize.Unrecognized:
			o.store.CountUnrecognized()
			log.Printf("Pipeline: frame %d unrecognized finding %q", frame.Index, f.Category)
			continue
		case normalize.BelowThreshold:
			o.store.CountBelowThreshold()
			continue
		}
		if !res.BoxParsed {
			o.store.CountUnparsedBox()
			log.Printf("Pipeline: frame %d box unparseable, keeping detection without box", frame.Index)
		}
		detections = append(detections, models.Detection{
			ID:         uuid.New(),
			RunID:      run.ID,
			FrameIndex: frame.Index,
			Category:   res.Category,
			Confidence: res.Confidence,
			Box:        res.Box,
			Location:   location,
			CreatedAt:  time.Now().UTC(),
		})
		if res.Box != nil {
			boxes = append(boxes, *res.Box)
		}
	}
	return detections, boxes
}

// writeFrame persists the plain frame and its thumbnail and returns the
// root-relative path.
func (o *Orchestrator) writeFrame(runID uuid.UUID, frame *models.SampledFrame) (string, error) {
	path := o.layout.FramePath(runID, frame.Index)
	if err := os.WriteFile(path, frame.JPEG, 0644); err != nil {
		return "", err
	}
	if thumb, err := annotate.Thumbnail(frame.JPEG, o.thumbWidth); err == nil {
		if err := os.WriteFile(o.layout.ThumbPath(runID, frame.Index), thumb, 0644); err != nil {
			log.Printf("Pipeline: thumbnail for frame %d: %v", frame.Index, err)
		}
	}
	return o.layout.Rel(path), nil
}

func (o *Orchestrator) writeBoxedFrame(runID uuid.UUID, frame *models.SampledFrame, boxes []models.BoundingBox) (string, error) {
	annotated, err := annotate.DrawBoxes(frame.JPEG, boxes)
	if err != nil {
		return "", err
	}
	path := o.layout.BoxedFramePath(runID, frame.Index)
	if err := os.WriteFile(path, annotated, 0644); err != nil {
		return "", err
	}
	return o.layout.Rel(path), nil
}

// finishFrame advances progress and emits a throttled progress event. The
// final frame always emits so consumers see processed == total.
func (o *Orchestrator) finishFrame(run *models.Run, lastProgress *time.Time) {
	o.mu.Lock()
	run.FramesProcessed++
	run.Detections = o.store.Len()
	final := run.FramesProcessed >= run.FramesTotal
	snapshot := snapshotRun(run)
	o.mu.Unlock()

	if !final && time.Since(*lastProgress) < o.progressEvery {
		return
	}
	*lastProgress = time.Now()

	if err := o.runs.Update(snapshot); err != nil {
		log.Printf("Pipeline: persist run %s: %v", run.ID, err)
	}
	o.notifier.Broadcast(notifications.EventScanProgress, eventFor(snapshot))
}

func (o *Orchestrator) writeExports(run *models.Run, track *telemetry.Track) {
	snap := o.store.Snapshot()
	if err := export.WriteCSVFile(o.layout.CSVPath(run.ID), snap); err != nil {
		log.Printf("Pipeline: write csv for run %s: %v", run.ID, err)
	}
	fc := export.BuildGeoJSON(snap, track.Fixes())
	if err := export.WriteGeoJSONFile(o.layout.GeoJSONPath(run.ID), fc); err != nil {
		log.Printf("Pipeline: write geojson for run %s: %v", run.ID, err)
	}
}

func eventFor(run *models.Run) ScanEvent {
	return ScanEvent{
		RunID:           run.ID,
		State:           run.State,
		FramesTotal:     run.FramesTotal,
		FramesProcessed: run.FramesProcessed,
		Detections:      run.Detections,
		Error:           run.Error,
	}
}

// snapshotRun deep-copies a run so readers never share memory with the
// scan goroutine.
func snapshotRun(run *models.Run) *models.Run {
	c := *run
	if run.Config.Categories != nil {
		c.Config.Categories = append([]models.Category(nil), run.Config.Categories...)
	}
	if run.Summary != nil {
		s := *run.Summary
		if run.Summary.ByCategory != nil {
			s.ByCategory = make(map[models.Category]int, len(run.Summary.ByCategory))
			for k, v := range run.Summary.ByCategory {
				s.ByCategory[k] = v
			}
		}
		c.Summary = &s
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
