package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ──────────────────── Enums ────────────────────

// Category is the closed set of field conditions a scan can report.
type Category string

const (
	CategoryBareSpot Category = "bare_spot"
	CategoryAnimal   Category = "animal"
	CategoryWeed     Category = "weed"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryBareSpot, CategoryAnimal, CategoryWeed:
		return true
	}
	return false
}

// Label returns the human-readable form used in detector prompts and exports.
func (c Category) Label() string {
	switch c {
	case CategoryBareSpot:
		return "bare spot"
	case CategoryAnimal:
		return "animal"
	case CategoryWeed:
		return "weed"
	}
	return string(c)
}

// AllCategories lists every category in stable order.
func AllCategories() []Category {
	return []Category{CategoryBareSpot, CategoryAnimal, CategoryWeed}
}

type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateAborted   RunState = "aborted"
)

// Terminal reports whether the state allows a new run to start.
func (s RunState) Terminal() bool {
	return s == RunStateIdle || s == RunStateCompleted || s == RunStateAborted
}

// ──────────────────── Telemetry ────────────────────

// TelemetryFix is one timestamped GPS reading from the flight log.
// Timestamp is the offset from the start of the recording, not wall clock.
type TelemetryFix struct {
	Timestamp time.Duration `json:"timestamp"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Altitude  *float64      `json:"altitude,omitempty"`
}

// ──────────────────── Frames ────────────────────

// SampledFrame is one frame pulled from the video at a sampling boundary.
type SampledFrame struct {
	Index     int
	Timestamp time.Duration
	JPEG      []byte
}

// BoundingBox is a rectangle in frame-pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", b.X, b.Y, b.Width, b.Height)
}

// ──────────────────── Detections ────────────────────

// Detection is one validated, geotagged finding. Immutable once created.
type Detection struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	RunID      uuid.UUID     `json:"run_id" db:"run_id"`
	FrameIndex int           `json:"frame_index" db:"frame_index"`
	Category   Category      `json:"category" db:"category"`
	Confidence float64       `json:"confidence" db:"confidence"`
	Box        *BoundingBox  `json:"box,omitempty"`
	Location   *TelemetryFix `json:"location,omitempty"`
	ImagePath  string        `json:"image_path" db:"image_path"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// Key identifies a detection for dedup purposes. A backend may report the
// same category more than once per frame with disjoint boxes; those are
// distinct detections.
func (d *Detection) Key() string {
	box := ""
	if d.Box != nil {
		box = d.Box.String()
	}
	return fmt.Sprintf("%d|%s|%s", d.FrameIndex, d.Category, box)
}

// ──────────────────── Runs ────────────────────

// RunConfig is the immutable configuration of one pipeline run. Durations
// are expressed in seconds so values round-trip cleanly through the API
// and the settings store.
type RunConfig struct {
	SamplingInterval    float64    `json:"sampling_interval"`
	Categories          []Category `json:"categories"`
	MaxTimeSkew         float64    `json:"max_time_skew"`
	ConfidenceThreshold float64    `json:"confidence_threshold"`
	Backend             string     `json:"backend"`
	KeepAllFrames       bool       `json:"keep_all_frames"`
}

func (c *RunConfig) Validate() error {
	if c.SamplingInterval <= 0 {
		return fmt.Errorf("sampling interval must be positive, got %v", c.SamplingInterval)
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	for _, cat := range c.Categories {
		if !cat.Valid() {
			return fmt.Errorf("unknown category %q", cat)
		}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.MaxTimeSkew < 0 {
		return fmt.Errorf("max time skew must not be negative, got %v", c.MaxTimeSkew)
	}
	return nil
}

// RunSummary aggregates the outcome of a run: accepted detections per
// category plus every diagnostic counter the pipeline tracked.
type RunSummary struct {
	ByCategory     map[Category]int `json:"by_category"`
	Undetermined   int              `json:"undetermined_frames"`
	BelowThreshold int              `json:"below_threshold"`
	Unrecognized   int              `json:"unrecognized_categories"`
	DecodeGaps     int              `json:"decode_gaps"`
	NoLocation     int              `json:"no_location_frames"`
	UnparsedBoxes  int              `json:"unparsed_boxes"`
}

type Run struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	State           RunState    `json:"state" db:"state"`
	VideoPath       string      `json:"video_path" db:"video_path"`
	TelemetryPath   string      `json:"telemetry_path,omitempty" db:"telemetry_path"`
	FramesTotal     int         `json:"frames_total" db:"frames_total"`
	FramesProcessed int         `json:"frames_processed" db:"frames_processed"`
	Detections      int         `json:"detections" db:"detections"`
	Error           string      `json:"error,omitempty" db:"error"`
	Config          RunConfig   `json:"config"`
	Summary         *RunSummary `json:"summary,omitempty"`
	StartedAt       time.Time   `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
}

// ──────────────────── Users & Sessions ────────────────────

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type Session struct {
	Token     string    `json:"token" db:"token"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	ExpiresAt int64     `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
