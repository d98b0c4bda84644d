// Package results holds the in-memory detection set for the current scan
// plus the diagnostic counters the pipeline increments along the way.
package results

import (
	"sync"

	"github.com/fieldscan/fieldscan/internal/models"
)

// Counters tracks everything the pipeline skipped or degraded without
// failing the run. Nothing is dropped without one of these moving.
type Counters struct {
	DecodeGaps     int `json:"decode_gaps"`
	Undetermined   int `json:"undetermined_frames"`
	Unrecognized   int `json:"unrecognized_categories"`
	BelowThreshold int `json:"below_threshold"`
	UnparsedBoxes  int `json:"unparsed_boxes"`
	NoLocation     int `json:"no_location_frames"`
}

// Store is the detection set for one scan. The pipeline goroutine is the
// only writer while a run is active; it only ever appends, so readers
// work from snapshots and never block scanning.
type Store struct {
	mu           sync.RWMutex
	detections   []models.Detection
	seen         map[string]bool
	counters     Counters
	undetermined []int
}

func NewStore() *Store {
	return &Store{seen: make(map[string]bool)}
}

// Append adds a detection unless an identical (frame, category, box) key
// is already present. Returns false for a duplicate.
func (s *Store) Append(d models.Detection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := d.Key()
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.detections = append(s.detections, d)
	return true
}

// Snapshot returns a copy of the detection set in insertion order.
func (s *Store) Snapshot() []models.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Detection, len(s.detections))
	copy(out, s.detections)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.detections)
}

func (s *Store) CountDecodeGap() {
	s.mu.Lock()
	s.counters.DecodeGaps++
	s.mu.Unlock()
}

// CountUndetermined records a frame whose detection call failed past the
// retry budget; the frame index is kept so reviewers can revisit it.
func (s *Store) CountUndetermined(frameIndex int) {
	s.mu.Lock()
	s.counters.Undetermined++
	s.undetermined = append(s.undetermined, frameIndex)
	s.mu.Unlock()
}

func (s *Store) CountUnrecognized() {
	s.mu.Lock()
	s.counters.Unrecognized++
	s.mu.Unlock()
}

func (s *Store) CountBelowThreshold() {
	s.mu.Lock()
	s.counters.BelowThreshold++
	s.mu.Unlock()
}

func (s *Store) CountUnparsedBox() {
	s.mu.Lock()
	s.counters.UnparsedBoxes++
	s.mu.Unlock()
}

func (s *Store) CountNoLocation() {
	s.mu.Lock()
	s.counters.NoLocation++
	s.mu.Unlock()
}

func (s *Store) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

func (s *Store) UndeterminedFrames() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, len(s.undetermined))
	copy(out, s.undetermined)
	return out
}

// Summary rolls the store up into the shape persisted on the run record.
func (s *Store) Summary() models.RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCategory := make(map[models.Category]int)
	for _, d := range s.detections {
		byCategory[d.Category]++
	}
	return models.RunSummary{
		ByCategory:     byCategory,
		Undetermined:   s.counters.Undetermined,
		BelowThreshold: s.counters.BelowThreshold,
		Unrecognized:   s.counters.Unrecognized,
		DecodeGaps:     s.counters.DecodeGaps,
		NoLocation:     s.counters.NoLocation,
		UnparsedBoxes:  s.counters.UnparsedBoxes,
	}
}

// Clear wipes the whole set. Partial deletes do not exist on purpose.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detections = nil
	s.seen = make(map[string]bool)
	s.counters = Counters{}
	s.undetermined = nil
}
