package telemetry

import (
	"time"

	"github.com/fieldscan/fieldscan/internal/models"
)

// Track is an ordered, immutable sequence of GPS fixes for one flight.
type Track struct {
	fixes   []models.TelemetryFix
	skipped int
}

func (t *Track) Len() int { return len(t.fixes) }

// SkippedCues reports how many cues carried no recognizable coordinates.
func (t *Track) SkippedCues() int { return t.skipped }

// Fixes returns a copy of the track for path export.
func (t *Track) Fixes() []models.TelemetryFix {
	out := make([]models.TelemetryFix, len(t.fixes))
	copy(out, t.fixes)
	return out
}

// Match returns the fix nearest to ts, or nil when the nearest fix is more
// than maxSkew away. When two fixes are equidistant the earlier one wins,
// so repeated runs over the same inputs correlate identically. A frame
// outside coverage is an expected condition, never an error.
func (t *Track) Match(ts, maxSkew time.Duration) *models.TelemetryFix {
	if len(t.fixes) == 0 {
		return nil
	}

	// First fix at or after ts; the best candidate is that fix or the
	// one just before it.
	lo, hi := 0, len(t.fixes)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.fixes[mid].Timestamp < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	best := -1
	if lo < len(t.fixes) {
		best = lo
	}
	if lo > 0 {
		if best == -1 || absDuration(ts-t.fixes[lo-1].Timestamp) <= absDuration(t.fixes[best].Timestamp-ts) {
			best = lo - 1
		}
	}

	if absDuration(t.fixes[best].Timestamp-ts) > maxSkew {
		return nil
	}
	fix := t.fixes[best]
	return &fix
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
