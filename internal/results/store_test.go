package results

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscan/fieldscan/internal/models"
)

func detection(frame int, category models.Category, box *models.BoundingBox) models.Detection {
	return models.Detection{
		FrameIndex: frame,
		Category:   category,
		Confidence: 0.9,
		Box:        box,
	}
}

func TestStore_AppendAndSnapshot(t *testing.T) {
	t.Parallel()

	s := NewStore()
	assert.True(t, s.Append(detection(0, models.CategoryWeed, nil)))
	assert.True(t, s.Append(detection(1, models.CategoryAnimal, nil)))
	assert.Equal(t, 2, s.Len())

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 0, snap[0].FrameIndex)
	assert.Equal(t, 1, snap[1].FrameIndex)
}

// TestStore_Dedup pins the dedup key: same frame and category with the
// same box is a duplicate, a different box is a distinct detection.
func TestStore_Dedup(t *testing.T) {
	t.Parallel()

	s := NewStore()
	boxA := &models.BoundingBox{X: 10, Y: 10, Width: 50, Height: 50}
	boxB := &models.BoundingBox{X: 200, Y: 10, Width: 50, Height: 50}

	assert.True(t, s.Append(detection(3, models.CategoryWeed, boxA)))
	assert.False(t, s.Append(detection(3, models.CategoryWeed, boxA)))
	assert.True(t, s.Append(detection(3, models.CategoryWeed, boxB)))
	assert.True(t, s.Append(detection(3, models.CategoryAnimal, boxA)))
	assert.Equal(t, 3, s.Len())
}

func TestStore_DedupNilBox(t *testing.T) {
	t.Parallel()

	s := NewStore()
	assert.True(t, s.Append(detection(5, models.CategoryWeed, nil)))
	assert.False(t, s.Append(detection(5, models.CategoryWeed, nil)))
	assert.Equal(t, 1, s.Len())
}

// TestStore_SnapshotIsolation verifies mutating a snapshot does not reach
// back into the store.
func TestStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Append(detection(0, models.CategoryWeed, nil))

	snap := s.Snapshot()
	snap[0].Category = models.CategoryAnimal

	assert.Equal(t, models.CategoryWeed, s.Snapshot()[0].Category)
}

func TestStore_Counters(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.CountDecodeGap()
	s.CountUndetermined(3)
	s.CountUndetermined(7)
	s.CountUnrecognized()
	s.CountBelowThreshold()
	s.CountUnparsedBox()
	s.CountNoLocation()

	c := s.Counters()
	assert.Equal(t, 1, c.DecodeGaps)
	assert.Equal(t, 2, c.Undetermined)
	assert.Equal(t, 1, c.Unrecognized)
	assert.Equal(t, 1, c.BelowThreshold)
	assert.Equal(t, 1, c.UnparsedBoxes)
	assert.Equal(t, 1, c.NoLocation)
	assert.Equal(t, []int{3, 7}, s.UndeterminedFrames())
}

func TestStore_Summary(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Append(detection(0, models.CategoryWeed, nil))
	s.Append(detection(1, models.CategoryWeed, &models.BoundingBox{X: 1, Y: 1, Width: 2, Height: 2}))
	s.Append(detection(2, models.CategoryBareSpot, nil))
	s.CountBelowThreshold()
	s.CountUndetermined(4)

	summary := s.Summary()
	assert.Equal(t, 2, summary.ByCategory[models.CategoryWeed])
	assert.Equal(t, 1, summary.ByCategory[models.CategoryBareSpot])
	assert.Equal(t, 0, summary.ByCategory[models.CategoryAnimal])
	assert.Equal(t, 1, summary.BelowThreshold)
	assert.Equal(t, 1, summary.Undetermined)
}

// TestStore_Clear verifies the whole-set wipe, including dedup state so a
// re-run can append the same keys again.
func TestStore_Clear(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Append(detection(0, models.CategoryWeed, nil))
	s.CountDecodeGap()
	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, Counters{}, s.Counters())
	assert.Empty(t, s.UndeterminedFrames())
	assert.True(t, s.Append(detection(0, models.CategoryWeed, nil)))
}

// TestStore_ConcurrentReaders hammers snapshots while a writer appends;
// the race detector keeps this honest.
func TestStore_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Append(detection(i, models.CategoryWeed, nil))
			s.CountNoLocation()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Snapshot()
			_ = s.Counters()
			_ = s.Len()
		}
	}()
	wg.Wait()

	assert.Equal(t, 200, s.Len())
}
