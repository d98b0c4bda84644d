package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscan/fieldscan/internal/models"
)

func trackOf(timestamps ...time.Duration) *Track {
	tr := &Track{}
	for i, ts := range timestamps {
		tr.fixes = append(tr.fixes, models.TelemetryFix{
			Timestamp: ts,
			Latitude:  47.0 + float64(i)*0.001,
			Longitude: 8.0 + float64(i)*0.001,
		})
	}
	return tr
}

// TestMatch_TieBreakEarlierWins pins the tie-break rule: a frame exactly
// between two fixes always correlates to the earlier fix.
func TestMatch_TieBreakEarlierWins(t *testing.T) {
	t.Parallel()

	tr := trackOf(0, 2*time.Second)
	for i := 0; i < 10; i++ {
		fix := tr.Match(time.Second, 5*time.Second)
		require.NotNil(t, fix)
		assert.Equal(t, time.Duration(0), fix.Timestamp)
	}
}

func TestMatch_NearestFix(t *testing.T) {
	t.Parallel()

	tr := trackOf(0, time.Second, 2*time.Second, 3*time.Second)

	t.Run("exact hit", func(t *testing.T) {
		t.Parallel()
		fix := tr.Match(2*time.Second, time.Second)
		require.NotNil(t, fix)
		assert.Equal(t, 2*time.Second, fix.Timestamp)
	})

	t.Run("closer to later fix", func(t *testing.T) {
		t.Parallel()
		fix := tr.Match(1700*time.Millisecond, time.Second)
		require.NotNil(t, fix)
		assert.Equal(t, 2*time.Second, fix.Timestamp)
	})

	t.Run("closer to earlier fix", func(t *testing.T) {
		t.Parallel()
		fix := tr.Match(1300*time.Millisecond, time.Second)
		require.NotNil(t, fix)
		assert.Equal(t, time.Second, fix.Timestamp)
	})
}

// TestMatch_SkewLimit checks that frames outside telemetry coverage get a
// nil location rather than an error or a far-fetched fix.
func TestMatch_SkewLimit(t *testing.T) {
	t.Parallel()

	tr := trackOf(10*time.Second, 11*time.Second)

	t.Run("before coverage beyond skew", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, tr.Match(2*time.Second, 2*time.Second))
	})

	t.Run("after coverage beyond skew", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, tr.Match(20*time.Second, 2*time.Second))
	})

	t.Run("edge of coverage within skew", func(t *testing.T) {
		t.Parallel()
		fix := tr.Match(12*time.Second, 2*time.Second)
		require.NotNil(t, fix)
		assert.Equal(t, 11*time.Second, fix.Timestamp)
	})

	t.Run("exactly at skew boundary", func(t *testing.T) {
		t.Parallel()
		fix := tr.Match(13*time.Second, 2*time.Second)
		require.NotNil(t, fix)
		assert.Equal(t, 11*time.Second, fix.Timestamp)
	})

	t.Run("one tick past skew boundary", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, tr.Match(13*time.Second+time.Millisecond, 2*time.Second))
	})
}

func TestMatch_EmptyTrack(t *testing.T) {
	t.Parallel()

	tr := &Track{}
	assert.Nil(t, tr.Match(time.Second, time.Hour))
}

func TestMatch_SingleFix(t *testing.T) {
	t.Parallel()

	tr := trackOf(5 * time.Second)
	fix := tr.Match(4*time.Second, 2*time.Second)
	require.NotNil(t, fix)
	assert.Equal(t, 5*time.Second, fix.Timestamp)
}

// TestMatch_ReturnsCopy verifies callers cannot mutate the track through
// the returned fix.
func TestMatch_ReturnsCopy(t *testing.T) {
	t.Parallel()

	tr := trackOf(0)
	fix := tr.Match(0, time.Second)
	require.NotNil(t, fix)
	fix.Latitude = -90

	again := tr.Match(0, time.Second)
	require.NotNil(t, again)
	assert.Equal(t, 47.0, again.Latitude)
}

func TestFixes_ReturnsCopy(t *testing.T) {
	t.Parallel()

	tr := trackOf(0, time.Second)
	fixes := tr.Fixes()
	fixes[0].Latitude = -90

	assert.Equal(t, 47.0, tr.Fixes()[0].Latitude)
}
