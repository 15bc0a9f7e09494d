package scheduler

import (
	"testing"
	"time"

	"marketsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeWindow_FirstSyncUsesBackfill(t *testing.T) {
	w, err := ComputeWindow(nil, testNow, 90*24*time.Hour, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, testNow.Add(-90*24*time.Hour), w.From)
	assert.Equal(t, testNow, w.To)
	assert.Equal(t, 90*24*time.Hour, w.Duration())
}

func TestComputeWindow_FirstSyncRequiresPositiveBackfill(t *testing.T) {
	for _, backfill := range []time.Duration{0, -time.Hour} {
		_, err := ComputeWindow(nil, testNow, backfill, time.Minute)
		assert.Equal(t, types.ErrCodeValidationBackfillDepth, types.CodeOf(err), "backfill %s", backfill)
	}
}

func TestComputeWindow_IncrementalAppliesOverlap(t *testing.T) {
	prior := testNow.Add(-time.Hour)

	w, err := ComputeWindow(&prior, testNow, 90*24*time.Hour, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, testNow.Add(-65*time.Minute), w.From)
	assert.Equal(t, testNow, w.To)
}

func TestComputeWindow_NegativeOverlapIsZero(t *testing.T) {
	prior := testNow.Add(-time.Hour)

	w, err := ComputeWindow(&prior, testNow, time.Hour, -10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, prior, w.From)
}

func TestComputeWindow_ClockRegressionYieldsEmptyWindow(t *testing.T) {
	prior := testNow.Add(time.Hour)

	w, err := ComputeWindow(&prior, testNow, time.Hour, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, prior.Add(-5*time.Minute), w.From)
	assert.Equal(t, w.From, w.To)
	assert.Zero(t, w.Duration())
}

func TestComputeWindow_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)

	w, err := ComputeWindow(nil, testNow.In(loc), time.Hour, 0)
	require.NoError(t, err)

	assert.Equal(t, time.UTC, w.To.Location())
	assert.True(t, w.To.Equal(testNow))
}

func TestComputeWindow_SuccessiveRunsLeaveNoGaps(t *testing.T) {
	var cursor *time.Time
	now := testNow

	for i := range 10 {
		w, err := ComputeWindow(cursor, now, 24*time.Hour, 5*time.Minute)
		require.NoError(t, err)

		if cursor != nil {
			assert.False(t, w.From.After(*cursor), "run %d starts after the previous cursor", i)
		}
		assert.False(t, w.To.Before(w.From), "run %d window inverted", i)

		to := w.To
		cursor = &to
		now = now.Add(time.Duration(i+1) * 7 * time.Minute)
	}
}
