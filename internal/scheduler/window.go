package scheduler

import (
	"time"

	"marketsync/internal/types"
)

// ComputeWindow returns the fetch window for a run starting at now.
//
// A nil prior cursor means the key was never synced: the window is the
// backfill [now-backfill, now), and backfill must be positive or a new
// account would import no history. Otherwise the window starts overlap
// before the cursor so late-arriving records are picked up again. A clock
// that moved backwards yields an empty window at from, never an inverted
// one. The returned To is the value CompleteRun writes back as the cursor.
func ComputeWindow(prior *time.Time, now time.Time, backfill, overlap time.Duration) (types.Window, error) {
	now = now.UTC()

	var from time.Time
	if prior == nil {
		if backfill <= 0 {
			return types.Window{}, types.NewAppError(types.ErrCodeValidationBackfillDepth, "backfill depth must be positive", nil)
		}
		from = now.Add(-backfill)
	} else {
		if overlap < 0 {
			overlap = 0
		}
		from = prior.UTC().Add(-overlap)
	}

	to := now
	if to.Before(from) {
		to = from
	}
	return types.Window{From: from, To: to}, nil
}
