package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReapLedger struct {
	reaped    []types.RunRecord
	err       error
	gotCutoff time.Time
	gotNow    time.Time
}

func (f *fakeReapLedger) ReapStale(_ context.Context, cutoff, now time.Time) ([]types.RunRecord, error) {
	f.gotCutoff = cutoff
	f.gotNow = now
	return f.reaped, f.err
}

func TestSweep_ReapsAndNotifies(t *testing.T) {
	ledger := &fakeReapLedger{reaped: []types.RunRecord{
		{ID: "run_1", AccountID: "acc_1", Category: types.CategoryOrders, Trigger: types.TriggerScheduled,
			Summary: types.RunSummary{ErrorKind: types.ErrCodeSyncRunReaped}},
		{ID: "run_2", AccountID: "acc_2", Category: types.CategoryMessages, Trigger: types.TriggerManual},
	}}
	notifier := &fakeNotifier{err: errors.New("queue down")}

	r := NewReaper(ReaperConfig{
		Ledger:         ledger,
		MaxRunDuration: 2 * time.Hour,
		Notifier:       notifier,
		Clock:          fixedClock{testNow},
		Logger:         discardLogger(),
	})

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, testNow.Add(-2*time.Hour), ledger.gotCutoff)
	assert.Equal(t, testNow, ledger.gotNow)
	require.Len(t, notifier.events, 2)
	assert.Equal(t, types.OutcomeFailed, notifier.events[0].Outcome)
	assert.Equal(t, "run_2", notifier.events[1].RunID)
}

func TestSweep_StorageError(t *testing.T) {
	r := NewReaper(ReaperConfig{
		Ledger:         &fakeReapLedger{err: types.NewAppError(types.ErrCodeInternalDB, "failed to reap stale runs", nil)},
		MaxRunDuration: time.Hour,
		Clock:          fixedClock{testNow},
		Logger:         discardLogger(),
	})

	_, err := r.Sweep(context.Background())
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}
