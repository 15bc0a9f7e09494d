package main

import (
	"context"
	"errors"
	"testing"

	"marketsync/internal/types"
)

// --- Mock ManualRunner ---

type mockRunner struct {
	results []types.RunResult
	err     error

	gotAccount  string
	gotCategory types.APICategory
}

func (m *mockRunner) RunOnce(_ context.Context, accountID string, category types.APICategory) ([]types.RunResult, error) {
	m.gotAccount = accountID
	m.gotCategory = category
	return m.results, m.err
}

func TestHandler_PassesSelection(t *testing.T) {
	runner := &mockRunner{
		results: []types.RunResult{
			{Key: types.SyncKey{AccountID: "acc-1", Category: types.CategoryOrders}, Outcome: types.OutcomeCompleted},
			{Key: types.SyncKey{AccountID: "acc-1", Category: types.CategoryMessages}, Outcome: types.OutcomeSkipped},
			{Key: types.SyncKey{AccountID: "acc-1", Category: types.CategoryTransactions}, Outcome: types.OutcomeFailed},
		},
	}
	handler := newHandler(runner, nil)

	out, err := handler(context.Background(), TriggerInput{AccountID: "acc-1", APICategory: types.CategoryOrders})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.gotAccount != "acc-1" || runner.gotCategory != types.CategoryOrders {
		t.Errorf("selection not forwarded: %q %q", runner.gotAccount, runner.gotCategory)
	}
	if out.Completed != 1 || out.Skipped != 1 || out.Failed != 1 {
		t.Errorf("unexpected counts: %+v", out)
	}
}

func TestHandler_EmptyPayloadRunsEverything(t *testing.T) {
	runner := &mockRunner{}
	handler := newHandler(runner, nil)

	out, err := handler(context.Background(), TriggerInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.gotAccount != "" || runner.gotCategory != "" {
		t.Error("expected empty selection")
	}
	if out.Results == nil {
		t.Error("results should be an empty slice, not nil")
	}
}

func TestHandler_SelectionErrorFailsInvocation(t *testing.T) {
	runner := &mockRunner{err: types.NewAppError(types.ErrCodeConflictAccountInactive, "inactive", nil)}
	handler := newHandler(runner, nil)

	_, err := handler(context.Background(), TriggerInput{AccountID: "acc-9"})
	if err == nil {
		t.Fatal("expected error")
	}
	if types.CodeOf(err) != types.ErrCodeConflictAccountInactive {
		t.Errorf("expected code to survive wrapping, got %s", types.CodeOf(err))
	}
}

func TestHandler_PartialFailureKeepsResults(t *testing.T) {
	runner := &mockRunner{
		results: []types.RunResult{
			{Key: types.SyncKey{AccountID: "acc-1", Category: types.CategoryOrders}, Outcome: types.OutcomeCompleted},
		},
		err: errors.New("acc-2/orders: failed to start run"),
	}
	handler := newHandler(runner, nil)

	out, err := handler(context.Background(), TriggerInput{})
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Completed != 1 {
		t.Errorf("expected completed result to be reported, got %+v", out)
	}
}
