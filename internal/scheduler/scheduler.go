// Package scheduler runs marketplace sync work: the Worker that executes one
// run per (account, category) key, the Scheduler that fans runs out across
// accounts, the heartbeat-driven Loop that drives periodic payloads, and the
// Reaper that fails runs abandoned by crashed workers.
//
// Scheduled cycles and the admin trigger go through the same dispatch path
// and the same Worker.RunForAccount; the run ledger's per-key lock is the
// only mutual exclusion between them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"marketsync/internal/types"

	"golang.org/x/sync/errgroup"
)

// SchedulerConfig holds the dependencies for creating a Scheduler.
type SchedulerConfig struct {
	Accounts    AccountReader
	States      SyncStateReader
	Settings    SettingsReader
	Registry    types.FetcherRegistry
	Runner      AccountRunner
	Concurrency int
	Logger      *slog.Logger
}

// Scheduler dispatches Worker runs for scheduled cycles and manual triggers.
type Scheduler struct {
	accounts    AccountReader
	states      SyncStateReader
	settings    SettingsReader
	registry    types.FetcherRegistry
	runner      AccountRunner
	concurrency int
	logger      *slog.Logger
}

// CycleReport summarizes one scheduled cycle.
type CycleReport struct {
	WorkersDisabled bool              `json:"workers_disabled"`
	Dispatched      int               `json:"dispatched"`
	Completed       int               `json:"completed"`
	Failed          int               `json:"failed"`
	Skipped         int               `json:"skipped"`
	Results         []types.RunResult `json:"results,omitempty"`
}

// NewScheduler creates a Scheduler. Concurrency defaults to 8.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		accounts:    cfg.Accounts,
		states:      cfg.States,
		settings:    cfg.Settings,
		registry:    cfg.Registry,
		runner:      cfg.Runner,
		concurrency: concurrency,
		logger:      logger,
	}
}

// RunCycle performs one scheduled cycle:
//  1. Read the workers switch. When it is off the cycle does nothing.
//  2. List active accounts and, per account, the categories to run: every
//     registered category without a state row or with an enabled one.
//  3. Run every key with bounded concurrency.
//
// Per-key failures are isolated. Storage errors are joined and returned
// after every key has finished.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	enabled, err := s.settings.WorkersEnabled(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	if !enabled {
		s.logger.InfoContext(ctx, "workers disabled, skipping sync cycle")
		return CycleReport{WorkersDisabled: true}, nil
	}

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return CycleReport{}, err
	}

	keys, listErr := s.collectKeys(ctx, accounts, "")
	results, runErr := s.dispatch(ctx, keys, types.TriggerScheduled)

	report := summarize(results)
	s.logger.InfoContext(ctx, "sync cycle complete",
		"accounts", len(accounts),
		"dispatched", report.Dispatched,
		"completed", report.Completed,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, errors.Join(listErr, runErr)
}

// RunOnce runs the selected keys immediately with the manual trigger. An
// empty accountID selects every active account. An empty category selects
// every enabled category; a named category runs even when disabled. The
// workers switch applies to scheduled cycles only.
func (s *Scheduler) RunOnce(ctx context.Context, accountID string, category types.APICategory) ([]types.RunResult, error) {
	if category != "" && !slices.Contains(s.registry.Categories(), category) {
		return nil, types.NewAppError(types.ErrCodeValidationUnknownCategory,
			fmt.Sprintf("unknown api category %q", category), nil)
	}

	var accounts []types.Account
	if accountID != "" {
		account, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !account.Active {
			return nil, types.NewAppError(types.ErrCodeConflictAccountInactive,
				fmt.Sprintf("account %s is inactive", accountID), nil)
		}
		accounts = []types.Account{*account}
	} else {
		active, err := s.accounts.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		accounts = active
	}

	keys, listErr := s.collectKeys(ctx, accounts, category)
	results, runErr := s.dispatch(ctx, keys, types.TriggerManual)

	s.logger.InfoContext(ctx, "manual sync complete",
		"account_id", accountID,
		"api_category", category,
		"dispatched", len(results),
	)
	return results, errors.Join(listErr, runErr)
}

// collectKeys resolves the keys to run for accounts. A non-empty only
// restricts to that category and ignores its enabled flag. An account whose
// state rows cannot be listed is skipped and its error joined.
func (s *Scheduler) collectKeys(ctx context.Context, accounts []types.Account, only types.APICategory) ([]types.SyncKey, error) {
	categories := s.registry.Categories()
	if only != "" {
		categories = []types.APICategory{only}
	}

	var keys []types.SyncKey
	var errs []error
	for _, account := range accounts {
		if only != "" {
			keys = append(keys, types.SyncKey{AccountID: account.ID, Category: only})
			continue
		}

		states, err := s.states.ListForAccount(ctx, account.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to list sync states",
				"account_id", account.ID,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		disabled := make(map[types.APICategory]bool, len(states))
		for _, st := range states {
			if !st.Enabled {
				disabled[st.Category] = true
			}
		}
		for _, category := range categories {
			if disabled[category] {
				continue
			}
			keys = append(keys, types.SyncKey{AccountID: account.ID, Category: category})
		}
	}
	return keys, errors.Join(errs...)
}

// dispatch runs keys with at most s.concurrency in flight. Results keep the
// order of keys. The group never cancels siblings: one key's error must not
// abort the others.
func (s *Scheduler) dispatch(ctx context.Context, keys []types.SyncKey, trigger types.RunTrigger) ([]types.RunResult, error) {
	results := make([]types.RunResult, len(keys))

	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			defer func() {
				if rvr := recover(); rvr != nil {
					s.logger.ErrorContext(ctx, "panic dispatching sync run",
						"account_id", key.AccountID,
						"api_category", key.Category,
						"panic", rvr,
						"stack", string(debug.Stack()),
					)
					results[i] = failedResult(key, types.ErrCodeInternalUnexpected, fmt.Sprintf("panic: %v", rvr))
				}
			}()

			result, err := s.runner.RunForAccount(ctx, key, trigger)
			if err != nil {
				s.logger.ErrorContext(ctx, "sync run storage failure",
					"account_id", key.AccountID,
					"api_category", key.Category,
					"error", err,
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
				if result.Outcome == "" {
					result = failedResult(key, types.CodeOf(err), err.Error())
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

func failedResult(key types.SyncKey, kind types.ErrorCode, message string) types.RunResult {
	return types.RunResult{
		Key:     key,
		Outcome: types.OutcomeFailed,
		Summary: types.RunSummary{ErrorKind: kind, ErrorMessage: message},
	}
}

func summarize(results []types.RunResult) CycleReport {
	report := CycleReport{Dispatched: len(results), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case types.OutcomeCompleted:
			report.Completed++
		case types.OutcomeFailed:
			report.Failed++
		case types.OutcomeSkipped:
			report.Skipped++
		}
	}
	return report
}
