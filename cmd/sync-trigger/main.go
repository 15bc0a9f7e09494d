// Package main is the entry point for the on-demand sync Lambda.
//
// The function runs the selected keys immediately through the same Worker
// syncd uses. The run ledger lock makes it safe to invoke while syncd is
// running: a key already in flight reports outcome "skipped".
//
// Example payloads:
//
//	{}                                           every enabled key
//	{"account_id": "acc-1"}                      every enabled key of acc-1
//	{"account_id": "acc-1", "api_category": "orders"}
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"marketsync/internal/app"
	"marketsync/internal/config"
	"marketsync/internal/types"
)

// TriggerInput is the Lambda invocation payload.
type TriggerInput struct {
	AccountID   string            `json:"account_id,omitempty"`
	APICategory types.APICategory `json:"api_category,omitempty"`
}

// TriggerOutput summarizes the invocation.
type TriggerOutput struct {
	Results   []types.RunResult `json:"results"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
}

// ManualRunner is implemented by scheduler.Scheduler.
type ManualRunner interface {
	RunOnce(ctx context.Context, accountID string, category types.APICategory) ([]types.RunResult, error)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("sync-trigger Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The pool lives for the lifetime of the execution environment.
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	logger.Info("sync-trigger Lambda initialized",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)
	lambda.Start(newHandler(a.Scheduler, logger))
}

// newHandler wraps RunOnce. Per-key run failures are reported in the output,
// not as an invocation error, so Lambda does not retry keys that already
// completed. Only selection errors (unknown category, missing or inactive
// account) and storage failures fail the invocation.
func newHandler(runner ManualRunner, logger *slog.Logger) func(ctx context.Context, input TriggerInput) (TriggerOutput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, input TriggerInput) (TriggerOutput, error) {
		logger.InfoContext(ctx, "sync-trigger invoked",
			"account_id", input.AccountID,
			"api_category", input.APICategory,
		)

		results, err := runner.RunOnce(ctx, input.AccountID, input.APICategory)

		out := TriggerOutput{Results: results}
		if out.Results == nil {
			out.Results = []types.RunResult{}
		}
		for _, res := range results {
			switch res.Outcome {
			case types.OutcomeCompleted:
				out.Completed++
			case types.OutcomeFailed:
				out.Failed++
			case types.OutcomeSkipped:
				out.Skipped++
			}
		}

		if err != nil {
			logger.ErrorContext(ctx, "sync-trigger failed",
				"error", err,
				"dispatched", len(results),
			)
			return out, fmt.Errorf("sync trigger failed: %w", err)
		}

		logger.InfoContext(ctx, "sync-trigger complete",
			"completed", out.Completed,
			"failed", out.Failed,
			"skipped", out.Skipped,
		)
		return out, nil
	}
}
