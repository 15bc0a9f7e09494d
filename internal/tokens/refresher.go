package tokens

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"marketsync/internal/types"

	"golang.org/x/sync/errgroup"
)

// DueLister lists accounts whose access token expires before a horizon.
// Inactive accounts and accounts flagged needs_reconnect are excluded.
type DueLister interface {
	ListDueForRefresh(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// RefresherConfig holds the dependencies for creating a Refresher.
type RefresherConfig struct {
	Lister      DueLister
	Pipeline    *Pipeline
	Lookahead   time.Duration
	BatchSize   int
	Concurrency int
	Clock       types.Clock
	Logger      *slog.Logger
}

// Refresher refreshes credentials ahead of expiry so workers rarely pay for
// a refresh inside a run.
type Refresher struct {
	lister      DueLister
	pipeline    *Pipeline
	lookahead   time.Duration
	batch       int
	concurrency int
	clock       types.Clock
	logger      *slog.Logger
}

// RefreshReport summarizes one RefreshDue pass.
type RefreshReport struct {
	Due       int `json:"due"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// NewRefresher creates a Refresher. BatchSize defaults to 100 and
// Concurrency to 4.
func NewRefresher(cfg RefresherConfig) *Refresher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		lister:      cfg.Lister,
		pipeline:    cfg.Pipeline,
		lookahead:   cfg.Lookahead,
		batch:       batch,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger,
	}
}

// RefreshDue refreshes every credential expiring within the lookahead.
// Per-account failures are recorded on the credential by the pipeline and
// counted in the report; only a listing failure is returned.
func (r *Refresher) RefreshDue(ctx context.Context) (RefreshReport, error) {
	now := r.clock.Now()
	horizon := now.Add(r.lookahead)

	ids, err := r.lister.ListDueForRefresh(ctx, horizon, r.batch)
	if err != nil {
		return RefreshReport{}, err
	}

	var refreshed, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := r.pipeline.refresh(gctx, id, horizon); err != nil {
				failed.Add(1)
				r.logger.WarnContext(gctx, "scheduled refresh failed",
					"account_id", id,
					"error_kind", types.CodeOf(err),
				)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := RefreshReport{
		Due:       len(ids),
		Refreshed: int(refreshed.Load()),
		Failed:    int(failed.Load()),
	}
	r.logger.InfoContext(ctx, "refresh pass complete",
		"due", report.Due,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
	)
	return report, ctx.Err()
}
