// Package app builds the dependency graph shared by the marketsync entry
// points. cmd/syncd and cmd/sync-trigger both construct it at cold start so
// scheduled and on-demand runs go through the same Worker.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketsync/internal/config"
	"marketsync/internal/db"
	"marketsync/internal/external"
	"marketsync/internal/notify"
	"marketsync/internal/scheduler"
	"marketsync/internal/security"
	"marketsync/internal/sink"
	"marketsync/internal/tokens"
	"marketsync/internal/types"
)

// App holds every long-lived component. Fields are exported so entry points
// pick what they need.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	Accounts    *db.AccountRepository
	States      *db.SyncStateRepository
	Credentials *db.CredentialStore
	Heartbeats  *db.HeartbeatRepository
	Settings    *db.SettingsRepository
	Ledger      *db.RunLedger

	Clients   *external.ClientRegistry
	Pipeline  *tokens.Pipeline
	Refresher *tokens.Refresher
	Sink      types.Sink
	Notifier  types.NotificationEmitter
	Metrics   scheduler.MetricsRecorder

	Worker    *scheduler.Worker
	Scheduler *scheduler.Scheduler
	Reaper    *scheduler.Reaper
}

// New wires the application:
//  1. Open the database pool and, when enabled, apply the schema.
//  2. Build repositories and the credential sealer.
//  3. Build marketplace clients and the token pipeline.
//  4. Build AWS-backed sink decorators, notifier and metrics.
//  5. Build the worker, scheduler and reaper.
//
// The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a, err := build(ctx, cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) (*App, error) {
	if cfg.Database.AutoMigrate {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database schema ensured")
	}

	sealer, err := security.NewEnvelopeSealer(cfg.Credentials.EncryptionKey.Unmask())
	if err != nil {
		return nil, fmt.Errorf("credential sealer: %w", err)
	}
	shape, err := security.NewTokenShape(cfg.Marketplace.TokenPattern)
	if err != nil {
		return nil, fmt.Errorf("token shape: %w", err)
	}

	tx := db.NewPoolTransactor(pool)
	a := &App{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Accounts:    db.NewAccountRepository(pool),
		States:      db.NewSyncStateRepository(pool),
		Credentials: db.NewCredentialStore(pool, tx, sealer),
		Heartbeats:  db.NewHeartbeatRepository(pool),
		Settings:    db.NewSettingsRepository(pool),
		Ledger:      db.NewRunLedger(pool, tx),
	}

	a.Clients, err = external.NewClientRegistry(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("marketplace clients: %w", err)
	}

	a.Pipeline = tokens.NewPipeline(tokens.PipelineConfig{
		Store:         a.Credentials,
		Sealer:        sealer,
		Shape:         shape,
		Identity:      a.Clients.Identity,
		RefreshMargin: cfg.Credentials.RefreshMargin,
		Logger:        logger.With("component", "tokens"),
	})
	a.Refresher = tokens.NewRefresher(tokens.RefresherConfig{
		Lister:      a.Credentials,
		Pipeline:    a.Pipeline,
		Lookahead:   cfg.Credentials.RefreshLookahead,
		BatchSize:   cfg.Credentials.RefreshBatch,
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger.With("component", "refresher"),
	})

	if err := a.wireAWS(ctx); err != nil {
		return nil, err
	}

	a.Worker = scheduler.NewWorker(scheduler.WorkerConfig{
		Ledger:         a.Ledger,
		States:         a.States,
		Tokens:         a.Pipeline,
		Registry:       a.Clients.Fetchers,
		Sink:           a.Sink,
		Notifier:       a.Notifier,
		Metrics:        a.Metrics,
		WorkerID:       workerID(cfg),
		BackfillDepth:  cfg.Sync.BackfillDepth,
		Overlap:        cfg.Sync.Overlap,
		MaxPages:       cfg.Sync.MaxPages,
		PageTimeout:    cfg.Sync.PageTimeout,
		RunTimeout:     cfg.Sync.RunTimeout,
		PublishTimeout: cfg.Sync.PublishTimeout,
		Logger:         logger.With("component", "worker"),
	})
	a.Scheduler = scheduler.NewScheduler(scheduler.SchedulerConfig{
		Accounts:    a.Accounts,
		States:      a.States,
		Settings:    a.Settings,
		Registry:    a.Clients.Fetchers,
		Runner:      a.Worker,
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger.With("component", "scheduler"),
	})
	a.Reaper = scheduler.NewReaper(scheduler.ReaperConfig{
		Ledger:         a.Ledger,
		MaxRunDuration: cfg.Sync.MaxRunDuration,
		Notifier:       a.Notifier,
		Logger:         logger.With("component", "reaper"),
	})
	return a, nil
}

// wireAWS chooses the sink, notifier and metrics backends. Without a queue,
// bucket or metrics flag the process needs no AWS credentials at all.
func (a *App) wireAWS(ctx context.Context) error {
	cfg := a.Config
	itemSink := db.NewItemRepository(a.Pool)
	a.Sink = itemSink
	a.Notifier = notify.NewLogEmitter(a.Logger.With("component", "events"))
	a.Metrics = notify.NoopMetrics{}

	archive := cfg.Feature.EnableArchive && cfg.AWS.ArchiveBucket != ""
	if !archive && cfg.AWS.SyncEventQueue == "" && !cfg.Observability.EnableMetrics {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	endpoint := cfg.AWS.EndpointURL

	if archive {
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		a.Sink = sink.NewArchiveSink(itemSink, client, cfg.AWS.ArchiveBucket, "", a.Logger.With("component", "archive"))
		a.Logger.Info("raw page archive enabled", "bucket", cfg.AWS.ArchiveBucket)
	}

	if cfg.AWS.SyncEventQueue != "" {
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		a.Notifier = notify.NewSQSEmitter(client, cfg.AWS.SyncEventQueue, a.Logger.With("component", "events"))
	}

	if cfg.Observability.EnableMetrics {
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		a.Metrics = notify.NewCloudWatchMetrics(client, cfg.Observability.MetricNamespace, a.Logger.With("component", "metrics"))
	}
	return nil
}

// Close releases the database pool.
func (a *App) Close() {
	a.Pool.Close()
}

// workerID labels run records with the service name and a per-process
// suffix so concurrent processes are distinguishable in the ledger.
func workerID(cfg *config.Config) string {
	return cfg.Service + "-" + uuid.NewString()[:8]
}
