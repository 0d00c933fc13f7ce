package syncjobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/domain/services/session"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	"github.com/jitension/portfolio-tracker/pkg/jobqueue"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/metrics"
)

// Job names as they appear in logs and metrics.
const (
	JobBulkSync          = "bulk_sync"
	JobDailySnapshots    = "daily_snapshots"
	JobSnapshotRetention = "snapshot_retention"
)

// Per-run deadlines. Bulk sync talks to the brokerage for every account
// and needs far more headroom than the two database-only jobs.
const (
	bulkSyncTimeout  = 30 * time.Minute
	snapshotTimeout  = 10 * time.Minute
	retentionTimeout = 5 * time.Minute
)

// AccountSource lists the accounts the scheduled jobs operate on.
type AccountSource interface {
	ListActive(ctx context.Context) ([]*entities.LinkedAccount, error)
}

// Syncer runs one account sync end to end.
type Syncer interface {
	Sync(ctx context.Context, accountID uuid.UUID) (*entities.SyncResult, error)
}

// PortfolioStore reads the persisted aggregate the snapshot job records.
type PortfolioStore interface {
	GetByAccount(ctx context.Context, accountID uuid.UUID) (*entities.Portfolio, error)
}

// SnapshotStore extends and prunes the snapshot series.
type SnapshotStore interface {
	Create(ctx context.Context, snapshot *entities.PortfolioSnapshot) error
	DeleteManualOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Alerter notifies the operator about accounts that need attention.
type Alerter interface {
	SyncFailureAlert(ctx context.Context, account *entities.LinkedAccount, cause error) error
	RelinkRequiredAlert(ctx context.Context, account *entities.LinkedAccount) error
}

// Config tunes the scheduled jobs. Zero values fall back to defaults.
type Config struct {
	Concurrency    int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetentionDays  int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	return c
}

// Runner owns the scheduled background jobs: the bulk account sync, the
// daily snapshot pass, and snapshot retention.
type Runner struct {
	accounts   AccountSource
	syncer     Syncer
	portfolios PortfolioStore
	snapshots  SnapshotStore
	alerts     Alerter
	clock      session.Clock
	config     Config
	logger     *logger.Logger
}

// NewRunner wires a job runner over the given stores and services.
func NewRunner(
	accounts AccountSource,
	syncer Syncer,
	portfolios PortfolioStore,
	snapshots SnapshotStore,
	alerts Alerter,
	clock session.Clock,
	cfg Config,
	log *logger.Logger,
) *Runner {
	return &Runner{
		accounts:   accounts,
		syncer:     syncer,
		portfolios: portfolios,
		snapshots:  snapshots,
		alerts:     alerts,
		clock:      clock,
		config:     cfg.withDefaults(),
		logger:     log,
	}
}

// Register adds the three jobs to the scheduler on the configured cron
// schedules.
func (r *Runner) Register(scheduler *jobqueue.JobScheduler, jobs config.JobsConfig) error {
	entries := []jobqueue.ScheduledJob{
		{
			Name:     JobBulkSync,
			Schedule: jobs.BulkSyncSchedule,
			Timeout:  bulkSyncTimeout,
			Handler:  r.instrumented(JobBulkSync, r.RunBulkSync),
		},
		{
			Name:     JobDailySnapshots,
			Schedule: jobs.SnapshotSchedule,
			Timeout:  snapshotTimeout,
			Handler:  r.instrumented(JobDailySnapshots, r.RunDailySnapshots),
		},
		{
			Name:     JobSnapshotRetention,
			Schedule: jobs.RetentionSchedule,
			Timeout:  retentionTimeout,
			Handler:  r.instrumented(JobSnapshotRetention, r.RunRetention),
		},
	}

	for _, entry := range entries {
		if err := scheduler.AddJob(entry); err != nil {
			return fmt.Errorf("failed to register job %s: %w", entry.Name, err)
		}
	}
	return nil
}

// instrumented wraps a job handler with the run-outcome counter.
func (r *Runner) instrumented(job string, handler func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := handler(ctx)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.ScheduledJobRunsTotal.WithLabelValues(job, outcome).Inc()
		return err
	}
}
