package jobqueue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduledJob is one named cron entry. Schedule uses the six-field
// (seconds-precision) cron syntax. Timeout bounds a single run; zero
// means the default.
type ScheduledJob struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Handler  func(ctx context.Context) error
}

const defaultJobTimeout = 5 * time.Minute

// JobScheduler runs registered jobs on their cron schedules. Each run gets
// its own deadline-bound context; a failing run is logged and does not
// unschedule the job.
type JobScheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	jobs   map[string]cron.EntryID
}

func NewJobScheduler(logger *zap.Logger) *JobScheduler {
	return &JobScheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
	}
}

func (js *JobScheduler) AddJob(job ScheduledJob) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	entryID, err := js.cron.AddFunc(job.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		js.logger.Info("Executing scheduled job", zap.String("job", job.Name))
		if err := job.Handler(ctx); err != nil {
			js.logger.Error("Scheduled job failed",
				zap.String("job", job.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}
		js.logger.Info("Scheduled job finished",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return err
	}

	js.jobs[job.Name] = entryID
	return nil
}

func (js *JobScheduler) RemoveJob(name string) {
	if entryID, exists := js.jobs[name]; exists {
		js.cron.Remove(entryID)
		delete(js.jobs, name)
	}
}

func (js *JobScheduler) Start() {
	js.cron.Start()
	js.logger.Info("Job scheduler started", zap.Int("jobs", len(js.jobs)))
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (js *JobScheduler) Stop() {
	ctx := js.cron.Stop()
	<-ctx.Done()
	js.logger.Info("Job scheduler stopped")
}

func (js *JobScheduler) Jobs() []string {
	names := make([]string, 0, len(js.jobs))
	for name := range js.jobs {
		names = append(names, name)
	}
	return names
}
