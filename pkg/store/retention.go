package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelgate/modelgate/pkg/observability"
)

// deadTokenStore is the slice of the store the retention job needs.
type deadTokenStore interface {
	DeleteDeadTokens(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RetentionJob periodically deletes tokens that have been revoked or
// expired for longer than the retention age. Validity never depends on
// deletion; this is storage hygiene.
type RetentionJob struct {
	store    deadTokenStore
	schedule string
	age      time.Duration
	logger   *observability.Logger
	cron     *cron.Cron
}

// NewRetentionJob creates the job. Schedule is a cron expression
// ("@hourly", "0 3 * * *"); an empty schedule disables the job.
func NewRetentionJob(store deadTokenStore, schedule string, age time.Duration, logger *observability.Logger) *RetentionJob {
	return &RetentionJob{
		store:    store,
		schedule: schedule,
		age:      age,
		logger:   logger,
	}
}

// Start schedules the job. No-op when disabled.
func (j *RetentionJob) Start() error {
	if j.schedule == "" {
		j.logger.Debug("token retention job disabled")
		return nil
	}

	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, j.run); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.logger.WithField("schedule", j.schedule).Info("token retention job started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *RetentionJob) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Run performs one sweep immediately. Exposed for manual triggering.
func (j *RetentionJob) Run(ctx context.Context) (int64, error) {
	return j.store.DeleteDeadTokens(ctx, j.age)
}

func (j *RetentionJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := j.Run(ctx)
	if err != nil {
		j.logger.WithError(err).Error("token retention sweep failed")
		return
	}
	if deleted > 0 {
		j.logger.WithField("deleted", deleted).Info("token retention sweep completed")
	}
}
