// Package archive runs the audit archive on a schedule.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Job moves audit rows older than the retention window to cold storage.
type Job struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewJob creates a Job.
func NewJob(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *Job {
	return &Job{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_job")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one archive pass over everything created before the cutoff.
func (j *Job) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	n, err := j.archiver.ArchiveAudit(ctx, time.Unix(0, 0).UTC(), cutoff)
	if err != nil {
		return n, fmt.Errorf("archive: audit before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.logger.InfoContext(ctx, "archive run complete", slog.Int64("audit_archived", n))
	return n, nil
}

// RunCron runs the job on a 5-field cron schedule until ctx is cancelled.
// A failed run is logged and the schedule continues.
func (j *Job) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("archive: cron %q: %w", cronExpr, err)
	}
	j.logger.InfoContext(ctx, "archive cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.Next(j.now())
		if err != nil {
			return fmt.Errorf("archive: cron %q: %w", cronExpr, err)
		}

		wait := next.Sub(j.now())
		j.logger.DebugContext(ctx, "waiting for next archive run",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.InfoContext(ctx, "archive cron stopped")
			return nil
		case <-timer.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
