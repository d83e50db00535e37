package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"alertflow/internal/domain"
)

const jobColumns = `id, name, description, job_type, schedule_pattern, timezone, is_active,
total_runs, successful_runs, failed_runs, last_run_at, next_run_at, last_duration_ms,
last_status, last_error_message, job_config, created_at, updated_at`

// CreateJob inserts a job definition and returns its id.
func (s *Store) CreateJob(ctx context.Context, j domain.ScheduledJob) (int64, error) {
	if j.JobConfig == "" {
		j.JobConfig = "{}"
	}
	now := utc(time.Now())
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
INSERT INTO ScheduledJobs (name, description, job_type, schedule_pattern, timezone, is_active, job_config, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`), j.Name, j.Description, j.JobType, j.SchedulePattern, j.Timezone, j.IsActive, j.JobConfig, now, now)
	return id, err
}

func (s *Store) ActiveJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	var jobs []domain.ScheduledJob
	err := s.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM ScheduledJobs WHERE is_active = TRUE ORDER BY name`)
	return jobs, err
}

func (s *Store) ListJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	var jobs []domain.ScheduledJob
	err := s.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM ScheduledJobs ORDER BY name`)
	return jobs, err
}

func (s *Store) GetJob(ctx context.Context, id int64) (domain.ScheduledJob, error) {
	var j domain.ScheduledJob
	err := s.db.GetContext(ctx, &j, s.q(`SELECT `+jobColumns+` FROM ScheduledJobs WHERE id = ?`), id)
	return j, notFound(err, fmt.Sprintf("job %d", id))
}

func (s *Store) SetJobActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE ScheduledJobs SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, utc(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateNextRun records the next fire time computed by the scheduler.
func (s *Store) UpdateNextRun(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE ScheduledJobs SET next_run_at = ? WHERE id = ?`), utc(next), id)
	return err
}

// StartExecution opens a running execution row.
func (s *Store) StartExecution(ctx context.Context, jobID int64, instance string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
INSERT INTO JobExecutionLog (job_id, started_at, status, server_instance)
VALUES (?, ?, 'running', ?)
RETURNING id`), jobID, utc(startedAt), instance)
	return id, err
}

// FinishedRun carries everything recorded once a job run ends.
type FinishedRun struct {
	ExecutionID int64
	JobID       int64
	Status      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Result      domain.JobResult
	Error       string
	NextRunAt   *time.Time
}

// FinishRun closes the execution row and folds the outcome into the job's
// run counters in one transaction. An execution that is no longer running
// is left untouched.
func (s *Store) FinishRun(ctx context.Context, r FinishedRun) error {
	durationMs := r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	var errText *string
	if r.Error != "" {
		errText = &r.Error
	}
	var succeeded, failed int
	if r.Status == domain.RunSuccess {
		succeeded = 1
	} else {
		failed = 1
	}
	var next *time.Time
	if r.NextRunAt != nil {
		n := utc(*r.NextRunAt)
		next = &n
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if r.ExecutionID > 0 {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE JobExecutionLog
SET finished_at = ?, duration_ms = ?, status = ?, records_processed = ?,
    notifications_sent = ?, errors_count = ?, error_details = ?
WHERE id = ? AND status = 'running'`),
				utc(r.FinishedAt), durationMs, r.Status, r.Result.RecordsProcessed,
				r.Result.NotificationsSent, r.Result.Errors, errText, r.ExecutionID)
			if err != nil {
				return fmt.Errorf("close execution %d: %w", r.ExecutionID, err)
			}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE ScheduledJobs
SET total_runs = total_runs + 1,
    successful_runs = successful_runs + ?,
    failed_runs = failed_runs + ?,
    last_run_at = ?,
    last_status = ?,
    last_duration_ms = ?,
    last_error_message = ?,
    next_run_at = COALESCE(?, next_run_at),
    updated_at = ?
WHERE id = ?`),
			succeeded, failed, utc(r.StartedAt), r.Status, durationMs, errText, next, utc(r.FinishedAt), r.JobID)
		if err != nil {
			return fmt.Errorf("update job %d counters: %w", r.JobID, err)
		}
		return nil
	})
}

func (s *Store) ListExecutions(ctx context.Context, jobID int64, limit int) ([]domain.JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.JobExecution
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT id, job_id, started_at, finished_at, duration_ms, status, records_processed,
       notifications_sent, errors_count, error_details, server_instance
FROM JobExecutionLog WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`), jobID, limit)
	return out, err
}
