package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrBackupUnsupported = errors.New("online backup is only supported for sqlite")

type CleanupResult struct {
	Logs       int `json:"logs"`
	Queue      int `json:"queue"`
	Executions int `json:"executions"`
	Events     int `json:"events"`
}

func (r CleanupResult) Total() int { return r.Logs + r.Queue + r.Executions + r.Events }

// Cleanup removes delivery history, terminal queue rows, closed executions
// and processed events older than the cutoff.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (CleanupResult, error) {
	before = utc(before)
	var out CleanupResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		steps := []struct {
			dst   *int
			query string
		}{
			{&out.Logs, `DELETE FROM NotificationLog WHERE sent_at < ?`},
			{&out.Queue, `DELETE FROM NotificationQueue WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < ?`},
			{&out.Executions, `DELETE FROM JobExecutionLog WHERE status <> 'running' AND started_at < ?`},
			{&out.Events, `DELETE FROM NotificationEvents WHERE processed = TRUE AND triggered_at < ?`},
		}
		for _, st := range steps {
			res, err := tx.ExecContext(ctx, tx.Rebind(st.query), before)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			n, _ := res.RowsAffected()
			*st.dst = int(n)
		}
		return nil
	})
	return out, err
}

type DeliveryStats struct {
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	ByMethod  map[string]int `json:"by_method"`
}

func (s *Store) DeliveryStats(ctx context.Context, since time.Time) (DeliveryStats, error) {
	var rows []struct {
		Method string `db:"delivery_method"`
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT delivery_method, status, COUNT(*) AS n FROM NotificationLog
WHERE sent_at >= ? GROUP BY delivery_method, status`), utc(since))
	if err != nil {
		return DeliveryStats{}, err
	}
	out := DeliveryStats{ByMethod: map[string]int{}}
	for _, r := range rows {
		switch r.Status {
		case "delivered":
			out.Delivered += r.N
			out.ByMethod[r.Method] += r.N
		case "failed":
			out.Failed += r.N
		}
	}
	return out, nil
}

type ExecutionStats struct {
	Runs          int     `db:"runs" json:"runs"`
	Succeeded     int     `db:"succeeded" json:"succeeded"`
	Failed        int     `db:"failed" json:"failed"`
	AvgDurationMs float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
}

func (s *Store) ExecutionStats(ctx context.Context, since time.Time) (ExecutionStats, error) {
	var out ExecutionStats
	err := s.db.GetContext(ctx, &out, s.q(`
SELECT COUNT(*) AS runs,
       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS succeeded,
       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
       COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
FROM JobExecutionLog WHERE started_at >= ?`), utc(since))
	return out, err
}

// Backup writes a consistent copy of the sqlite database to path.
func (s *Store) Backup(ctx context.Context, path string) error {
	if s.driver != DriverSQLite {
		return ErrBackupUnsupported
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path)
	return err
}
