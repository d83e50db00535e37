package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"alertflow/internal/domain"
)

const queueColumns = `id, template_id, trigger_event, related_entity_type, related_entity_id, recipient_type,
recipient_identifier, recipient_address, subject, body, status, attempts, max_attempts, scheduled_at,
sent_at, failed_at, error_message, context_data, priority, dedup_key, created_at, updated_at`

const priorityOrder = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END`

// Enqueue inserts a pending entry. An entry whose dedup key already exists
// is skipped and reported as not inserted.
func (s *Store) Enqueue(ctx context.Context, e domain.QueueEntry) (bool, error) {
	now := utc(time.Now())
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}
	if e.Priority == "" {
		e.Priority = domain.PriorityMedium
	}
	if e.ContextData == "" {
		e.ContextData = "{}"
	}
	res, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO NotificationQueue (template_id, trigger_event, related_entity_type, related_entity_id,
  recipient_type, recipient_identifier, recipient_address, subject, body, status, attempts, max_attempts,
  scheduled_at, context_data, priority, dedup_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (dedup_key) DO NOTHING`),
		e.TemplateID, e.TriggerEvent, e.RelatedEntityType, e.RelatedEntityID,
		e.RecipientType, e.RecipientIdentifier, e.RecipientAddress, e.Subject, e.Body, e.MaxAttempts,
		utc(e.ScheduledAt), e.ContextData, e.Priority, e.DedupKey, now, now)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.DedupKey, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecentlyQueued reports whether the template already produced an entry for
// the same entity and recipient since the given time.
func (s *Store) RecentlyQueued(ctx context.Context, templateID int64, entityType string, entityID *int64, recipient string, since time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM NotificationQueue
WHERE template_id = ? AND related_entity_type = ? AND recipient_identifier = ? AND created_at >= ?
  AND status <> 'cancelled'`
	args := []any{templateID, entityType, recipient, utc(since)}
	if entityID != nil {
		query += ` AND related_entity_id = ?`
		args = append(args, *entityID)
	} else {
		query += ` AND related_entity_id IS NULL`
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(query), args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadyEntries returns pending entries due at now, most urgent first.
func (s *Store) ReadyEntries(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	var out []domain.QueueEntry
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+queueColumns+` FROM NotificationQueue
WHERE status = 'pending' AND scheduled_at <= ?
ORDER BY `+priorityOrder+`, scheduled_at ASC, id ASC
LIMIT ?`), utc(now), limit)
	return out, err
}

// Claim moves an entry from pending to processing. It returns false when
// another pass got there first.
func (s *Store) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE NotificationQueue SET status = 'processing', updated_at = ?
WHERE id = ? AND status = 'pending'`), utc(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Release hands a claimed entry back without counting an attempt.
func (s *Store) Release(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE NotificationQueue SET status = 'pending', updated_at = ?
WHERE id = ? AND status = 'processing'`), utc(now), id)
	return err
}

// MarkSent closes a claimed entry as sent and appends a delivered log row.
func (s *Store) MarkSent(ctx context.Context, e domain.QueueEntry, method string, now time.Time) error {
	now = utc(now)
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE NotificationQueue SET status = 'sent', sent_at = ?, error_message = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`), now, now, e.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("queue entry %d is not processing", e.ID)
		}
		return insertLog(ctx, tx, e, method, domain.LogDelivered, nil, now)
	})
}

// MarkAttemptFailed counts a failed attempt. The entry becomes failed once
// attempts reach max_attempts, otherwise it goes back to pending at retryAt.
// It returns the resulting status.
func (s *Store) MarkAttemptFailed(ctx context.Context, e domain.QueueEntry, method, reason string, now, retryAt time.Time) (string, error) {
	now = utc(now)
	var status string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE NotificationQueue
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
    failed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE failed_at END,
    scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at ELSE ? END,
    error_message = ?,
    updated_at = ?
WHERE id = ? AND status = 'processing'`), now, utc(retryAt), reason, now, e.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("queue entry %d is not processing", e.ID)
		}
		if err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM NotificationQueue WHERE id = ?`), e.ID); err != nil {
			return err
		}
		return insertLog(ctx, tx, e, method, domain.LogFailed, &reason, now)
	})
	return status, err
}

func insertLog(ctx context.Context, tx *sqlx.Tx, e domain.QueueEntry, method, status string, reason *string, at time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO NotificationLog (queue_id, template_id, recipient_type, recipient_identifier, delivery_method, status, error_message, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), e.ID, e.TemplateID, e.RecipientType, e.RecipientIdentifier, method, status, reason, at)
	return err
}

// RecoverStale treats entries stuck in processing since before staleBefore
// as a failed attempt.
func (s *Store) RecoverStale(ctx context.Context, staleBefore, now, retryAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE NotificationQueue
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
    failed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE failed_at END,
    scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at ELSE ? END,
    error_message = 'delivery interrupted',
    updated_at = ?
WHERE status = 'processing' AND updated_at < ?`), utc(now), utc(retryAt), utc(now), utc(staleBefore))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetQueueEntry(ctx context.Context, id int64) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := s.db.GetContext(ctx, &e, s.q(`SELECT `+queueColumns+` FROM NotificationQueue WHERE id = ?`), id)
	return e, notFound(err, fmt.Sprintf("queue entry %d", id))
}

type QueueFilter struct {
	Status   string
	Priority string
	Limit    int
	Offset   int
}

// ListQueue pages through the queue, newest first, and returns the total
// number of rows matching the filter.
func (s *Store) ListQueue(ctx context.Context, f QueueFilter) ([]domain.QueueEntry, int, error) {
	where := ` WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		where += ` AND priority = ?`
		args = append(args, f.Priority)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(*) FROM NotificationQueue`+where), args...); err != nil {
		return nil, 0, err
	}
	var out []domain.QueueEntry
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+queueColumns+` FROM NotificationQueue`+where+`
ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), append(args, f.Limit, f.Offset)...)
	return out, total, err
}

func (s *Store) QueueCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM NotificationQueue GROUP BY status`); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
