package store

import (
	"context"
	"time"

	"alertflow/internal/domain"
)

// CreateEvent records a domain event for the event processor to pick up.
func (s *Store) CreateEvent(ctx context.Context, e domain.NotificationEvent) (int64, error) {
	if e.EventData == "" {
		e.EventData = "{}"
	}
	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = time.Now()
	}
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
INSERT INTO NotificationEvents (entity_type, entity_id, event_type, event_data, triggered_at, processed)
VALUES (?, ?, ?, ?, ?, FALSE)
RETURNING id`), e.EntityType, e.EntityID, e.EventType, e.EventData, utc(e.TriggeredAt))
	return id, err
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	var out []domain.NotificationEvent
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT id, entity_type, entity_id, event_type, event_data, triggered_at, processed
FROM NotificationEvents WHERE processed = FALSE
ORDER BY triggered_at ASC, id ASC LIMIT ?`), limit)
	return out, err
}

// MarkEventProcessed flips the processed flag once. It returns false if the
// event was already processed.
func (s *Store) MarkEventProcessed(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE NotificationEvents SET processed = TRUE WHERE id = ? AND processed = FALSE`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
