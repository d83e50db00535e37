package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"alertflow/internal/domain"
)

const alertColumns = `id, name, description, alert_type, trigger_conditions, check_frequency_minutes,
max_alerts_per_day, is_active, last_check_at, last_triggered_at, alerts_sent_today, notification_template_id`

func (s *Store) CreateAlert(ctx context.Context, a domain.AutomatedAlert) (int64, error) {
	if a.TriggerConditions == "" {
		a.TriggerConditions = "{}"
	}
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
INSERT INTO AutomatedAlerts (name, description, alert_type, trigger_conditions, check_frequency_minutes,
  max_alerts_per_day, is_active, last_check_at, last_triggered_at, alerts_sent_today, notification_template_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		a.Name, a.Description, a.AlertType, a.TriggerConditions, a.CheckFrequencyMinutes,
		a.MaxAlertsPerDay, a.IsActive, utcPtr(a.LastCheckAt), utcPtr(a.LastTriggeredAt), a.AlertsSentToday, a.NotificationTemplateID)
	return id, err
}

// ActiveAlerts lists active alerts, optionally restricted to the given types.
func (s *Store) ActiveAlerts(ctx context.Context, types ...domain.AlertType) ([]domain.AutomatedAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM AutomatedAlerts WHERE is_active = TRUE`
	var args []any
	if len(types) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND alert_type IN (?)`, types)
		if err != nil {
			return nil, err
		}
	}
	query += ` ORDER BY alert_type, id`

	var alerts []domain.AutomatedAlert
	err := s.db.SelectContext(ctx, &alerts, s.q(query), args...)
	return alerts, err
}

func (s *Store) ListAlerts(ctx context.Context) ([]domain.AutomatedAlert, error) {
	var alerts []domain.AutomatedAlert
	err := s.db.SelectContext(ctx, &alerts, `SELECT `+alertColumns+` FROM AutomatedAlerts ORDER BY alert_type, id`)
	return alerts, err
}

func (s *Store) GetAlert(ctx context.Context, id int64) (domain.AutomatedAlert, error) {
	var a domain.AutomatedAlert
	err := s.db.GetContext(ctx, &a, s.q(`SELECT `+alertColumns+` FROM AutomatedAlerts WHERE id = ?`), id)
	return a, notFound(err, fmt.Sprintf("alert %d", id))
}

// AlertCheck is the run state written back after an alert was evaluated.
type AlertCheck struct {
	AlertID     int64
	CheckedAt   time.Time
	TriggeredAt *time.Time
	SentToday   int
}

// RecordAlertCheck stamps last_check_at and the daily counter. The trigger
// time is only overwritten when the alert queued something.
func (s *Store) RecordAlertCheck(ctx context.Context, c AlertCheck) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE AutomatedAlerts
SET last_check_at = ?,
    last_triggered_at = COALESCE(?, last_triggered_at),
    alerts_sent_today = ?
WHERE id = ?`), utc(c.CheckedAt), utcPtr(c.TriggeredAt), c.SentToday, c.AlertID)
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
