package store

import (
	"context"
	"fmt"

	"alertflow/internal/domain"
)

const templateColumns = `id, name, type, trigger_event, subject_template, body_template, is_active,
priority, delay_minutes, max_frequency_hours, recipients_roles, recipients_emails`

func (s *Store) CreateTemplate(ctx context.Context, t domain.NotificationTemplate) (int64, error) {
	if t.Type == "" {
		t.Type = "email"
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.RecipientsRoles == "" {
		t.RecipientsRoles = "[]"
	}
	if t.RecipientsEmails == "" {
		t.RecipientsEmails = "[]"
	}
	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
INSERT INTO NotificationTemplates (name, type, trigger_event, subject_template, body_template, is_active,
  priority, delay_minutes, max_frequency_hours, recipients_roles, recipients_emails)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		t.Name, t.Type, t.TriggerEvent, t.SubjectTemplate, t.BodyTemplate, t.IsActive,
		t.Priority, t.DelayMinutes, t.MaxFrequencyHours, t.RecipientsRoles, t.RecipientsEmails)
	return id, err
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (domain.NotificationTemplate, error) {
	var t domain.NotificationTemplate
	err := s.db.GetContext(ctx, &t, s.q(`SELECT `+templateColumns+` FROM NotificationTemplates WHERE id = ?`), id)
	return t, notFound(err, fmt.Sprintf("template %d", id))
}

// TemplatesForEvent returns the active templates bound to a trigger event.
func (s *Store) TemplatesForEvent(ctx context.Context, event string) ([]domain.NotificationTemplate, error) {
	var out []domain.NotificationTemplate
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+templateColumns+` FROM NotificationTemplates
WHERE trigger_event = ? AND is_active = TRUE ORDER BY id`), event)
	return out, err
}

func (s *Store) ListTemplates(ctx context.Context) ([]domain.NotificationTemplate, error) {
	var out []domain.NotificationTemplate
	err := s.db.SelectContext(ctx, &out, `SELECT `+templateColumns+` FROM NotificationTemplates ORDER BY name`)
	return out, err
}
