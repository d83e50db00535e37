// Package notify renders templates, resolves recipients and writes the
// resulting entries to the delivery queue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/render"
)

var ErrAlreadyRunning = errors.New("processing already in progress")

// QueueWriter is the part of the store the composer writes through.
type QueueWriter interface {
	Enqueue(ctx context.Context, e domain.QueueEntry) (bool, error)
	RecentlyQueued(ctx context.Context, templateID int64, entityType string, entityID *int64, recipient string, since time.Time) (bool, error)
}

type RecipientResolver interface {
	Resolve(ctx context.Context, tpl domain.NotificationTemplate, participant *domain.Recipient) ([]domain.Recipient, error)
}

type Composer struct {
	queue       QueueWriter
	resolver    RecipientResolver
	maxAttempts int
	log         zerolog.Logger
}

func NewComposer(queue QueueWriter, resolver RecipientResolver, maxAttempts int, log zerolog.Logger) *Composer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Composer{
		queue:       queue,
		resolver:    resolver,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "composer").Logger(),
	}
}

// Notification is one rendered message fanned out to its recipients.
type Notification struct {
	Template        domain.NotificationTemplate
	TriggerEvent    string
	EntityType      string
	EntityID        *int64
	Context         map[string]any
	Participant     *domain.Recipient
	DefaultPriority domain.Priority
	// DedupPrefix identifies the occurrence; the recipient is appended to it
	// to form the queue dedup key.
	DedupPrefix string
	// Limit caps how many entries may be queued. Zero means no cap.
	Limit int
	Now   time.Time
}

// Outcome counts what happened to each resolved recipient.
type Outcome struct {
	Recipients int
	Queued     int
	Duplicates int
	Throttled  int
	Capped     int
}

// Compose renders the template and queues one entry per recipient. Entries
// already queued under the same dedup key are skipped, so a repeated call
// for the same occurrence is harmless.
func (c *Composer) Compose(ctx context.Context, n Notification) (Outcome, error) {
	var out Outcome
	vars := render.Flatten(n.Context)
	subject := render.Render(n.Template.SubjectTemplate, vars)
	body := render.Render(n.Template.BodyTemplate, vars)

	rcpts, err := c.resolver.Resolve(ctx, n.Template, n.Participant)
	if err != nil {
		return out, err
	}
	out.Recipients = len(rcpts)
	if len(rcpts) == 0 {
		c.log.Debug().Int64("template_id", n.Template.ID).Str("event", n.TriggerEvent).Msg("no recipients resolved")
		return out, nil
	}

	contextData, err := json.Marshal(vars)
	if err != nil {
		return out, fmt.Errorf("encode context: %w", err)
	}

	priority := n.Template.Priority
	if !priority.Valid() {
		priority = n.DefaultPriority
	}
	if !priority.Valid() {
		priority = domain.PriorityMedium
	}
	now := n.Now
	if now.IsZero() {
		now = time.Now()
	}
	scheduledAt := now.Add(time.Duration(n.Template.DelayMinutes) * time.Minute)
	templateID := n.Template.ID

	for i, rc := range rcpts {
		if n.Limit > 0 && out.Queued >= n.Limit {
			out.Capped = len(rcpts) - i
			break
		}
		if n.Template.MaxFrequencyHours > 0 {
			since := now.Add(-time.Duration(n.Template.MaxFrequencyHours) * time.Hour)
			recent, err := c.queue.RecentlyQueued(ctx, templateID, n.EntityType, n.EntityID, rc.Identifier, since)
			if err != nil {
				return out, fmt.Errorf("frequency check: %w", err)
			}
			if recent {
				out.Throttled++
				continue
			}
		}

		inserted, err := c.queue.Enqueue(ctx, domain.QueueEntry{
			TemplateID:          &templateID,
			TriggerEvent:        n.TriggerEvent,
			RelatedEntityType:   n.EntityType,
			RelatedEntityID:     n.EntityID,
			RecipientType:       string(rc.Type),
			RecipientIdentifier: rc.Identifier,
			RecipientAddress:    rc.Address,
			Subject:             subject,
			Body:                body,
			MaxAttempts:         c.maxAttempts,
			ScheduledAt:         scheduledAt,
			ContextData:         string(contextData),
			Priority:            priority,
			DedupKey:            n.DedupPrefix + "|" + string(rc.Type) + ":" + rc.Identifier,
		})
		if err != nil {
			return out, err
		}
		if inserted {
			out.Queued++
		} else {
			out.Duplicates++
		}
	}
	return out, nil
}
