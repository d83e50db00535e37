package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
)

const eventBatchSize = 50

type EventStore interface {
	PendingEvents(ctx context.Context, limit int) ([]domain.NotificationEvent, error)
	TemplatesForEvent(ctx context.Context, event string) ([]domain.NotificationTemplate, error)
	TicketByID(ctx context.Context, id int64) (domain.TicketView, error)
	EquipmentByID(ctx context.Context, id int64) (domain.EquipmentView, error)
	MarkEventProcessed(ctx context.Context, id int64) (bool, error)
}

// EventProcessor turns recorded domain events into queue entries using the
// templates whose trigger_event matches the event type.
type EventProcessor struct {
	store    EventStore
	composer *Composer
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
	running  atomic.Bool
}

func NewEventProcessor(store EventStore, composer *Composer, loc *time.Location, log zerolog.Logger) *EventProcessor {
	if loc == nil {
		loc = time.UTC
	}
	return &EventProcessor{
		store:    store,
		composer: composer,
		loc:      loc,
		now:      time.Now,
		log:      log.With().Str("component", "events").Logger(),
	}
}

type EventResult struct {
	Events int `json:"events"`
	Queued int `json:"queued"`
	Failed int `json:"failed"`
}

// ProcessPending handles up to one batch of unprocessed events. An event
// that fails is left unprocessed for the next pass.
func (p *EventProcessor) ProcessPending(ctx context.Context) (EventResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return EventResult{}, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	var res EventResult
	events, err := p.store.PendingEvents(ctx, eventBatchSize)
	if err != nil {
		return res, fmt.Errorf("load pending events: %w", err)
	}
	for _, ev := range events {
		res.Events++
		queued, err := p.processEvent(ctx, ev)
		res.Queued += queued
		if err != nil {
			res.Failed++
			p.log.Error().Err(err).Int64("event_id", ev.ID).Str("event_type", ev.EventType).Msg("event processing failed")
			continue
		}
		if _, err := p.store.MarkEventProcessed(ctx, ev.ID); err != nil {
			res.Failed++
			p.log.Error().Err(err).Int64("event_id", ev.ID).Msg("mark event processed")
		}
	}
	if res.Events > 0 {
		p.log.Info().Int("events", res.Events).Int("queued", res.Queued).Int("failed", res.Failed).Msg("events processed")
	}
	return res, nil
}

func (p *EventProcessor) processEvent(ctx context.Context, ev domain.NotificationEvent) (int, error) {
	templates, err := p.store.TemplatesForEvent(ctx, ev.EventType)
	if err != nil {
		return 0, err
	}
	if len(templates) == 0 {
		return 0, nil
	}

	now := p.now()
	vars, participant, err := p.eventContext(ctx, ev, now)
	if err != nil {
		return 0, err
	}

	entityID := ev.EntityID
	queued := 0
	for _, tpl := range templates {
		out, err := p.composer.Compose(ctx, Notification{
			Template:     tpl,
			TriggerEvent: ev.EventType,
			EntityType:   ev.EntityType,
			EntityID:     &entityID,
			Context:      vars,
			Participant:  participant,
			DedupPrefix:  fmt.Sprintf("event:%d:tpl:%d", ev.ID, tpl.ID),
			Now:          now,
		})
		queued += out.Queued
		if err != nil {
			return queued, fmt.Errorf("template %d: %w", tpl.ID, err)
		}
	}
	return queued, nil
}

func (p *EventProcessor) eventContext(ctx context.Context, ev domain.NotificationEvent, now time.Time) (map[string]any, *domain.Recipient, error) {
	vars := map[string]any{}
	var participant *domain.Recipient

	switch ev.EntityType {
	case "ticket":
		t, err := p.store.TicketByID(ctx, ev.EntityID)
		if err != nil {
			return nil, nil, err
		}
		vars = TicketContext(t, now, p.loc)
		participant = TicketParticipant(t)
	case "equipment":
		e, err := p.store.EquipmentByID(ctx, ev.EntityID)
		if err != nil {
			return nil, nil, err
		}
		vars = EquipmentContext(e, now, p.loc)
	}

	if ev.EventData != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(ev.EventData), &data); err != nil {
			p.log.Warn().Err(err).Int64("event_id", ev.ID).Msg("malformed event data")
		}
		for k, v := range data {
			vars[k] = v
		}
	}
	vars["event_type"] = ev.EventType
	vars["entity_type"] = ev.EntityType
	vars["entity_id"] = ev.EntityID
	vars["triggered_at"] = FormatDate(&ev.TriggeredAt, p.loc)
	return vars, participant, nil
}
