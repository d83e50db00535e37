// Package alertcheck runs alert evaluation passes as scheduled jobs.
package alertcheck

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"alertflow/internal/alerts"
	"alertflow/internal/delivery"
	"alertflow/internal/domain"
	"alertflow/internal/handlers"
	"alertflow/internal/notify"
)

type Evaluator interface {
	ProcessAll(ctx context.Context, types ...domain.AlertType) (alerts.Result, error)
}

type EventProcessor interface {
	ProcessPending(ctx context.Context) (notify.EventResult, error)
}

type Drainer interface {
	Drain(ctx context.Context, batchSize int) (delivery.DrainResult, error)
}

type config struct {
	Alerts       []string `json:"alerts"`
	MaxBatchSize int      `json:"max_batch_size"`
}

// Handler evaluates alerts for one job type. Events and Drainer are
// optional; when set, pending events are processed before the pass and the
// queue is drained after it.
type Handler struct {
	jobType  domain.JobType
	defaults []domain.AlertType
	eval     Evaluator
	events   EventProcessor
	drainer  Drainer
	log      zerolog.Logger
}

// AlertCheck handles alert_check: events, every active alert, then a drain.
func AlertCheck(eval Evaluator, events EventProcessor, drainer Drainer, log zerolog.Logger) *Handler {
	return newHandler(domain.JobAlertCheck, eval, events, drainer, log)
}

// SLAMonitor handles sla_monitor: SLA alerts only.
func SLAMonitor(eval Evaluator, log zerolog.Logger) *Handler {
	return newHandler(domain.JobSLAMonitor, eval, nil, nil, log, domain.AlertSLAWarning, domain.AlertSLAExpired)
}

// MaintenanceReminder handles maintenance_reminder.
func MaintenanceReminder(eval Evaluator, log zerolog.Logger) *Handler {
	return newHandler(domain.JobMaintenanceReminder, eval, nil, nil, log, domain.AlertMaintenanceDue)
}

func newHandler(t domain.JobType, eval Evaluator, events EventProcessor, drainer Drainer, log zerolog.Logger, defaults ...domain.AlertType) *Handler {
	return &Handler{
		jobType:  t,
		defaults: defaults,
		eval:     eval,
		events:   events,
		drainer:  drainer,
		log:      log.With().Str("component", string(t)).Logger(),
	}
}

func (h *Handler) Type() domain.JobType { return h.jobType }

func (h *Handler) Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error) {
	var cfg config
	if err := handlers.DecodeConfig(job, &cfg); err != nil {
		return domain.JobResult{}, err
	}
	var out domain.JobResult

	if h.events != nil {
		ev, err := h.events.ProcessPending(ctx)
		switch {
		case errors.Is(err, notify.ErrAlreadyRunning):
			h.log.Debug().Msg("event processing already running")
		case err != nil:
			return out, err
		}
		out.RecordsProcessed += ev.Events
		out.Errors += ev.Failed
	}

	res, err := h.eval.ProcessAll(ctx, handlers.AlertTypes(cfg.Alerts, h.defaults...)...)
	switch {
	case errors.Is(err, alerts.ErrAlreadyRunning):
		h.log.Info().Msg("alert pass already running, skipping")
	case err != nil:
		return out, err
	}
	out.RecordsProcessed += res.Checked
	out.Errors += res.Errors
	out.NotificationsSent += res.Queued

	if h.drainer != nil {
		dr, err := h.drainer.Drain(ctx, cfg.MaxBatchSize)
		switch {
		case errors.Is(err, delivery.ErrAlreadyRunning):
			h.log.Debug().Msg("queue drain already running")
		case err != nil:
			return out, err
		}
		out.Errors += dr.Errors + dr.Failed
	}
	return out, nil
}
