// Package queue drains the notification queue as a scheduled job.
package queue

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"alertflow/internal/delivery"
	"alertflow/internal/domain"
	"alertflow/internal/handlers"
)

type Processor interface {
	RecoverStale(ctx context.Context) (int, error)
	Drain(ctx context.Context, batchSize int) (delivery.DrainResult, error)
}

type Handler struct {
	proc Processor
	log  zerolog.Logger
}

func New(proc Processor, log zerolog.Logger) *Handler {
	return &Handler{proc: proc, log: log.With().Str("component", "notification_queue").Logger()}
}

func (*Handler) Type() domain.JobType { return domain.JobNotificationQueue }

func (h *Handler) Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error) {
	var cfg struct {
		MaxBatchSize int `json:"max_batch_size"`
	}
	if err := handlers.DecodeConfig(job, &cfg); err != nil {
		return domain.JobResult{}, err
	}
	var out domain.JobResult
	if _, err := h.proc.RecoverStale(ctx); err != nil {
		h.log.Error().Err(err).Msg("stale recovery failed")
		out.Errors++
	}
	res, err := h.proc.Drain(ctx, cfg.MaxBatchSize)
	if errors.Is(err, delivery.ErrAlreadyRunning) {
		h.log.Info().Msg("drain already running, skipping")
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.RecordsProcessed = res.Selected
	out.NotificationsSent = res.Sent
	out.Errors += res.Failed + res.Errors
	return out, nil
}
