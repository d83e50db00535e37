// Package cleanup prunes old delivery history as a scheduled job.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/handlers"
	"alertflow/internal/store"
)

const defaultRetentionDays = 30

type Store interface {
	Cleanup(ctx context.Context, before time.Time) (store.CleanupResult, error)
}

type Handler struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func New(st Store, log zerolog.Logger) *Handler {
	return &Handler{store: st, now: time.Now, log: log.With().Str("component", "cleanup").Logger()}
}

func (*Handler) Type() domain.JobType { return domain.JobCleanup }

func (h *Handler) Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error) {
	cfg := struct {
		RetentionDays int `json:"retention_days"`
	}{RetentionDays: defaultRetentionDays}
	if err := handlers.DecodeConfig(job, &cfg); err != nil {
		return domain.JobResult{}, err
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}

	before := h.now().AddDate(0, 0, -cfg.RetentionDays)
	res, err := h.store.Cleanup(ctx, before)
	if err != nil {
		return domain.JobResult{}, err
	}
	h.log.Info().
		Time("before", before).
		Int("logs", res.Logs).
		Int("queue", res.Queue).
		Int("executions", res.Executions).
		Int("events", res.Events).
		Msg("retention sweep done")
	return domain.JobResult{RecordsProcessed: res.Total()}, nil
}
