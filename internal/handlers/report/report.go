// Package report logs a periodic summary of delivery and job activity.
package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/handlers"
	"alertflow/internal/store"
)

type Store interface {
	DeliveryStats(ctx context.Context, since time.Time) (store.DeliveryStats, error)
	ExecutionStats(ctx context.Context, since time.Time) (store.ExecutionStats, error)
	QueueCounts(ctx context.Context) (map[string]int, error)
}

// Summary is the report body.
type Summary struct {
	Since      time.Time            `json:"since"`
	Until      time.Time            `json:"until"`
	Delivery   store.DeliveryStats  `json:"delivery"`
	Executions store.ExecutionStats `json:"executions"`
	Queue      map[string]int       `json:"queue"`
}

type Handler struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func New(st Store, log zerolog.Logger) *Handler {
	return &Handler{store: st, now: time.Now, log: log.With().Str("component", "report").Logger()}
}

func (*Handler) Type() domain.JobType { return domain.JobReportGeneration }

// Build collects the statistics for the given window ending now.
func (h *Handler) Build(ctx context.Context, period time.Duration) (Summary, error) {
	until := h.now()
	s := Summary{Since: until.Add(-period), Until: until}
	var err error
	if s.Delivery, err = h.store.DeliveryStats(ctx, s.Since); err != nil {
		return s, err
	}
	if s.Executions, err = h.store.ExecutionStats(ctx, s.Since); err != nil {
		return s, err
	}
	if s.Queue, err = h.store.QueueCounts(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (h *Handler) Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error) {
	cfg := struct {
		PeriodHours int `json:"period_hours"`
	}{PeriodHours: 24}
	if err := handlers.DecodeConfig(job, &cfg); err != nil {
		return domain.JobResult{}, err
	}
	if cfg.PeriodHours <= 0 {
		cfg.PeriodHours = 24
	}

	s, err := h.Build(ctx, time.Duration(cfg.PeriodHours)*time.Hour)
	if err != nil {
		return domain.JobResult{}, err
	}

	queue := zerolog.Dict()
	for status, n := range s.Queue {
		queue.Int(status, n)
	}
	methods := zerolog.Dict()
	for m, n := range s.Delivery.ByMethod {
		methods.Int(m, n)
	}
	h.log.Info().
		Time("since", s.Since).
		Int("delivered", s.Delivery.Delivered).
		Int("delivery_failures", s.Delivery.Failed).
		Dict("by_method", methods).
		Dict("queue", queue).
		Int("job_runs", s.Executions.Runs).
		Int("job_failures", s.Executions.Failed).
		Float64("avg_job_ms", s.Executions.AvgDurationMs).
		Msg("notification report")

	return domain.JobResult{RecordsProcessed: s.Delivery.Delivered + s.Delivery.Failed + s.Executions.Runs}, nil
}
