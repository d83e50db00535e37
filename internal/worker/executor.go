// Package worker runs scheduled jobs through their registered handlers and
// records every run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/store"
)

var ErrUnknownJobType = errors.New("unknown job type")

// Handler does the work for one job type.
type Handler interface {
	Type() domain.JobType
	Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc struct {
	JobType domain.JobType
	Fn      func(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error)
}

func (h HandlerFunc) Type() domain.JobType { return h.JobType }

func (h HandlerFunc) Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error) {
	return h.Fn(ctx, job)
}

type Store interface {
	StartExecution(ctx context.Context, jobID int64, instance string, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, r store.FinishedRun) error
}

// NextRunFunc reports when a job fires next after the given time.
type NextRunFunc func(job domain.ScheduledJob, after time.Time) (time.Time, bool)

type Executor struct {
	store    Store
	instance string
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
	next     NextRunFunc

	statsMu sync.Mutex
	stats   Stats
}

func NewExecutor(st Store, log zerolog.Logger) *Executor {
	return &Executor{
		store:    st,
		instance: instanceID(),
		now:      time.Now,
		log:      log.With().Str("component", "executor").Logger(),
		handlers: map[domain.JobType]Handler{},
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "alertflow"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Instance identifies this process in the execution log.
func (e *Executor) Instance() string { return e.instance }

func (e *Executor) Register(h Handler) error {
	if h == nil || h.Type() == "" {
		return errors.New("handler job type is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.handlers[h.Type()]; dup {
		return fmt.Errorf("handler for %q already registered", h.Type())
	}
	e.handlers[h.Type()] = h
	return nil
}

func (e *Executor) Types() []domain.JobType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.JobType, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

// SetNextRun installs the function used to stamp next_run_at after a run.
func (e *Executor) SetNextRun(fn NextRunFunc) {
	e.mu.Lock()
	e.next = fn
	e.mu.Unlock()
}

// Run is the outcome of one execution.
type Run struct {
	RunID       string           `json:"run_id"`
	ExecutionID int64            `json:"execution_id"`
	JobID       int64            `json:"job_id"`
	Status      string           `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Result      domain.JobResult `json:"result"`
	Error       string           `json:"error,omitempty"`
}

type Stats struct {
	Total         int64     `json:"total"`
	Successful    int64     `json:"successful"`
	Failed        int64     `json:"failed"`
	Running       int       `json:"running"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	LastRunAt     time.Time `json:"last_run_at"`

	totalDuration time.Duration
}

type jobLimits struct {
	MaxProcessingTime int `json:"max_processing_time"`
}

// Execute runs one job to completion. Handler errors, panics and unknown job
// types all end as a failed run; nothing is returned to the caller but the
// recorded outcome.
func (e *Executor) Execute(ctx context.Context, job domain.ScheduledJob) Run {
	run := Run{RunID: uuid.NewString(), JobID: job.ID, StartedAt: e.now()}
	log := e.log.With().
		Int64("job_id", job.ID).
		Str("job", job.Name).
		Str("job_type", string(job.JobType)).
		Str("run_id", run.RunID).
		Logger()

	e.statsMu.Lock()
	e.stats.Running++
	e.statsMu.Unlock()

	execID, err := e.store.StartExecution(ctx, job.ID, e.instance, run.StartedAt)
	if err != nil {
		log.Error().Err(err).Msg("open execution log")
	}
	run.ExecutionID = execID
	log.Debug().Int64("execution_id", execID).Msg("job started")

	result, runErr := e.invoke(ctx, job)
	finished := e.now()
	run.Duration = finished.Sub(run.StartedAt)
	run.Result = result
	run.Status = domain.RunSuccess
	if runErr != nil {
		run.Status = domain.RunFailed
		run.Error = runErr.Error()
	}

	fr := store.FinishedRun{
		ExecutionID: execID,
		JobID:       job.ID,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		FinishedAt:  finished,
		Result:      result,
		Error:       run.Error,
	}
	e.mu.RLock()
	next := e.next
	e.mu.RUnlock()
	if next != nil {
		if at, ok := next(job, finished); ok {
			fr.NextRunAt = &at
		}
	}
	if err := e.store.FinishRun(context.WithoutCancel(ctx), fr); err != nil {
		log.Error().Err(err).Msg("record job run")
	}

	e.statsMu.Lock()
	e.stats.Running--
	e.stats.Total++
	if runErr != nil {
		e.stats.Failed++
	} else {
		e.stats.Successful++
	}
	e.stats.totalDuration += run.Duration
	e.stats.AvgDurationMs = float64(e.stats.totalDuration.Milliseconds()) / float64(e.stats.Total)
	e.stats.LastRunAt = run.StartedAt
	e.statsMu.Unlock()

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Dur("duration", run.Duration).
		Int("records", result.RecordsProcessed).
		Int("notifications", result.NotificationsSent).
		Int("errors", result.Errors).
		Msg("job finished")
	return run
}

func (e *Executor) invoke(ctx context.Context, job domain.ScheduledJob) (res domain.JobResult, err error) {
	e.mu.RLock()
	h, ok := e.handlers[job.JobType]
	e.mu.RUnlock()
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownJobType, job.JobType)
	}

	var limits jobLimits
	if job.JobConfig != "" {
		if err := json.Unmarshal([]byte(job.JobConfig), &limits); err != nil {
			e.log.Warn().Err(err).Int64("job_id", job.ID).Msg("malformed job_config, no processing time limit applied")
		}
	}
	if limits.MaxProcessingTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(limits.MaxProcessingTime)*time.Second)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("job panic: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Run(ctx, job)
}

func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}
