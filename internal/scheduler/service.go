// Package scheduler maps active scheduled jobs onto cron entries and hands
// each tick to the job executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/store"
	"alertflow/internal/worker"
)

var (
	ErrNotStarted = errors.New("scheduler not started")
	ErrJobRunning = errors.New("job is already running")
)

type Store interface {
	BoolSetting(ctx context.Context, key string, def bool) (bool, error)
	ActiveJobs(ctx context.Context) ([]domain.ScheduledJob, error)
	GetJob(ctx context.Context, id int64) (domain.ScheduledJob, error)
	UpdateNextRun(ctx context.Context, id int64, next time.Time) error
}

type Executor interface {
	Execute(ctx context.Context, job domain.ScheduledJob) worker.Run
	SetNextRun(fn worker.NextRunFunc)
	Stats() worker.Stats
	Types() []domain.JobType
}

type Options struct {
	// Enabled applies when the cron_jobs_enabled setting is missing.
	Enabled         bool
	DefaultTimezone string
}

type entry struct {
	id       cron.EntryID
	job      domain.ScheduledJob
	timezone string
	schedule cron.Schedule
}

type Service struct {
	store    Store
	exec     Executor
	opts     Options
	fallback *time.Location
	log      zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[int64]entry
	runCtx  context.Context

	inflightMu sync.Mutex
	inflight   map[int64]bool
	skipped    int64
}

func NewService(st Store, exec Executor, opts Options, log zerolog.Logger) *Service {
	s := &Service{
		store:    st,
		exec:     exec,
		opts:     opts,
		log:      log.With().Str("component", "scheduler").Logger(),
		entries:  map[int64]entry{},
		inflight: map[int64]bool{},
	}
	s.fallback = time.UTC
	if loc, err := time.LoadLocation(opts.DefaultTimezone); err == nil && opts.DefaultTimezone != "" {
		s.fallback = loc
	} else if opts.DefaultTimezone != "" {
		s.log.Warn().Err(err).Str("timezone", opts.DefaultTimezone).Msg("invalid default timezone, using UTC")
	}
	exec.SetNextRun(s.nextRun)
	return s
}

// Start registers every active job. It returns false without scheduling
// anything when cron jobs are disabled.
func (s *Service) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return true, nil
	}

	enabled, err := s.store.BoolSetting(ctx, store.SettingCronJobsEnabled, s.opts.Enabled)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", store.SettingCronJobsEnabled, err)
	}
	if !enabled {
		s.log.Info().Msg("cron jobs disabled, scheduler not started")
		return false, nil
	}

	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	// runs outlive Stop's cancellation of the caller's context
	s.runCtx = context.WithoutCancel(ctx)
	if err := s.load(ctx); err != nil {
		s.cron = nil
		return false, err
	}
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
	return true, nil
}

// load registers active jobs. Callers hold s.mu.
func (s *Service) load(ctx context.Context) error {
	jobs, err := s.store.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}
	for _, job := range jobs {
		tz := s.timezone(job)
		sched, err := parseSchedule(job.SchedulePattern, tz)
		if err != nil {
			s.log.Error().Err(err).Int64("job_id", job.ID).Str("pattern", job.SchedulePattern).Msg("invalid cron pattern, job skipped")
			continue
		}
		job := job
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(job) }))
		s.entries[job.ID] = entry{id: id, job: job, timezone: tz, schedule: sched}

		next := sched.Next(time.Now())
		if err := s.store.UpdateNextRun(ctx, job.ID, next); err != nil {
			s.log.Warn().Err(err).Int64("job_id", job.ID).Msg("persist next run")
		}
		s.log.Debug().Int64("job_id", job.ID).Str("job", job.Name).Str("pattern", job.SchedulePattern).
			Str("timezone", tz).Time("next_run", next).Msg("job scheduled")
	}
	return nil
}

func (s *Service) timezone(job domain.ScheduledJob) string {
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err == nil {
			return job.Timezone
		}
	}
	s.log.Warn().Int64("job_id", job.ID).Str("timezone", job.Timezone).Str("fallback", s.fallback.String()).
		Msg("invalid job timezone, using default")
	return s.fallback.String()
}

func (s *Service) fire(job domain.ScheduledJob) {
	if _, err := s.run(s.runCtx, job); errors.Is(err, ErrJobRunning) {
		s.log.Info().Int64("job_id", job.ID).Str("job", job.Name).Msg("previous run still in progress, tick skipped")
	}
}

func (s *Service) run(ctx context.Context, job domain.ScheduledJob) (worker.Run, error) {
	s.inflightMu.Lock()
	if s.inflight[job.ID] {
		s.skipped++
		s.inflightMu.Unlock()
		return worker.Run{}, ErrJobRunning
	}
	s.inflight[job.ID] = true
	s.inflightMu.Unlock()

	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, job.ID)
		s.inflightMu.Unlock()
	}()
	return s.exec.Execute(ctx, job), nil
}

// Stop removes all entries and waits for in-flight runs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = map[int64]entry{}
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with runs in flight")
		return ctx.Err()
	}
}

// Reload replaces the registered entries with the current active jobs.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return ErrNotStarted
	}
	for id, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}
	if err := s.load(ctx); err != nil {
		return err
	}
	s.log.Info().Int("jobs", len(s.entries)).Msg("scheduler reloaded")
	return nil
}

// RunNow executes one job immediately, whether or not it is scheduled.
func (s *Service) RunNow(ctx context.Context, jobID int64) (worker.Run, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return worker.Run{}, err
	}
	return s.run(context.WithoutCancel(ctx), job)
}

func (s *Service) nextRun(job domain.ScheduledJob, after time.Time) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[job.ID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return e.schedule.Next(after), true
}

// JobInfo describes one registered cron entry.
type JobInfo struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	JobType  domain.JobType `json:"job_type"`
	Pattern  string         `json:"schedule_pattern"`
	Timezone string         `json:"timezone"`
	Next     *time.Time     `json:"next_run,omitempty"`
	Prev     *time.Time     `json:"prev_run,omitempty"`
	// Handled is false when no handler is registered for the job type; such
	// runs end as failed.
	Handled bool `json:"handled"`
}

func (s *Service) ActiveJobs() []JobInfo {
	handled := map[domain.JobType]bool{}
	for _, t := range s.exec.Types() {
		handled[t] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := JobInfo{
			ID:       e.job.ID,
			Name:     e.job.Name,
			JobType:  e.job.JobType,
			Pattern:  e.job.SchedulePattern,
			Timezone: e.timezone,
			Handled:  handled[e.job.JobType],
		}
		if s.cron != nil {
			ce := s.cron.Entry(e.id)
			if !ce.Next.IsZero() {
				next := ce.Next
				info.Next = &next
			}
			if !ce.Prev.IsZero() {
				prev := ce.Prev
				info.Prev = &prev
			}
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b JobInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

type Stats struct {
	Running       bool    `json:"running"`
	ActiveJobs    int     `json:"active_jobs"`
	InFlight      int     `json:"in_flight"`
	Skipped       int64   `json:"skipped"`
	Total         int64   `json:"total_executions"`
	Successful    int64   `json:"successful_executions"`
	Failed        int64   `json:"failed_executions"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

func (s *Service) Stats() Stats {
	es := s.exec.Stats()
	s.mu.Lock()
	st := Stats{Running: s.cron != nil, ActiveJobs: len(s.entries)}
	s.mu.Unlock()
	s.inflightMu.Lock()
	st.InFlight = len(s.inflight)
	st.Skipped = s.skipped
	s.inflightMu.Unlock()
	st.Total, st.Successful, st.Failed, st.AvgDurationMs = es.Total, es.Successful, es.Failed, es.AvgDurationMs
	return st
}

// parseSchedule parses a standard five-field pattern bound to tz. An empty tz
// keeps the location of the times passed to Next.
func parseSchedule(pattern, tz string) (cron.Schedule, error) {
	if tz != "" {
		pattern = "CRON_TZ=" + tz + " " + pattern
	}
	return cron.ParseStandard(pattern)
}

// ValidatePattern checks a job's schedule_pattern. The timezone lives in the
// job row, so a TZ prefix in the pattern is rejected.
func ValidatePattern(pattern string) error {
	p := strings.TrimSpace(pattern)
	if strings.HasPrefix(p, "CRON_TZ=") || strings.HasPrefix(p, "TZ=") {
		return errors.New("timezone prefix not allowed in schedule pattern")
	}
	_, err := parseSchedule(p, "")
	return err
}

// NextRun reports when pattern fires next after from, evaluated in tz.
func NextRun(pattern, tz string, from time.Time) (time.Time, error) {
	sched, err := parseSchedule(pattern, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// cronLogger routes robfig/cron's logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
