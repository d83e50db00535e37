// Package api is the admin HTTP surface of the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"alertflow/internal/alerts"
	"alertflow/internal/delivery"
	"alertflow/internal/domain"
	"alertflow/internal/hook"
	"alertflow/internal/render"
	"alertflow/internal/scheduler"
	"alertflow/internal/store"
	"alertflow/internal/worker"
)

type Store interface {
	Ping(ctx context.Context) error
	ListJobs(ctx context.Context) ([]domain.ScheduledJob, error)
	GetJob(ctx context.Context, id int64) (domain.ScheduledJob, error)
	SetJobActive(ctx context.Context, id int64, active bool) error
	ListExecutions(ctx context.Context, jobID int64, limit int) ([]domain.JobExecution, error)
	ListAlerts(ctx context.Context) ([]domain.AutomatedAlert, error)
	GetAlert(ctx context.Context, id int64) (domain.AutomatedAlert, error)
	ListTemplates(ctx context.Context) ([]domain.NotificationTemplate, error)
	ListQueue(ctx context.Context, f store.QueueFilter) ([]domain.QueueEntry, int, error)
	QueueCounts(ctx context.Context) (map[string]int, error)
	DeliveryStats(ctx context.Context, since time.Time) (store.DeliveryStats, error)
	ExecutionStats(ctx context.Context, since time.Time) (store.ExecutionStats, error)
}

type Scheduler interface {
	Stats() scheduler.Stats
	ActiveJobs() []scheduler.JobInfo
	RunNow(ctx context.Context, jobID int64) (worker.Run, error)
	Reload(ctx context.Context) error
}

type Evaluator interface {
	ProcessAll(ctx context.Context, types ...domain.AlertType) (alerts.Result, error)
	Stats() alerts.Stats
	Types() []domain.AlertType
}

type Queue interface {
	Drain(ctx context.Context, batchSize int) (delivery.DrainResult, error)
	Stats() delivery.Stats
	Tokens() int
}

type Hook interface {
	Trigger(operation string, entityID *int64)
	Counts() (triggered, completed int64)
}

type Deps struct {
	Store     Store
	Scheduler Scheduler
	Alerts    Evaluator
	Queue     Queue
	Hook      Hook
	Log       zerolog.Logger
	Debug     bool
}

type Server struct {
	Deps
}

var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{Deps: d}
	s.Log = d.Log.With().Str("component", "api").Logger()

	r.Get("/health", s.health)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/scheduler", s.schedulerStatus)
		r.Get("/jobs", s.listJobs)
		r.Post("/jobs/{id}/run", s.runJob)
		r.Put("/jobs/{id}/active", s.setJobActive)
		r.Get("/jobs/{id}/executions", s.listExecutions)
		r.Get("/alerts", s.listAlerts)
		r.Get("/alerts/{id}", s.getAlert)
		r.Post("/alerts/run", s.runAlerts)
		r.Get("/templates", s.listTemplates)
		r.Get("/queue", s.listQueue)
		r.Post("/queue/drain", s.drainQueue)
		r.Get("/notifications/stats", s.notificationStats)
		r.Post("/hooks/{operation}", s.triggerHook)
	})

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.Scheduler.Stats(),
		"jobs":  s.Scheduler.ActiveJobs(),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Store.ListJobs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := s.Scheduler.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrJobRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

type activeReq struct {
	Active *bool `json:"active"`
}

func (s *Server) setJobActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req activeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Active == nil {
		http.Error(w, "active is required", http.StatusBadRequest)
		return
	}
	var job domain.ScheduledJob
	if *req.Active {
		var err error
		job, err = s.Store.GetJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := scheduler.ValidatePattern(job.SchedulePattern); err != nil {
			http.Error(w, fmt.Sprintf("schedule_pattern %q: %v", job.SchedulePattern, err), http.StatusUnprocessableEntity)
			return
		}
	}
	if err := s.Store.SetJobActive(r.Context(), id, *req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.Scheduler.Reload(r.Context()); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
		s.Log.Error().Err(err).Int64("job_id", id).Msg("reload after activation change")
	}
	resp := activeResp{ID: id, Active: *req.Active}
	if *req.Active {
		if next, err := scheduler.NextRun(job.SchedulePattern, job.Timezone, time.Now()); err == nil {
			resp.NextRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type activeResp struct {
	ID      int64      `json:"id"`
	Active  bool       `json:"active"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.Store.ListExecutions(r.Context(), id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// templateView adds the placeholders a template expects to its row.
type templateView struct {
	domain.NotificationTemplate
	Placeholders []string `json:"placeholders"`
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListTemplates(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]templateView, 0, len(list))
	for _, t := range list {
		keys := render.Keys(t.SubjectTemplate + "\n" + t.BodyTemplate)
		if keys == nil {
			keys = []string{}
		}
		out = append(out, templateView{NotificationTemplate: t, Placeholders: keys})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListAlerts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "stats": s.Alerts.Stats()})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.Store.GetAlert(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) runAlerts(w http.ResponseWriter, r *http.Request) {
	known := s.Alerts.Types()
	var types []domain.AlertType
	for _, t := range r.URL.Query()["type"] {
		at := domain.AlertType(t)
		if !slices.Contains(known, at) {
			http.Error(w, fmt.Sprintf("unknown alert type %q", t), http.StatusBadRequest)
			return
		}
		types = append(types, at)
	}
	res, err := s.Alerts.ProcessAll(r.Context(), types...)
	switch {
	case errors.Is(err, alerts.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

var queueStatuses = []string{domain.QueuePending, domain.QueueProcessing, domain.QueueSent, domain.QueueFailed, domain.QueueCancelled}

type queueResp struct {
	Entries []domain.QueueEntry `json:"entries"`
	Total   int                 `json:"total"`
	Counts  map[string]int      `json:"counts"`
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.QueueFilter{Status: q.Get("status"), Priority: q.Get("priority")}
	if f.Status != "" && !slices.Contains(queueStatuses, f.Status) {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if f.Priority != "" && !domain.Priority(f.Priority).Valid() {
		http.Error(w, "invalid priority", http.StatusBadRequest)
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	if f.Offset < 0 {
		f.Offset = 0
	}

	entries, total, err := s.Store.ListQueue(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := s.Store.QueueCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, queueResp{Entries: entries, Total: total, Counts: counts})
}

func (s *Server) drainQueue(w http.ResponseWriter, r *http.Request) {
	batch, _ := strconv.Atoi(r.URL.Query().Get("batch"))
	res, err := s.Queue.Drain(r.Context(), batch)
	switch {
	case errors.Is(err, delivery.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type statsResp struct {
	Period     string               `json:"period"`
	Since      time.Time            `json:"since"`
	Delivery   store.DeliveryStats  `json:"delivery"`
	Executions store.ExecutionStats `json:"executions"`
	Queue      map[string]int       `json:"queue"`
}

func (s *Server) notificationStats(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	window, ok := periods[period]
	if !ok {
		http.Error(w, "period must be one of 1h, 24h, 7d, 30d", http.StatusBadRequest)
		return
	}
	resp := statsResp{Period: period, Since: time.Now().Add(-window).UTC()}
	var err error
	if resp.Delivery, err = s.Store.DeliveryStats(r.Context(), resp.Since); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.Executions, err = s.Store.ExecutionStats(r.Context(), resp.Since); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.Queue, err = s.Store.QueueCounts(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// triggerHook always accepts; the pass runs in the background.
func (s *Server) triggerHook(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "operation")
	s.Hook.Trigger(op, hook.EntityID(r.URL.Query().Get("entity_id")))
	writeJSON(w, http.StatusAccepted, map[string]string{"operation": op, "status": "accepted"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
