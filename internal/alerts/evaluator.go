// Package alerts evaluates automated alert rules against ERP state and
// queues the resulting notifications.
package alerts

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/notify"
	"alertflow/internal/store"
)

// ErrAlreadyRunning is returned when a pass is requested while another one
// is still in progress in this process.
var ErrAlreadyRunning = notify.ErrAlreadyRunning

type Store interface {
	Source
	ActiveAlerts(ctx context.Context, types ...domain.AlertType) ([]domain.AutomatedAlert, error)
	GetTemplate(ctx context.Context, id int64) (domain.NotificationTemplate, error)
	RecordAlertCheck(ctx context.Context, c store.AlertCheck) error
}

type Composer interface {
	Compose(ctx context.Context, n notify.Notification) (notify.Outcome, error)
}

type Evaluator struct {
	store    Store
	composer Composer
	rules    *Registry
	throttle Throttle
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger

	running atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func NewEvaluator(st Store, composer Composer, rules *Registry, loc *time.Location, log zerolog.Logger) *Evaluator {
	if rules == nil {
		rules = DefaultRegistry()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		store:    st,
		composer: composer,
		rules:    rules,
		throttle: NewThrottle(loc),
		loc:      loc,
		now:      time.Now,
		log:      log.With().Str("component", "alerts").Logger(),
	}
}

// Result summarizes one evaluation pass.
type Result struct {
	Alerts     int `json:"alerts"`
	Checked    int `json:"checked"`
	Skipped    int `json:"skipped"`
	Triggered  int `json:"triggered"`
	Suppressed int `json:"suppressed"`
	Matches    int `json:"matches"`
	Queued     int `json:"queued"`
	Errors     int `json:"errors"`
}

func (r *Result) add(o Result) {
	r.Alerts += o.Alerts
	r.Checked += o.Checked
	r.Skipped += o.Skipped
	r.Triggered += o.Triggered
	r.Suppressed += o.Suppressed
	r.Matches += o.Matches
	r.Queued += o.Queued
	r.Errors += o.Errors
}

// Stats accumulates results across passes.
type Stats struct {
	Passes       int       `json:"passes"`
	Totals       Result    `json:"totals"`
	LastPassAt   time.Time `json:"last_pass_at"`
	LastDuration string    `json:"last_duration"`
	Running      bool      `json:"running"`
}

// ProcessAll evaluates every active alert, or only the given types.
func (e *Evaluator) ProcessAll(ctx context.Context, types ...domain.AlertType) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	start := e.now()
	alerts, err := e.store.ActiveAlerts(ctx, types...)
	if err != nil {
		return Result{}, fmt.Errorf("load alerts: %w", err)
	}

	var res Result
	for _, a := range alerts {
		res.add(e.processAlert(ctx, a))
	}

	e.mu.Lock()
	e.stats.Passes++
	e.stats.Totals.add(res)
	e.stats.LastPassAt = start
	e.stats.LastDuration = time.Since(start).String()
	e.mu.Unlock()

	if res.Checked > 0 {
		e.log.Info().
			Int("checked", res.Checked).
			Int("skipped", res.Skipped).
			Int("triggered", res.Triggered).
			Int("queued", res.Queued).
			Int("errors", res.Errors).
			Msg("alert pass finished")
	}
	return res, nil
}

// Types lists the alert types with a registered rule.
func (e *Evaluator) Types() []domain.AlertType { return e.rules.Types() }

func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Running = e.running.Load()
	return s
}

// processAlert runs one alert through due check, evaluation and the run
// state update. An alert that is not due is left untouched.
func (e *Evaluator) processAlert(ctx context.Context, a domain.AutomatedAlert) Result {
	res := Result{Alerts: 1}
	now := e.now()
	if !e.throttle.Due(a, now) {
		res.Skipped = 1
		return res
	}
	res.Checked = 1

	log := e.log.With().Int64("alert_id", a.ID).Str("alert_type", string(a.AlertType)).Logger()
	sentToday := e.throttle.SentToday(a, now)
	remaining := e.throttle.Remaining(a, now)

	queued, err := e.evaluate(ctx, a, now, remaining, &res)
	if err != nil {
		res.Errors++
		log.Error().Err(err).Msg("alert evaluation failed")
	}
	res.Queued = queued

	check := store.AlertCheck{AlertID: a.ID, CheckedAt: now, SentToday: sentToday + queued}
	if queued > 0 {
		res.Triggered = 1
		check.TriggeredAt = &now
	}
	// entries may already be queued; the counter must follow them
	if err := e.store.RecordAlertCheck(context.WithoutCancel(ctx), check); err != nil {
		res.Errors++
		log.Error().Err(err).Msg("record alert check")
	}
	return res
}

func (e *Evaluator) evaluate(ctx context.Context, a domain.AutomatedAlert, now time.Time, remaining int, res *Result) (int, error) {
	rule, ok := e.rules.Lookup(a.AlertType)
	if !ok {
		return 0, fmt.Errorf("no rule for alert type %q", a.AlertType)
	}
	cond, err := ParseConditions(a.TriggerConditions)
	if err != nil {
		return 0, err
	}
	if remaining <= 0 {
		res.Suppressed = 1
		e.log.Debug().Int64("alert_id", a.ID).Int("max_per_day", a.MaxAlertsPerDay).Msg("daily cap reached")
		return 0, nil
	}
	if a.NotificationTemplateID == nil {
		return 0, fmt.Errorf("alert %d has no notification template", a.ID)
	}
	tpl, err := e.store.GetTemplate(ctx, *a.NotificationTemplateID)
	if err != nil {
		return 0, err
	}
	if !tpl.IsActive {
		e.log.Debug().Int64("alert_id", a.ID).Int64("template_id", tpl.ID).Msg("template inactive")
		return 0, nil
	}

	matches, err := rule.Match(ctx, e.store, cond, now, e.loc)
	if err != nil {
		return 0, fmt.Errorf("match %s: %w", a.AlertType, err)
	}
	res.Matches = len(matches)

	occurrence := "first"
	if a.LastCheckAt != nil {
		occurrence = strconv.FormatInt(a.LastCheckAt.UnixNano(), 10)
	}

	queued := 0
	for _, m := range matches {
		if queued >= remaining {
			res.Suppressed = 1
			break
		}
		entityID := m.EntityID
		out, err := e.composer.Compose(ctx, notify.Notification{
			Template:        tpl,
			TriggerEvent:    string(a.AlertType),
			EntityType:      m.EntityType,
			EntityID:        &entityID,
			Context:         m.Context,
			Participant:     m.Participant,
			DefaultPriority: rule.DefaultPriority(),
			DedupPrefix:     fmt.Sprintf("alert:%d:%s:%s:%d", a.ID, occurrence, m.EntityType, m.EntityID),
			Limit:           remaining - queued,
			Now:             now,
		})
		queued += out.Queued
		if err != nil {
			return queued, fmt.Errorf("compose %s %d: %w", m.EntityType, m.EntityID, err)
		}
	}
	return queued, nil
}
