// Package hook lets other subsystems nudge the notification pipeline right
// after they change data, instead of waiting for the next scheduled pass.
package hook

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"alertflow/internal/alerts"
	"alertflow/internal/domain"
	"alertflow/internal/notify"
)

const DefaultDelay = 500 * time.Millisecond

type EventProcessor interface {
	ProcessPending(ctx context.Context) (notify.EventResult, error)
}

type Evaluator interface {
	ProcessAll(ctx context.Context, types ...domain.AlertType) (alerts.Result, error)
}

type Hook struct {
	events EventProcessor
	eval   Evaluator
	delay  time.Duration
	log    zerolog.Logger

	wg        sync.WaitGroup
	triggered atomic.Int64
	completed atomic.Int64
}

func New(events EventProcessor, eval Evaluator, delay time.Duration, log zerolog.Logger) *Hook {
	if delay < 0 {
		delay = DefaultDelay
	}
	return &Hook{events: events, eval: eval, delay: delay, log: log.With().Str("component", "hook").Logger()}
}

// Trigger schedules one pipeline pass after the hook delay and returns
// immediately. Failures are logged and never reach the caller.
func (h *Hook) Trigger(operation string, entityID *int64) {
	h.triggered.Add(1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		log := h.log.With().Str("operation", operation).Logger()
		if entityID != nil {
			log = log.With().Int64("entity_id", *entityID).Logger()
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error().Msgf("hook panic: %v", r)
			}
		}()

		if h.delay > 0 {
			time.Sleep(h.delay)
		}
		h.run(context.Background(), log)
		h.completed.Add(1)
	}()
}

func (h *Hook) run(ctx context.Context, log zerolog.Logger) {
	if h.events != nil {
		ev, err := h.events.ProcessPending(ctx)
		switch {
		case errors.Is(err, notify.ErrAlreadyRunning):
		case err != nil:
			log.Error().Err(err).Msg("event processing failed")
		default:
			log.Debug().Int("events", ev.Events).Int("queued", ev.Queued).Msg("events processed")
		}
	}
	if h.eval != nil {
		res, err := h.eval.ProcessAll(ctx)
		switch {
		case errors.Is(err, alerts.ErrAlreadyRunning):
			log.Debug().Msg("alert pass already running")
		case err != nil:
			log.Error().Err(err).Msg("alert pass failed")
		default:
			log.Debug().Int("checked", res.Checked).Int("queued", res.Queued).Msg("alert pass done")
		}
	}
}

// Wait blocks until every triggered pass has finished.
func (h *Hook) Wait() { h.wg.Wait() }

// Counts reports how many passes were triggered and how many completed.
func (h *Hook) Counts() (triggered, completed int64) {
	return h.triggered.Load(), h.completed.Load()
}

// Middleware triggers the hook after a successful response. The {id} URL
// parameter, when numeric, is passed as the entity id.
func (h *Hook) Middleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 {
				return
			}
			h.Trigger(operation, EntityID(chi.URLParam(r, "id")))
		})
	}
}

// EntityID parses a numeric id, returning nil for anything else.
func EntityID(raw string) *int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
