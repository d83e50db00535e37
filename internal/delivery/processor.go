// Package delivery drains the notification queue through a Sender.
package delivery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"alertflow/internal/domain"
	"alertflow/internal/notify"
)

var ErrAlreadyRunning = notify.ErrAlreadyRunning

// Store is the queue side of the repository.
type Store interface {
	ReadyEntries(ctx context.Context, now time.Time, limit int) ([]domain.QueueEntry, error)
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	Release(ctx context.Context, id int64, now time.Time) error
	MarkSent(ctx context.Context, e domain.QueueEntry, method string, now time.Time) error
	MarkAttemptFailed(ctx context.Context, e domain.QueueEntry, method, reason string, now, retryAt time.Time) (string, error)
	RecoverStale(ctx context.Context, staleBefore, now, retryAt time.Time) (int, error)
}

type Options struct {
	BatchSize   int
	RatePerHour int
	RetryBase   time.Duration
	RetryMax    time.Duration
	StaleAfter  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Minute
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	return o
}

type Processor struct {
	store   Store
	sender  Sender
	opts    Options
	limiter atomic.Pointer[rate.Limiter]
	perHour atomic.Int64
	now     func() time.Time
	log     zerolog.Logger

	running atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func NewProcessor(st Store, sender Sender, opts Options, log zerolog.Logger) *Processor {
	opts = opts.withDefaults()
	p := &Processor{
		store:  st,
		sender: sender,
		opts:   opts,
		now:    time.Now,
		log:    log.With().Str("component", "delivery").Logger(),
	}
	p.SetRate(opts.RatePerHour)
	return p
}

// SetRate replaces the hourly delivery budget with a full bucket of the new
// size. Zero or less disables the limit.
func (p *Processor) SetRate(perHour int) {
	if int64(perHour) == p.perHour.Load() && p.limiter.Load() != nil {
		return
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if perHour > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(perHour)/3600), perHour)
	}
	p.perHour.Store(int64(perHour))
	p.limiter.Store(lim)
	p.log.Info().Int("per_hour", perHour).Msg("delivery rate set")
}

// DrainResult summarizes one pass.
type DrainResult struct {
	Selected    int  `json:"selected"`
	Sent        int  `json:"sent"`
	Retried     int  `json:"retried"`
	Failed      int  `json:"failed"`
	Skipped     int  `json:"skipped"`
	Errors      int  `json:"errors"`
	RateLimited bool `json:"rate_limited"`
}

type Stats struct {
	Passes      int       `json:"passes"`
	Sent        int       `json:"sent"`
	Retried     int       `json:"retried"`
	Failed      int       `json:"failed"`
	RateLimited int       `json:"rate_limited"`
	Recovered   int       `json:"recovered"`
	LastPassAt  time.Time `json:"last_pass_at"`
	Running     bool      `json:"running"`
}

// Drain delivers up to batchSize due entries, most urgent first. When the
// rate budget runs out the pass stops and the remaining entries stay pending.
func (p *Processor) Drain(ctx context.Context, batchSize int) (DrainResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return DrainResult{}, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	if batchSize <= 0 {
		batchSize = p.opts.BatchSize
	}
	var res DrainResult
	start := p.now()
	entries, err := p.store.ReadyEntries(ctx, start, batchSize)
	if err != nil {
		return res, fmt.Errorf("load ready entries: %w", err)
	}
	res.Selected = len(entries)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		now := p.now()
		if !p.limiter.Load().AllowN(now, 1) {
			res.RateLimited = true
			p.log.Warn().Int64("queue_id", e.ID).Msg("delivery rate exhausted, deferring remaining entries")
			break
		}
		claimed, err := p.store.Claim(ctx, e.ID, now)
		if err != nil {
			res.Errors++
			p.log.Error().Err(err).Int64("queue_id", e.ID).Msg("claim entry")
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}
		if ctx.Err() != nil {
			if err := p.store.Release(context.WithoutCancel(ctx), e.ID, p.now()); err != nil {
				res.Errors++
				p.log.Error().Err(err).Int64("queue_id", e.ID).Msg("release entry")
			} else {
				res.Skipped++
			}
			break
		}
		p.deliver(ctx, e, &res)
	}

	p.mu.Lock()
	p.stats.Passes++
	p.stats.Sent += res.Sent
	p.stats.Retried += res.Retried
	p.stats.Failed += res.Failed
	if res.RateLimited {
		p.stats.RateLimited++
	}
	p.stats.LastPassAt = start
	p.mu.Unlock()

	if res.Selected > 0 {
		p.log.Info().
			Int("selected", res.Selected).
			Int("sent", res.Sent).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Bool("rate_limited", res.RateLimited).
			Msg("queue drained")
	}
	return res, nil
}

func (p *Processor) deliver(ctx context.Context, e domain.QueueEntry, res *DrainResult) {
	log := p.log.With().Int64("queue_id", e.ID).Str("to", e.RecipientAddress).Logger()
	method := p.sender.Method()

	sendErr := p.send(ctx, e)
	// the outcome is recorded even when the pass is cancelled mid-send
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	if sendErr == nil {
		if err := p.store.MarkSent(ctx, e, method, now); err != nil {
			res.Errors++
			log.Error().Err(err).Msg("mark sent")
			return
		}
		res.Sent++
		return
	}

	retryAt := now.Add(Backoff(e.Attempts+1, p.opts.RetryBase, p.opts.RetryMax))
	status, err := p.store.MarkAttemptFailed(ctx, e, method, sendErr.Error(), now, retryAt)
	if err != nil {
		res.Errors++
		log.Error().Err(err).Msg("mark attempt failed")
		return
	}
	if status == domain.QueueFailed {
		res.Failed++
		log.Error().Err(sendErr).Int("attempts", e.Attempts+1).Msg("delivery failed permanently")
		return
	}
	res.Retried++
	log.Warn().Err(sendErr).Int("attempts", e.Attempts+1).Time("retry_at", retryAt).Msg("delivery failed, will retry")
}

func (p *Processor) send(ctx context.Context, e domain.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return p.sender.Send(ctx, messageFor(e))
}

// RecoverStale counts entries stuck in processing as a failed attempt.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	now := p.now()
	n, err := p.store.RecoverStale(ctx, now.Add(-p.opts.StaleAfter), now, now.Add(p.opts.RetryBase))
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	if n > 0 {
		p.mu.Lock()
		p.stats.Recovered += n
		p.mu.Unlock()
		p.log.Warn().Int("recovered", n).Msg("recovered stale processing entries")
	}
	return n, nil
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Running = p.running.Load()
	return s
}

// Tokens reports the delivery budget currently available, or -1 when
// delivery is unlimited.
func (p *Processor) Tokens() int {
	if p.perHour.Load() <= 0 {
		return -1
	}
	return int(math.Floor(p.limiter.Load().TokensAt(p.now())))
}
