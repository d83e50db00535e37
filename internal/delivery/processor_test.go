package delivery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/domain"
)

type logRow struct {
	queueID int64
	status  string
}

// memStore keeps queue entries in memory with the same transition rules as
// the SQL store.
type memStore struct {
	mu      sync.Mutex
	entries map[int64]*domain.QueueEntry
	logs    []logRow
	claims  int
	onClaim func()
}

func newMemStore(entries ...domain.QueueEntry) *memStore {
	m := &memStore{entries: map[int64]*domain.QueueEntry{}}
	for _, e := range entries {
		e := e
		if e.Status == "" {
			e.Status = domain.QueuePending
		}
		if e.MaxAttempts == 0 {
			e.MaxAttempts = 3
		}
		m.entries[e.ID] = &e
	}
	return m
}

func (m *memStore) get(id int64) domain.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entries[id]
}

func (m *memStore) ReadyEntries(_ context.Context, now time.Time, limit int) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QueueEntry
	for _, e := range m.entries {
		if e.Status == domain.QueuePending && !e.ScheduledAt.After(now) {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b domain.QueueEntry) int {
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() - b.Priority.Rank()
		}
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Claim(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e.Status != domain.QueuePending {
		return false, nil
	}
	m.claims++
	e.Status = domain.QueueProcessing
	e.UpdatedAt = now
	if m.onClaim != nil {
		m.onClaim()
	}
	return true, nil
}

func (m *memStore) Release(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e.Status == domain.QueueProcessing {
		e.Status = domain.QueuePending
		e.UpdatedAt = now
	}
	return nil
}

func (m *memStore) MarkSent(ctx context.Context, q domain.QueueEntry, _ string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[q.ID]
	if e.Status != domain.QueueProcessing {
		return errors.New("not processing")
	}
	e.Status = domain.QueueSent
	e.SentAt = &now
	m.logs = append(m.logs, logRow{q.ID, domain.LogDelivered})
	return nil
}

func (m *memStore) MarkAttemptFailed(ctx context.Context, q domain.QueueEntry, _, reason string, now, retryAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[q.ID]
	if e.Status != domain.QueueProcessing {
		return "", errors.New("not processing")
	}
	e.Attempts++
	e.ErrorMessage = &reason
	if e.Attempts >= e.MaxAttempts {
		e.Status = domain.QueueFailed
		e.FailedAt = &now
	} else {
		e.Status = domain.QueuePending
		e.ScheduledAt = retryAt
	}
	m.logs = append(m.logs, logRow{q.ID, domain.LogFailed})
	return e.Status, nil
}

func (m *memStore) RecoverStale(_ context.Context, staleBefore, now, retryAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Status == domain.QueueProcessing && e.UpdatedAt.Before(staleBefore) {
			n++
			e.Attempts++
			if e.Attempts >= e.MaxAttempts {
				e.Status = domain.QueueFailed
				e.FailedAt = &now
			} else {
				e.Status = domain.QueuePending
				e.ScheduledAt = retryAt
			}
		}
	}
	return n, nil
}

type fakeSender struct {
	mu     sync.Mutex
	err    error
	sent   []Message
	onSend func()
}

func (*fakeSender) Method() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onSend != nil {
		s.onSend()
	}
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestProcessor(st Store, sender Sender, opts Options, now *time.Time) *Processor {
	p := NewProcessor(st, sender, opts, zerolog.Nop())
	p.now = func() time.Time { return *now }
	return p
}

func TestDrainOrdersByPriorityThenSchedule(t *testing.T) {
	st := newMemStore(
		domain.QueueEntry{ID: 1, Priority: domain.PriorityLow, ScheduledAt: t0.Add(-time.Hour)},
		domain.QueueEntry{ID: 2, Priority: domain.PriorityCritical, ScheduledAt: t0},
		domain.QueueEntry{ID: 3, Priority: domain.PriorityHigh, ScheduledAt: t0.Add(-time.Minute)},
		domain.QueueEntry{ID: 4, Priority: domain.PriorityHigh, ScheduledAt: t0.Add(-2 * time.Minute)},
		domain.QueueEntry{ID: 5, Priority: domain.PriorityCritical, ScheduledAt: t0.Add(time.Minute)},
	)
	sender := &fakeSender{}
	now := t0
	p := newTestProcessor(st, sender, Options{}, &now)

	res, err := p.Drain(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Selected)
	assert.Equal(t, 4, res.Sent)
	var order []int64
	for _, m := range sender.sent {
		order = append(order, m.QueueID)
	}
	assert.Equal(t, []int64{2, 4, 3, 1}, order)
	assert.Equal(t, domain.QueuePending, st.get(5).Status, "future entry stays pending")
	assert.Equal(t, domain.QueueSent, st.get(2).Status)
	assert.Len(t, st.logs, 4)
}

func TestDrainRespectsBatchSize(t *testing.T) {
	st := newMemStore(
		domain.QueueEntry{ID: 1, Priority: domain.PriorityMedium, ScheduledAt: t0},
		domain.QueueEntry{ID: 2, Priority: domain.PriorityMedium, ScheduledAt: t0},
		domain.QueueEntry{ID: 3, Priority: domain.PriorityMedium, ScheduledAt: t0},
	)
	now := t0
	p := newTestProcessor(st, &fakeSender{}, Options{}, &now)

	res, err := p.Drain(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, domain.QueuePending, st.get(3).Status)
}

func TestFailedDeliveryExhaustsAttempts(t *testing.T) {
	st := newMemStore(domain.QueueEntry{ID: 1, Priority: domain.PriorityHigh, ScheduledAt: t0, MaxAttempts: 3})
	sender := &fakeSender{err: errors.New("smtp unavailable")}
	now := t0
	p := newTestProcessor(st, sender, Options{RetryBase: time.Minute, RetryMax: time.Hour}, &now)

	res, err := p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	e := st.get(1)
	assert.Equal(t, domain.QueuePending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, t0.Add(time.Minute), e.ScheduledAt)

	// not due yet
	res, err = p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Selected)

	now = t0.Add(time.Minute)
	_, err = p.Drain(context.Background(), 10)
	require.NoError(t, err)
	e = st.get(1)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, now.Add(2*time.Minute), e.ScheduledAt)

	now = now.Add(2 * time.Minute)
	res, err = p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	e = st.get(1)
	assert.Equal(t, domain.QueueFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "smtp unavailable", *e.ErrorMessage)
	require.NotNil(t, e.FailedAt)
	assert.Len(t, st.logs, 3)

	// terminal entries are never picked up again
	now = now.Add(24 * time.Hour)
	res, err = p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Selected)
}

func TestRateLimitLeavesRemainingPending(t *testing.T) {
	var entries []domain.QueueEntry
	for i := int64(1); i <= 5; i++ {
		entries = append(entries, domain.QueueEntry{ID: i, Priority: domain.PriorityMedium, ScheduledAt: t0})
	}
	st := newMemStore(entries...)
	sender := &fakeSender{}
	now := t0
	p := newTestProcessor(st, sender, Options{RatePerHour: 2}, &now)

	res, err := p.Drain(context.Background(), 10)
	require.NoError(t, err)

	assert.True(t, res.RateLimited)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, st.claims)
	for i := int64(3); i <= 5; i++ {
		e := st.get(i)
		assert.Equal(t, domain.QueuePending, e.Status)
		assert.Zero(t, e.Attempts)
		assert.True(t, e.UpdatedAt.IsZero(), "entry %d was touched", i)
	}
	assert.Equal(t, 0, p.Tokens())

	// a token refills every 30 minutes at 2/hour
	now = t0.Add(31 * time.Minute)
	res, err = p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestSetRate(t *testing.T) {
	now := t0
	p := newTestProcessor(newMemStore(), &fakeSender{}, Options{RatePerHour: 1}, &now)
	assert.Equal(t, 1, p.Tokens())

	p.SetRate(10)
	assert.Equal(t, 10, p.Tokens())

	p.SetRate(0)
	assert.Equal(t, -1, p.Tokens())
}

func TestDrainSkipsEntriesClaimedElsewhere(t *testing.T) {
	st := newMemStore(domain.QueueEntry{ID: 1, Priority: domain.PriorityMedium, ScheduledAt: t0})
	now := t0
	p := newTestProcessor(&racingStore{memStore: st}, &fakeSender{}, Options{}, &now)

	res, err := p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Sent)
}

// racingStore loses every claim to another pass.
type racingStore struct{ *memStore }

func (racingStore) Claim(context.Context, int64, time.Time) (bool, error) { return false, nil }

func TestDrainRejectsReentry(t *testing.T) {
	now := t0
	p := newTestProcessor(newMemStore(), &fakeSender{}, Options{}, &now)
	p.running.Store(true)

	_, err := p.Drain(context.Background(), 10)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

type panicSender struct{}

func (panicSender) Method() string                      { return "panic" }
func (panicSender) Send(context.Context, Message) error { panic("boom") }

func TestSenderPanicCountsAsFailedAttempt(t *testing.T) {
	st := newMemStore(domain.QueueEntry{ID: 1, Priority: domain.PriorityMedium, ScheduledAt: t0})
	now := t0
	p := newTestProcessor(st, panicSender{}, Options{}, &now)

	res, err := p.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	e := st.get(1)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "boom")
}

func TestRecoverStale(t *testing.T) {
	st := newMemStore(
		domain.QueueEntry{ID: 1, Status: domain.QueueProcessing, UpdatedAt: t0.Add(-time.Hour), MaxAttempts: 3},
		domain.QueueEntry{ID: 2, Status: domain.QueueProcessing, UpdatedAt: t0.Add(-time.Minute), MaxAttempts: 3},
		domain.QueueEntry{ID: 3, Status: domain.QueueProcessing, UpdatedAt: t0.Add(-time.Hour), Attempts: 2, MaxAttempts: 3},
	)
	now := t0
	p := newTestProcessor(st, &fakeSender{}, Options{StaleAfter: 10 * time.Minute}, &now)

	n, err := p.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.QueuePending, st.get(1).Status)
	assert.Equal(t, domain.QueueProcessing, st.get(2).Status)
	assert.Equal(t, domain.QueueFailed, st.get(3).Status)
	assert.Equal(t, 2, p.Stats().Recovered)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, time.Minute, time.Hour), "attempts=%d", tt.attempts)
	}
}

func TestDrainReleasesClaimOnCancel(t *testing.T) {
	st := newMemStore(
		domain.QueueEntry{ID: 1, Priority: domain.PriorityHigh, ScheduledAt: t0},
		domain.QueueEntry{ID: 2, Priority: domain.PriorityLow, ScheduledAt: t0},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.onClaim = cancel
	sender := &fakeSender{}
	now := t0
	p := newTestProcessor(st, sender, Options{}, &now)

	res, err := p.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Sent)
	assert.Empty(t, sender.sent)
	for _, id := range []int64{1, 2} {
		e := st.get(id)
		assert.Equal(t, domain.QueuePending, e.Status)
		assert.Zero(t, e.Attempts)
	}
}

func TestCancelledPassStillRecordsOutcome(t *testing.T) {
	tests := []struct {
		name       string
		sendErr    error
		wantStatus string
		wantLog    string
	}{
		{name: "delivered", wantStatus: domain.QueueSent, wantLog: domain.LogDelivered},
		{name: "failed attempt", sendErr: errors.New("smtp unavailable"), wantStatus: domain.QueuePending, wantLog: domain.LogFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore(
				domain.QueueEntry{ID: 1, Priority: domain.PriorityHigh, ScheduledAt: t0},
				domain.QueueEntry{ID: 2, Priority: domain.PriorityLow, ScheduledAt: t0},
			)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sender := &fakeSender{err: tt.sendErr, onSend: cancel}
			now := t0
			p := newTestProcessor(st, sender, Options{StaleAfter: time.Minute}, &now)

			res, err := p.Drain(ctx, 10)
			require.NoError(t, err)
			assert.Zero(t, res.Errors)

			e := st.get(1)
			assert.Equal(t, tt.wantStatus, e.Status)
			require.Len(t, st.logs, 1)
			assert.Equal(t, tt.wantLog, st.logs[0].status)
			assert.Equal(t, domain.QueuePending, st.get(2).Status, "remaining entries wait for the next pass")

			now = t0.Add(time.Hour)
			recovered, err := p.RecoverStale(context.Background())
			require.NoError(t, err)
			assert.Zero(t, recovered, "nothing is left in processing")
		})
	}
}

func TestDeliveredEntryIsNotSentAgain(t *testing.T) {
	st := newMemStore(domain.QueueEntry{ID: 1, Priority: domain.PriorityHigh, ScheduledAt: t0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &fakeSender{onSend: cancel}
	now := t0
	p := newTestProcessor(st, sender, Options{StaleAfter: time.Minute}, &now)

	_, err := p.Drain(ctx, 10)
	require.NoError(t, err)

	now = t0.Add(time.Hour)
	_, err = p.RecoverStale(context.Background())
	require.NoError(t, err)
	sender.onSend = nil
	res, err := p.Drain(context.Background(), 10)
	require.NoError(t, err)

	assert.Zero(t, res.Selected)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, 0, st.get(1).Attempts)
}
