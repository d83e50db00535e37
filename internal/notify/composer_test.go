package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/domain"
)

type fakeQueue struct {
	mu      sync.Mutex
	entries []domain.QueueEntry
	keys    map[string]bool
	recent  bool
	err     error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{keys: map[string]bool{}} }

func (f *fakeQueue) Enqueue(_ context.Context, e domain.QueueEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.keys[e.DedupKey] {
		return false, nil
	}
	f.keys[e.DedupKey] = true
	f.entries = append(f.entries, e)
	return true, nil
}

func (f *fakeQueue) RecentlyQueued(context.Context, int64, string, *int64, string, time.Time) (bool, error) {
	return f.recent, nil
}

type staticResolver struct {
	list []domain.Recipient
	err  error
}

func (r staticResolver) Resolve(context.Context, domain.NotificationTemplate, *domain.Recipient) ([]domain.Recipient, error) {
	return r.list, r.err
}

var twoRecipients = staticResolver{list: []domain.Recipient{
	{Type: domain.RecipientUser, Identifier: "1", Address: "ana@gym.cl"},
	{Type: domain.RecipientEmail, Identifier: "ops@gym.cl", Address: "ops@gym.cl"},
}}

func testTemplate() domain.NotificationTemplate {
	return domain.NotificationTemplate{
		ID:              3,
		TriggerEvent:    "sla_warning",
		SubjectTemplate: "Ticket #{{ticket_id}}",
		BodyTemplate:    "{client_name}: {missing}quedan {{hours_remaining}}h",
		Priority:        domain.PriorityHigh,
	}
}

func TestComposeQueuesOneEntryPerRecipient(t *testing.T) {
	q := newFakeQueue()
	c := NewComposer(q, twoRecipients, 3, zerolog.Nop())
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	id := int64(42)

	out, err := c.Compose(context.Background(), Notification{
		Template:     testTemplate(),
		TriggerEvent: "sla_warning",
		EntityType:   "ticket",
		EntityID:     &id,
		Context:      map[string]any{"ticket_id": id, "client_name": "Acme", "hours_remaining": 1},
		DedupPrefix:  "alert:1",
		Now:          now,
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Recipients: 2, Queued: 2}, out)

	require.Len(t, q.entries, 2)
	e := q.entries[0]
	assert.Equal(t, "Ticket #42", e.Subject)
	assert.Equal(t, "Acme: quedan 1h", e.Body)
	assert.Equal(t, domain.PriorityHigh, e.Priority)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.Equal(t, now, e.ScheduledAt)
	assert.Equal(t, "alert:1|user:1", e.DedupKey)
	assert.Equal(t, "ana@gym.cl", e.RecipientAddress)
	assert.JSONEq(t, `{"ticket_id":"42","client_name":"Acme","hours_remaining":"1"}`, e.ContextData)
	assert.Equal(t, "alert:1|email:ops@gym.cl", q.entries[1].DedupKey)
}

func TestComposeIsIdempotentPerOccurrence(t *testing.T) {
	q := newFakeQueue()
	c := NewComposer(q, twoRecipients, 3, zerolog.Nop())
	n := Notification{Template: testTemplate(), DedupPrefix: "alert:1:x"}

	_, err := c.Compose(context.Background(), n)
	require.NoError(t, err)
	out, err := c.Compose(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, 0, out.Queued)
	assert.Equal(t, 2, out.Duplicates)
	assert.Len(t, q.entries, 2)
}

func TestComposeRespectsLimit(t *testing.T) {
	q := newFakeQueue()
	c := NewComposer(q, twoRecipients, 3, zerolog.Nop())

	out, err := c.Compose(context.Background(), Notification{Template: testTemplate(), DedupPrefix: "p", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Queued)
	assert.Equal(t, 1, out.Capped)
	assert.Len(t, q.entries, 1)
}

func TestComposePriorityFallback(t *testing.T) {
	q := newFakeQueue()
	c := NewComposer(q, twoRecipients, 3, zerolog.Nop())
	tpl := testTemplate()
	tpl.Priority = ""

	_, err := c.Compose(context.Background(), Notification{Template: tpl, DedupPrefix: "p", DefaultPriority: domain.PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityCritical, q.entries[0].Priority)
}

func TestComposeDelayAndFrequency(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	t.Run("delay shifts schedule", func(t *testing.T) {
		q := newFakeQueue()
		c := NewComposer(q, twoRecipients, 3, zerolog.Nop())
		tpl := testTemplate()
		tpl.DelayMinutes = 15

		_, err := c.Compose(context.Background(), Notification{Template: tpl, DedupPrefix: "p", Now: now})
		require.NoError(t, err)
		assert.Equal(t, now.Add(15*time.Minute), q.entries[0].ScheduledAt)
	})

	t.Run("recent entries are throttled", func(t *testing.T) {
		q := newFakeQueue()
		q.recent = true
		c := NewComposer(q, twoRecipients, 3, zerolog.Nop())
		tpl := testTemplate()
		tpl.MaxFrequencyHours = 4

		out, err := c.Compose(context.Background(), Notification{Template: tpl, DedupPrefix: "p", Now: now})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Throttled)
		assert.Empty(t, q.entries)
	})
}

func TestComposeErrors(t *testing.T) {
	t.Run("resolver", func(t *testing.T) {
		c := NewComposer(newFakeQueue(), staticResolver{err: errors.New("boom")}, 3, zerolog.Nop())
		_, err := c.Compose(context.Background(), Notification{Template: testTemplate()})
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("enqueue", func(t *testing.T) {
		q := newFakeQueue()
		q.err = errors.New("disk full")
		c := NewComposer(q, twoRecipients, 3, zerolog.Nop())
		_, err := c.Compose(context.Background(), Notification{Template: testTemplate()})
		assert.ErrorContains(t, err, "disk full")
	})

	t.Run("no recipients", func(t *testing.T) {
		q := newFakeQueue()
		c := NewComposer(q, staticResolver{}, 3, zerolog.Nop())
		out, err := c.Compose(context.Background(), Notification{Template: testTemplate()})
		require.NoError(t, err)
		assert.Equal(t, Outcome{}, out)
	})
}
