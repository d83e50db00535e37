package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/domain"
	"alertflow/internal/store"
)

type fakeStore struct {
	since    time.Time
	queueErr error
}

func (f *fakeStore) DeliveryStats(_ context.Context, since time.Time) (store.DeliveryStats, error) {
	f.since = since
	return store.DeliveryStats{Delivered: 10, Failed: 2, ByMethod: map[string]int{"log": 10}}, nil
}

func (f *fakeStore) ExecutionStats(context.Context, time.Time) (store.ExecutionStats, error) {
	return store.ExecutionStats{Runs: 5, Succeeded: 4, Failed: 1, AvgDurationMs: 120}, nil
}

func (f *fakeStore) QueueCounts(context.Context) (map[string]int, error) {
	return map[string]int{"pending": 3, "sent": 10}, f.queueErr
}

func TestReport(t *testing.T) {
	now := time.Date(2026, 10, 16, 7, 0, 0, 0, time.UTC)
	st := &fakeStore{}
	h := New(st, zerolog.Nop())
	h.now = func() time.Time { return now }

	res, err := h.Run(context.Background(), domain.ScheduledJob{JobConfig: `{"period_hours":48}`})
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), st.since)
	assert.Equal(t, 17, res.RecordsProcessed)

	s, err := h.Build(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Queue["pending"])
	assert.Equal(t, now, s.Until)
}

func TestReportStoreError(t *testing.T) {
	h := New(&fakeStore{queueErr: errors.New("boom")}, zerolog.Nop())
	_, err := h.Run(context.Background(), domain.ScheduledJob{})
	assert.Error(t, err)
}
