package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/domain"
	"alertflow/internal/store"
)

type fakeStore struct{ before time.Time }

func (f *fakeStore) Cleanup(_ context.Context, before time.Time) (store.CleanupResult, error) {
	f.before = before
	return store.CleanupResult{Logs: 3, Queue: 2, Executions: 1}, nil
}

func TestRetentionWindow(t *testing.T) {
	now := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		config string
		want   time.Time
	}{
		{"default", "", now.AddDate(0, 0, -30)},
		{"configured", `{"retention_days":7}`, now.AddDate(0, 0, -7)},
		{"non positive", `{"retention_days":0}`, now.AddDate(0, 0, -30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{}
			h := New(st, zerolog.Nop())
			h.now = func() time.Time { return now }

			res, err := h.Run(context.Background(), domain.ScheduledJob{JobConfig: tt.config})
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.before)
			assert.Equal(t, 6, res.RecordsProcessed)
		})
	}
}
