package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/delivery"
	"alertflow/internal/domain"
)

type fakeProcessor struct {
	calls      []string
	batch      int
	drainErr   error
	recoverErr error
}

func (f *fakeProcessor) RecoverStale(context.Context) (int, error) {
	f.calls = append(f.calls, "recover")
	return 1, f.recoverErr
}

func (f *fakeProcessor) Drain(_ context.Context, n int) (delivery.DrainResult, error) {
	f.calls = append(f.calls, "drain")
	f.batch = n
	return delivery.DrainResult{Selected: 4, Sent: 3, Failed: 1}, f.drainErr
}

func TestRecoversThenDrains(t *testing.T) {
	p := &fakeProcessor{}
	res, err := New(p, zerolog.Nop()).Run(context.Background(), domain.ScheduledJob{JobConfig: `{"max_batch_size":15}`})
	require.NoError(t, err)

	assert.Equal(t, []string{"recover", "drain"}, p.calls)
	assert.Equal(t, 15, p.batch)
	assert.Equal(t, domain.JobResult{RecordsProcessed: 4, NotificationsSent: 3, Errors: 1}, res)
}

func TestRecoveryErrorDoesNotStopDrain(t *testing.T) {
	p := &fakeProcessor{recoverErr: errors.New("locked")}
	res, err := New(p, zerolog.Nop()).Run(context.Background(), domain.ScheduledJob{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, 0, p.batch)
}

func TestDrainAlreadyRunning(t *testing.T) {
	p := &fakeProcessor{drainErr: delivery.ErrAlreadyRunning}
	_, err := New(p, zerolog.Nop()).Run(context.Background(), domain.ScheduledJob{})
	assert.NoError(t, err)
}
