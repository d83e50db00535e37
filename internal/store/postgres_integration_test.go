//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"alertflow/internal/domain"
)

func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("alertflow_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureERPSchema(ctx))
	return s
}

func TestPostgresQueueLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.Seed(ctx, "America/Santiago"))
	require.NoError(t, s.Seed(ctx, "America/Santiago"))
	tpls, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, tpls, len(defaultTemplates))

	ok, err := s.Enqueue(ctx, entry("pg", domain.PriorityCritical, base))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Enqueue(ctx, entry("pg", domain.PriorityCritical, base))
	require.NoError(t, err)
	assert.False(t, ok)

	ready, err := s.ReadyEntries(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	claimed, err := s.Claim(ctx, ready[0].ID, base)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.MarkSent(ctx, ready[0], "log", base))

	stats, err := s.DeliveryStats(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
}

func TestPostgresJobsAndTickets(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	seedERP(t, s)

	id, err := s.CreateJob(ctx, domain.ScheduledJob{Name: "SLA", JobType: domain.JobSLAMonitor, SchedulePattern: "*/15 * * * *", IsActive: true})
	require.NoError(t, err)
	execID, err := s.StartExecution(ctx, id, "pg", base)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, FinishedRun{
		ExecutionID: execID, JobID: id, Status: domain.RunSuccess, StartedAt: base, FinishedAt: base.Add(time.Second),
	}))
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.SuccessfulRuns)

	got, err := s.Tickets(ctx, TicketQuery{Statuses: []string{"Abierto", "En Progreso"}, OverdueAt: &base})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ticketIDs(got))

	pending, err := s.TicketsWithPendingChecklist(ctx, []string{"Abierto", "En Progreso"}, base.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ticketIDs(pending))
}
