package backup

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/domain"
	"alertflow/internal/store"
)

type fakeStore struct {
	driver string
	paths  []string
	err    error
}

func (f *fakeStore) Driver() string { return f.driver }

func (f *fakeStore) Backup(_ context.Context, path string) error {
	if f.err != nil {
		return f.err
	}
	f.paths = append(f.paths, path)
	return os.WriteFile(path, []byte("snapshot"), 0o644)
}

func jobFor(t *testing.T, cfg string) domain.ScheduledJob {
	t.Helper()
	return domain.ScheduledJob{ID: 1, JobType: domain.JobBackup, JobConfig: cfg}
}

func TestSQLiteBackupAndPrune(t *testing.T) {
	dir := t.TempDir()
	st := &fakeStore{driver: store.DriverSQLite}
	h := New(st, zerolog.Nop())
	clock := time.Date(2026, 10, 16, 3, 30, 0, 0, time.UTC)
	h.now = func() time.Time {
		clock = clock.Add(24 * time.Hour)
		return clock
	}

	cfg := `{"dir":"` + filepath.ToSlash(dir) + `","keep":2}`
	for i := 0; i < 3; i++ {
		_, err := h.Run(context.Background(), jobFor(t, cfg))
		require.NoError(t, err)
	}

	require.Len(t, st.paths, 3)
	assert.Equal(t, filepath.Join(dir, "alertflow-20261017-033000.db"), st.paths[0])
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alertflow-20261018-033000.db", entries[0].Name())
}

func TestPostgresWithoutCommandIsUnsupported(t *testing.T) {
	st := &fakeStore{driver: store.DriverPostgres, err: store.ErrBackupUnsupported}
	_, err := New(st, zerolog.Nop()).Run(context.Background(), jobFor(t, `{"dir":"`+filepath.ToSlash(t.TempDir())+`"}`))
	assert.ErrorIs(t, err, store.ErrBackupUnsupported)
}

func TestCommandBackup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	dir := t.TempDir()
	st := &fakeStore{driver: store.DriverPostgres}
	cfg := `{"dir":"` + dir + `","command":"sh","args":["-c","echo dump > \"$0\"","{file}"]}`

	_, err := New(st, zerolog.Nop()).Run(context.Background(), jobFor(t, cfg))
	require.NoError(t, err)
	assert.Empty(t, st.paths)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".sql", filepath.Ext(entries[0].Name()))
}

func TestCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cfg := `{"dir":"` + t.TempDir() + `","command":"sh","args":["-c","echo nope >&2; exit 3"]}`
	_, err := New(&fakeStore{driver: store.DriverPostgres}, zerolog.Nop()).Run(context.Background(), jobFor(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
}
