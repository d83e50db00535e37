// Package backup snapshots the engine database as a scheduled job.
package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
	"alertflow/internal/handlers"
	"alertflow/internal/render"
	"alertflow/internal/store"
)

const filePrefix = "alertflow-"

type Store interface {
	Driver() string
	Backup(ctx context.Context, path string) error
}

// config selects the target directory and, for databases without an online
// backup statement, an external dump command. Arguments may reference the
// target path as {file}.
type config struct {
	Dir     string   `json:"dir"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Keep    int      `json:"keep"`
}

type Handler struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func New(st Store, log zerolog.Logger) *Handler {
	return &Handler{store: st, now: time.Now, log: log.With().Str("component", "backup").Logger()}
}

func (*Handler) Type() domain.JobType { return domain.JobBackup }

func (h *Handler) Run(ctx context.Context, job domain.ScheduledJob) (domain.JobResult, error) {
	cfg := config{Dir: "backups"}
	if err := handlers.DecodeConfig(job, &cfg); err != nil {
		return domain.JobResult{}, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return domain.JobResult{}, fmt.Errorf("backup dir: %w", err)
	}

	ext := ".db"
	if h.store.Driver() == store.DriverPostgres {
		ext = ".sql"
	}
	path := filepath.Join(cfg.Dir, filePrefix+h.now().UTC().Format("20060102-150405")+ext)

	var err error
	switch {
	case cfg.Command != "":
		err = h.runCommand(ctx, cfg, path)
	default:
		err = h.store.Backup(ctx, path)
	}
	if err != nil {
		return domain.JobResult{Errors: 1}, err
	}
	h.log.Info().Str("path", path).Msg("backup written")

	removed, err := prune(cfg.Dir, cfg.Keep)
	if err != nil {
		h.log.Warn().Err(err).Msg("prune old backups")
	}
	return domain.JobResult{RecordsProcessed: 1 + removed}, nil
}

func (h *Handler) runCommand(ctx context.Context, cfg config, path string) error {
	vars := map[string]string{"file": path}
	args := make([]string, 0, len(cfg.Args))
	for _, a := range cfg.Args {
		args = append(args, render.Render(a, vars))
	}
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("backup command: %w; out=%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// prune keeps the newest keep backups in dir. Zero keeps everything.
func prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	// timestamped names sort chronologically
	slices.Sort(names)
	removed := 0
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
