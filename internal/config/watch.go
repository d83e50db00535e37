package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid, changed
// config to fn. Invalid files are logged and ignored. It returns when ctx
// ends.
func Watch(ctx context.Context, path string, log zerolog.Logger, fn func(*Config)) error {
	log = log.With().Str("component", "config").Str("path", path).Logger()
	dir, file := filepath.Dir(path), filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// watch the directory so editors that replace the file are seen
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		timer    *time.Timer
		lastHash = fileHash(path)
	)
	reload := func() {
		h := fileHash(path)
		mu.Lock()
		unchanged := h != 0 && h == lastHash
		if !unchanged {
			lastHash = h
		}
		mu.Unlock()
		if unchanged {
			log.Debug().Msg("config unchanged, skipping reload")
			return
		}
		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Msg("config reload rejected")
			return
		}
		log.Info().Msg("config reloaded")
		fn(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func fileHash(path string) uint64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
