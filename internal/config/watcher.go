package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits an event when config.yaml changes so the daemon can reload
// tunables (tier table, watchdog caps, prune policy) without a restart.
// Events are debounced: editors produce bursts of writes for a single save.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan struct{}
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan struct{}, 1),
	}
}

// Events delivers one signal per (debounced) config change.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start watches the home directory until ctx is done. Watching the directory
// rather than the file survives the rename-replace write pattern most editors
// and provisioning tools use.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.homeDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.homeDir, err)
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Base(ConfigPath(w.homeDir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
			w.logger.Info("config change detected", "path", ConfigPath(w.homeDir))
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
