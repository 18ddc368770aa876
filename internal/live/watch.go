// Package live watches the iMessage database for changes and triggers
// incremental sync runs.
package live

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options configure a watch session.
type Options struct {
	// Path to chat.db. The parent directory is watched because sqlite
	// writes land in the -wal and -shm sidecar files.
	Path     string
	Debounce time.Duration
	Logf     func(format string, args ...any)
}

// Watch blocks until ctx is cancelled, invoking onChange after writes to
// the database settle for the debounce interval. Errors from onChange
// are logged, not fatal: the next change triggers another attempt.
func Watch(ctx context.Context, opts Options, onChange func(ctx context.Context) error) error {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 30 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(opts.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logf("Watching for iMessage changes in %s (debounce: %s)", dir, debounce)

	base := filepath.Base(opts.Path)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// chat.db itself plus its -wal/-shm sidecars.
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer.Reset(debounce)
			pending = true

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("watch error: %v", err)

		case <-timer.C:
			pending = false
			logf("Change detected, running sync...")
			if err := onChange(ctx); err != nil {
				logf("sync failed: %v", err)
			}
		}
	}
}
