package task

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reports external edits to the PRD file. It watches the containing
// directory (editors rename-replace, which drops direct file watches) and
// coalesces bursts into one notification per debounce window. The channel
// closes when ctx is cancelled.
func Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve PRD path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create PRD watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	ch := make(chan struct{}, 1)
	base := filepath.Base(abs)

	go func() {
		defer close(ch)
		defer watcher.Close()

		var debounce *time.Timer
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(watchDebounce)
				} else {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(watchDebounce)
				}
				pending = debounce.C

			case <-pending:
				pending = nil
				select {
				case ch <- struct{}{}:
				default: // change already pending
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("PRD watcher error", "error", err)
			}
		}
	}()

	return ch, nil
}
