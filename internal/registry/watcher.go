package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher hot-reloads the registry when its catalog file changes.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher for the registry's catalog file.
func NewWatcher(r *Registry) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		registry: r,
		watcher:  w,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Watch monitors the catalog file until ctx is cancelled, reloading on
// write events. Editors often replace files, so the parent directory is
// watched and events are filtered by name.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.registry.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.registry.path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce bursts of events from a single save.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("catalog watcher error")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fire:
			if err := w.registry.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("catalog reload failed, keeping previous snapshot")
				continue
			}
			log.Info().Str("path", w.registry.path).Msg("catalog reloaded")
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
