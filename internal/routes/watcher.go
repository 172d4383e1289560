package routes

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/arsac/h1relay/internal/metrics"
)

// Watcher reloads a routes file whenever it changes. Reloads are paced by a
// rate limiter so a burst of writes costs one reconciliation per interval.
type Watcher struct {
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	path       string
	reconciler *Reconciler
	limiter    *rate.Limiter
	changed    chan struct{}
}

// NewWatcher creates a watcher for the routes file at path. A non-positive
// interval disables pacing.
func NewWatcher(path string, reconciler *Reconciler, interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &Watcher{
		watcher:    w,
		logger:     logger,
		path:       filepath.Clean(path),
		reconciler: reconciler,
		limiter:    rate.NewLimiter(limit, 1),
		changed:    make(chan struct{}, 1),
	}, nil
}

// Run applies the file once, then reapplies it on every change until ctx is
// cancelled. The parent directory is watched so atomic replaces are seen.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.reload(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "watcher error", "error", err)
		case <-w.changed:
			if err := w.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			w.reload(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}

	// Pending reloads coalesce.
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *Watcher) reload(ctx context.Context) {
	desired, err := Load(w.path)
	if err != nil {
		metrics.RouteReloadsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		w.logger.WarnContext(ctx, "keeping current routes", "path", w.path, "error", err)
		return
	}

	if err := w.reconciler.Apply(ctx, desired); err != nil {
		metrics.RouteReloadsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		w.logger.ErrorContext(ctx, "routes partially applied", "path", w.path, "error", err)
		return
	}

	metrics.RouteReloadsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	w.logger.InfoContext(ctx, "routes applied", "path", w.path, "routes", len(desired))
}
