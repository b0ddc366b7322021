package index

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads the capability document when its file changes on disk.
// Events are debounced: editors emit bursts of writes for one save.
type Watcher struct {
	logger   *zap.Logger
	index    *Index
	path     string
	debounce time.Duration
	onReload func(error)
}

type WatcherOptions struct {
	Logger   *zap.Logger
	Debounce time.Duration
	// OnReload is invoked after each reload attempt with its outcome.
	OnReload func(error)
}

func NewWatcher(idx *Index, path string, opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &Watcher{
		logger:   logger.Named("index_watcher"),
		index:    idx,
		path:     path,
		debounce: debounce,
		onReload: opts.OnReload,
	}
}

// Watch blocks until ctx is done, refreshing the index on file changes.
// Watching the parent directory survives rename-based atomic writes.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	w.logger.Info("watching capability index", zap.String("path", w.path))

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("index watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	source, err := os.ReadFile(w.path)
	if err == nil {
		err = w.index.Refresh(source)
	}
	if err != nil {
		w.logger.Warn("index reload failed", zap.Error(err))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
