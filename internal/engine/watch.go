package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"womflow/internal/definition"
	"womflow/internal/womerror"
)

// Watcher re-runs a workflow whenever the definition file or one of the
// declared input files changes. Events are debounced so a burst of saves
// triggers a single run.
type Watcher struct {
	eng         *Engine
	path        string
	debounceDur time.Duration
	log         *zap.Logger

	// OnResult, when set, receives every run outcome. Run errors are passed
	// with a nil result.
	OnResult func(*Result, error)
}

// NewWatcher creates a watcher over the definition file at path.
func NewWatcher(eng *Engine, path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{eng: eng, path: path, debounceDur: debounce, log: eng.log}
}

// Watch runs the workflow once, then blocks re-running it on changes until
// the context is cancelled. The watch set is recomputed after every run so
// newly declared inputs are picked up.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return womerror.Wrap(womerror.ExecutionFailure, err, "failed to create file watcher")
	}
	defer fw.Close()

	w.runOnce(ctx)
	if err := w.rearm(fw); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.log.Debug("change detected", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounceDur)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounceDur)
			}
		case <-fire:
			timer, fire = nil, nil
			w.runOnce(ctx)
			if err := w.rearm(fw); err != nil {
				return err
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	res, err := w.eng.RunDefinition(ctx, w.path)
	if err != nil {
		w.log.Error("workflow run failed", zap.Error(err))
	}
	if w.OnResult != nil {
		w.OnResult(res, err)
	}
}

// rearm rebuilds the watch set: the definition file's directory plus the
// parent directory of every declared input file. Directories are watched
// rather than files so editors that replace-on-save keep triggering.
func (w *Watcher) rearm(fw *fsnotify.Watcher) error {
	for _, old := range fw.WatchList() {
		_ = fw.Remove(old)
	}

	dirs := map[string]bool{filepath.Dir(w.path): true}
	if doc, err := definition.Load(w.path); err == nil {
		if rules, err := w.eng.binder.Materialize(context.Background(), doc); err == nil {
			for _, rule := range rules {
				for _, in := range rule.InputFiles() {
					dirs[filepath.Dir(in.Path)] = true
				}
			}
		}
	}

	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			// directory may not exist yet; a later run will re-arm
			w.log.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	return nil
}
