// Package watch keeps project metadata in step with dataset trees edited
// outside the service.
package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/project"
)

// DefaultDebounce is how long a project must be quiet before it is refreshed.
const DefaultDebounce = 500 * time.Millisecond

// Refresher recomputes a project's classes from its dataset tree.
type Refresher interface {
	Refresh(ctx context.Context, name string) (*dataset.Result, error)
}

// Watcher refreshes project metadata when files under a dataset tree change.
// fsnotify watches are not recursive, so the storage root, every project
// directory, every dataset directory and every class directory is watched
// individually.
type Watcher struct {
	layout    project.Layout
	refresher Refresher
	logger    *slog.Logger

	// Debounce coalesces bursts of events, such as a large copy, into one refresh.
	Debounce time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// New creates a watcher over the projects under layout.
func New(layout project.Layout, refresher Refresher, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		layout:    layout,
		refresher: refresher,
		logger:    logger,
		Debounce:  DefaultDebounce,
		timers:    map[string]*time.Timer{},
	}
}

// Run watches until ctx is done. Every existing project is refreshed once at
// start to pick up edits made while nothing was watching.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.layout.Root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.layout.Root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !skip(e.Name()) {
			w.addProject(fw, e.Name())
			w.schedule(ctx, e.Name())
		}
	}

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("dataset watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(w.layout.Root, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || skip(parts[0]) {
		return
	}
	name := parts[0]
	created := event.Has(fsnotify.Create) && isDir(event.Name)

	switch {
	case len(parts) == 1:
		// A project directory appeared, typically by rename from a temp dir.
		if created {
			w.addProject(fw, name)
		}
		return
	case parts[1] != project.DatasetDir:
		return
	case len(parts) == 2:
		if created {
			w.addProject(fw, name)
		}
	case len(parts) == 3 && created && !skip(parts[2]):
		w.add(fw, event.Name)
	}
	if len(parts) > 2 && skip(parts[len(parts)-1]) {
		return
	}
	w.logger.Debug("dataset changed", "project", name, "path", rel, "op", event.Op.String())
	w.schedule(ctx, name)
}

// addProject watches the project directory, its dataset directory and every
// class directory beneath it.
func (w *Watcher) addProject(fw *fsnotify.Watcher, name string) {
	w.add(fw, w.layout.ProjectDir(name))
	root := w.layout.DatasetDir(name)
	if !w.add(fw, root) {
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && !skip(e.Name()) {
			w.add(fw, filepath.Join(root, e.Name()))
		}
	}
}

func (w *Watcher) add(fw *fsnotify.Watcher, path string) bool {
	if err := fw.Add(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return false
	}
	return true
}

func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[name]; ok {
		t.Reset(w.Debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.Debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		delete(w.timers, name)
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()
		w.refresh(ctx, name)
	})
}

func (w *Watcher) refresh(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	res, err := w.refresher.Refresh(ctx, name)
	switch {
	case errors.Is(err, project.ErrProjectNotFound), errors.Is(err, context.Canceled):
		w.logger.Debug("skipping refresh", "project", name, "error", err)
	case err != nil:
		w.logger.Warn("dataset refresh failed", "project", name, "error", err)
	default:
		w.logger.Debug("dataset refreshed", "project", name, "classes", len(res.Classes))
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// skip reports names that never belong to a project or class: hidden
// entries, in-flight temp files and trash directories.
func skip(name string) bool {
	return name == "" || strings.HasPrefix(name, ".")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
