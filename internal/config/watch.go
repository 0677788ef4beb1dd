package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const routesDebounce = 25 * time.Millisecond

// RoutesWatcher re-reads the routes file after it changes on disk and hands
// the merged table to a callback. Call Stop to release the fsnotify handle.
type RoutesWatcher struct {
	path     string
	inline   map[string]RouteConfig
	onChange func(map[string]RouteConfig)
	onError  func(error)

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// WatchRoutes delivers the merged table for cfg.Cache.RoutesFile once
// synchronously, then again after each write, create, rename or removal.
// A broken file is reported through onError and no table is delivered, so
// the caller keeps whatever it had.
func (l *Loader) WatchRoutes(ctx context.Context, cfg Config, onChange func(map[string]RouteConfig), onError func(error)) (*RoutesWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch routes requires a change callback")
	}
	if cfg.Cache.RoutesFile == "" {
		return nil, errors.New("config: no routes file configured for watching")
	}
	if _, err := parserFor(cfg.Cache.RoutesFile); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(cfg.Cache.RoutesFile)
	if err != nil {
		return nil, fmt.Errorf("config: resolve routes file: %w", err)
	}

	w := &RoutesWatcher{
		path:     filepath.Clean(path),
		inline:   MergeRoutes(nil, cfg.InlineRoutes),
		onChange: onChange,
		onError:  onError,
		done:     make(chan struct{}),
	}
	initial, err := w.read()
	if err != nil {
		return nil, err
	}

	w.fs, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch routes: %w", err)
	}
	// Editors replace files by rename, so watch the directory rather than the file.
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		_ = w.fs.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}

	onChange(initial)

	var loopCtx context.Context
	loopCtx, w.cancel = context.WithCancel(ctx)
	go w.loop(loopCtx)
	return w, nil
}

// Stop ends the watch loop and waits for it to exit. Safe on nil and when
// called more than once.
func (w *RoutesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *RoutesWatcher) read() (map[string]RouteConfig, error) {
	routes, err := LoadRoutesFile(w.path)
	if err != nil {
		return nil, err
	}
	return MergeRoutes(w.inline, routes), nil
}

func (w *RoutesWatcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *RoutesWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.fs.Close(); err != nil {
			w.report(fmt.Errorf("config: close routes watcher: %w", err))
		}
	}()

	// A burst of events from one save collapses into a single reload.
	timer := time.NewTimer(routesDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			routes, err := w.read()
			if err != nil {
				w.report(err)
				continue
			}
			w.onChange(routes)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op == 0 {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.report(fmt.Errorf("config: routes file %s removed", w.path))
			}
			timer.Reset(routesDebounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch routes: %w", err))
		}
	}
}
