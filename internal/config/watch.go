package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

// QuotaWatcher monitors the configured quota source (file or folder) and
// invokes the supplied callback whenever definitions change. Stop must be
// called to release filesystem resources.
type QuotaWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *QuotaWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

type quotaWatch struct {
	ctx      context.Context
	watcher  *fsnotify.Watcher
	inline   QuotaDocument
	quotas   QuotasConfig
	onChange func(QuotaBundle)
	onError  func(error)

	targetFile string
	dirs       map[string]struct{}
	reloadMu   sync.Mutex
}

// WatchQuotas wires fsnotify around the configured quota source and rebuilds
// the bundle on any relevant change. The initial bundle is delivered to
// onChange before WatchQuotas returns. Failed rebuilds are reported through
// onError and never reach onChange, so consumers keep their previous table.
func (l *Loader) WatchQuotas(ctx context.Context, cfg Config, onChange func(QuotaBundle), onError func(error)) (*QuotaWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch quotas requires a change callback")
	}
	if cfg.Server.Quotas.QuotasFile == "" && cfg.Server.Quotas.QuotasFolder == "" {
		return nil, fmt.Errorf("config: no quotas source configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch quotas: %w", err)
	}

	w := &quotaWatch{
		ctx:      watchCtx,
		watcher:  watcher,
		inline:   cfg.Inline,
		quotas:   cfg.Server.Quotas,
		onChange: onChange,
		onError:  onError,
		dirs:     make(map[string]struct{}),
	}

	bundle, err := BuildQuotaBundle(watchCtx, w.inline, w.quotas)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			w.report(fmt.Errorf("config: watch quotas close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	w.register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				w.report(fmt.Errorf("config: watch quotas close: %w", err))
			}
		}()
		w.loop()
	}()

	return &QuotaWatcher{cancel: cancel, done: done}, nil
}

func (w *quotaWatch) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *quotaWatch) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	bundle, err := BuildQuotaBundle(w.ctx, w.inline, w.quotas)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.report(err)
		return
	}
	w.onChange(bundle)
}

func (w *quotaWatch) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// register adds the directories that must be observed. A single quota file is
// watched through its parent so editors that replace the file are still seen.
func (w *quotaWatch) register() {
	if w.quotas.QuotasFile != "" {
		resolved := w.quotas.QuotasFile
		if path, err := filepath.Abs(resolved); err == nil {
			resolved = path
		} else {
			w.report(fmt.Errorf("config: resolve quotas file: %w", err))
		}
		w.targetFile = filepath.Clean(resolved)
		w.addDir(filepath.Dir(w.targetFile))
		return
	}
	root, err := filepath.Abs(w.quotas.QuotasFolder)
	if err != nil {
		w.report(fmt.Errorf("config: resolve quotas folder: %w", err))
		root = w.quotas.QuotasFolder
	}
	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	}); err != nil {
		w.report(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

// relevant reports whether event should trigger a rebuild. New directories
// under a watched folder are registered as a side effect.
func (w *quotaWatch) relevant(event fsnotify.Event) bool {
	const changeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	name := filepath.Clean(event.Name)
	if w.targetFile != "" {
		if name != w.targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.report(fmt.Errorf("config: quotas file %s removed", w.targetFile))
		}
		return event.Op&changeOps != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedQuotaFile(name) && event.Op&changeOps != 0
}

func (w *quotaWatch) loop() {
	var (
		timer  *time.Timer
		signal <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			timer.Stop()
			timer.Reset(reloadDebounce)
		}
		signal = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-signal:
			signal = nil
			w.reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}
