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

// AccessWatcher monitors the configured access file and invokes the supplied
// callback whenever its contents change. Stop must be called to release
// filesystem resources.
type AccessWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *AccessWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

const accessReloadDebounce = 25 * time.Millisecond

// WatchAccess loads cfg.Access.AccessFile, merges it with the inline access
// list, hands the result to onChange, and repeats on every change to the file.
// The parent directory is watched so editors that replace the file atomically
// are still observed.
func WatchAccess(ctx context.Context, cfg Config, onChange func(AccessList), onError func(error)) (*AccessWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch access requires a change callback")
	}
	if cfg.Access.AccessFile == "" {
		return nil, errors.New("config: no access file configured for watching")
	}

	target := cfg.Access.AccessFile
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	target = filepath.Clean(target)
	inline := cfg.Access.List()

	list, err := LoadAccessList(target)
	if err != nil {
		return nil, err
	}
	onChange(inline.Merge(list))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch access: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	watch := &AccessWatcher{cancel: cancel, done: done}

	report := func(err error) {
		if err != nil && onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch access close: %w", err))
			}
		}()

		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(accessReloadDebounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(accessReloadDebounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				list, err := LoadAccessList(target)
				if err != nil {
					// Keep serving the previous list until the file parses again.
					report(err)
					continue
				}
				onChange(inline.Merge(list))
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					report(fmt.Errorf("config: access file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return watch, nil
}
