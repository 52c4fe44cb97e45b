//go:build unix

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay coalesces the burst of events produced by one atomic replace.
const reloadDelay = 100 * time.Millisecond

// registryWatcher reloads the registry when its store file changes on disk. The
// directory is watched rather than the file because saves replace the file by rename.
type registryWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
	once sync.Once
}

func (d *Daemon) watchRegistry(ctx context.Context) (*registryWatcher, error) {
	store := d.settings.RegistryFile
	dir := filepath.Dir(store)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	rw := &registryWatcher{w: fw, done: make(chan struct{})}
	go d.watchLoop(ctx, rw, filepath.Base(store))
	return rw, nil
}

func (d *Daemon) watchLoop(ctx context.Context, rw *registryWatcher, base string) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.done:
			return
		case ev, ok := <-rw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(reloadDelay, d.reloadRegistry)
			} else {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-rw.w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("registry watcher error", zap.Error(err))
		}
	}
}

// reloadRegistry picks up external edits. Our own saves leave the digest unchanged
// and are ignored by Reload.
func (d *Daemon) reloadRegistry() {
	changed, err := d.registry.Reload()
	if err != nil {
		d.logger.Warn("ignoring unreadable registry edit", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	d.metrics.Reloads.Inc()
	d.metrics.Entries.Set(float64(d.registry.Len()))
	d.logger.Info("registry reloaded after external edit", zap.Int("entries", d.registry.Len()))
}

func (rw *registryWatcher) Close() {
	rw.once.Do(func() {
		close(rw.done)
		_ = rw.w.Close()
	})
}
