package agentmgr

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// ConfigEvent is delivered by WatchConfig after the file changed.
// Err is set when the new contents could not be loaded; the previous
// configuration should stay in effect.
type ConfigEvent struct {
	Config Config
	Err    error
}

// WatchCleanupFunc stops a watch and waits for its goroutine to exit
type WatchCleanupFunc func() error

// WatchConfig reloads path whenever it is written, created or renamed into
// place and sends the result on the returned channel. Bursts of file events
// are coalesced by debounce (DefaultWatchDebounce when zero). The channel is
// closed after cleanup.
func WatchConfig(ctx context.Context, path string, debounce time.Duration) (<-chan ConfigEvent, WatchCleanupFunc, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, opErr("watch", path, err)
	}

	// Watch the directory; editors replace files by rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, opErr("watch", dir, err)
	}

	ch := make(chan ConfigEvent, 4)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	var (
		mu        sync.Mutex
		debouncer *time.Timer
	)

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	send := func(ev ConfigEvent) {
		if sctx.IsStopping() {
			return
		}
		select {
		case ch <- ev:
		case <-sctx.Stopping():
		}
	}

	reload := func() {
		cfg, err := LoadConfig(path)
		send(ConfigEvent{Config: cfg, Err: err})
	}

	name := filepath.Base(path)
	sctx.Go(func(s *stopper.Context) error {
		s.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for !s.IsStopping() {
			select {
			case <-s.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				// Run the reload under the stopper so the channel is not closed
				// while it sends.
				debouncer = time.AfterFunc(debounce, func() {
					sctx.Go(func(*stopper.Context) error {
						reload()
						return nil
					})
				})
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil {
					send(ConfigEvent{Err: opErr("watch", path, err)})
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}
