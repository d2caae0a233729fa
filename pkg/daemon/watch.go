package daemon

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tickLoop drives dispatch: an immediate tick on startup picks up persisted
// READY units, a watch on the chunk-docs directory wakes the loop when
// declarations change, and an interval ticker is the safety net.
func (d *Daemon) tickLoop(ctx context.Context) {
	d.tick(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		d.tickLoopPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	refsDir := d.paths.RefsDir(d.cfg)
	if err := watcher.Add(refsDir); err != nil {
		// Missing docs directory: poll until it exists, chunk refs are
		// re-read on each dispatch anyway.
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", refsDir, err)
		d.tickLoopPoll(ctx)
		return
	}

	ticker := time.NewTicker(d.cfg.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			d.tick(ctx)
		case err := <-watcher.Errors:
			if err != nil {
				log.Printf("fsnotify: watcher error: %v", err)
			}
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tickLoopPoll is the fallback when fsnotify is unavailable.
func (d *Daemon) tickLoopPoll(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	if _, err := d.sched.Tick(ctx); err != nil && ctx.Err() == nil {
		d.logEvent(ctx, "tick_error", "", err.Error())
	}
}
