package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
	"github.com/kitchen/beaver/internal/position"
	"github.com/kitchen/beaver/internal/queue"
)

// Watcher discovers files matching the configured globs and runs one
// tailer goroutine per matched path. Discovery is driven by a polling
// ticker, with fsnotify events on the parent directories shortening the
// latency between polls; polling remains the correctness backstop, so a
// platform without working inotify still ships everything.
type Watcher struct {
	files []config.FileConfig
	cfg   config.WatcherConfig
	store position.Store
	queue *queue.Queue
	stats *domain.Stats

	mu          sync.Mutex
	tailers     map[string]*tailer
	watchedDirs map[string]bool

	wg sync.WaitGroup
}

// New creates a watcher. The position store is only read here, never
// written: offsets advance solely through the delivery coordinator.
func New(files []config.FileConfig, cfg config.WatcherConfig, store position.Store, q *queue.Queue, stats *domain.Stats) *Watcher {
	return &Watcher{
		files:       files,
		cfg:         cfg,
		store:       store,
		queue:       q,
		stats:       stats,
		tailers:     make(map[string]*tailer),
		watchedDirs: make(map[string]bool),
	}
}

// Run blocks until the context is cancelled. On return all tailer
// goroutines have stopped, so the queue can safely be closed afterwards.
func (w *Watcher) Run(ctx context.Context) {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, falling back to pure polling")
		notifier = nil
	} else {
		defer notifier.Close()
	}

	ticker := time.NewTicker(w.cfg.PollInterval.Std())
	defer ticker.Stop()

	w.scan(ctx, notifier)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.scan(ctx, notifier)
		case event, ok := <-eventsOf(notifier):
			if !ok {
				notifier = nil
				continue
			}
			w.handleEvent(ctx, notifier, event)
		case err, ok := <-errorsOf(notifier):
			if !ok {
				notifier = nil
				continue
			}
			log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// eventsOf tolerates a nil notifier so the select above stays simple.
func eventsOf(n *fsnotify.Watcher) chan fsnotify.Event {
	if n == nil {
		return nil
	}
	return n.Events
}

func errorsOf(n *fsnotify.Watcher) chan error {
	if n == nil {
		return nil
	}
	return n.Errors
}

// handleEvent reacts to directory activity: writes wake the affected
// tailer immediately, creates and renames trigger a rescan so new or
// rotated files are picked up without waiting for the next tick.
func (w *Watcher) handleEvent(ctx context.Context, notifier *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Write) {
		w.mu.Lock()
		t, ok := w.tailers[event.Name]
		w.mu.Unlock()
		if ok {
			t.nudge()
		}
		return
	}
	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
		w.scan(ctx, notifier)
	}
}

// scan expands every glob and starts tailers for paths not yet covered.
func (w *Watcher) scan(ctx context.Context, notifier *fsnotify.Watcher) {
	for _, fc := range w.files {
		matches, err := filepath.Glob(fc.Glob)
		if err != nil {
			log.Warn().Err(err).Str("glob", fc.Glob).Msg("Invalid glob pattern")
			continue
		}

		for _, path := range matches {
			w.mu.Lock()
			_, exists := w.tailers[path]
			w.mu.Unlock()
			if exists {
				continue
			}
			w.startTailer(ctx, notifier, path, fc.Tags)
		}
	}
}

func (w *Watcher) startTailer(ctx context.Context, notifier *fsnotify.Watcher, path string, tags map[string]string) {
	t := newTailer(path, tags, w.cfg, w.store, w.queue, w.stats)

	w.mu.Lock()
	w.tailers[path] = t
	w.mu.Unlock()

	if notifier != nil {
		dir := filepath.Dir(path)
		w.mu.Lock()
		watched := w.watchedDirs[dir]
		if !watched {
			w.watchedDirs[dir] = true
		}
		w.mu.Unlock()
		if !watched {
			if err := notifier.Add(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
			}
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t.run(ctx)
		w.mu.Lock()
		delete(w.tailers, path)
		w.mu.Unlock()
	}()
}

// ActiveTailers returns the number of running tailers, for the status log.
func (w *Watcher) ActiveTailers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tailers)
}
