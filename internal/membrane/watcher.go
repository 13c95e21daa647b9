package membrane

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"aegis/internal/logging"
)

// SnapshotWatcher watches a tenant directory for external rewrites of the
// antibody snapshot and marks the membrane dirty so the next check reloads.
// It complements the per-check mtime test on filesystems whose timestamp
// granularity can hide rapid successive writes.
type SnapshotWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	membrane    *Membrane
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats SnapshotWatcherStats
}

// SnapshotWatcherStats tracks watcher activity for debugging.
type SnapshotWatcherStats struct {
	EventsSeen    int
	ReloadsMarked int
	Errors        int
	LastEventTime time.Time
}

// NewSnapshotWatcher creates a watcher over the membrane's directory.
func NewSnapshotWatcher(m *Membrane) (*SnapshotWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SnapshotWatcher{
		watcher:     watcher,
		membrane:    m,
		dir:         filepath.Dir(m.Path()),
		debounceMap: make(map[string]time.Time),
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking.
func (w *SnapshotWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		logging.MembraneWarn("SnapshotWatcher: watch failed for %s: %v", w.dir, err)
	} else {
		logging.MembraneDebug("SnapshotWatcher: watching %s", w.dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *SnapshotWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.MembraneError("SnapshotWatcher: error closing watcher: %v", err)
	}
}

// Stats returns a copy of the activity counters.
func (w *SnapshotWatcher) Stats() SnapshotWatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *SnapshotWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			logging.MembraneWarn("SnapshotWatcher: %v", err)
		}
	}
}

func (w *SnapshotWatcher) handleEvent(event fsnotify.Event) {
	// Only the snapshot itself matters; temp files from our own atomic
	// writes and unrelated tenant files are ignored.
	if filepath.Base(event.Name) != SnapshotFile {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	w.stats.EventsSeen++
	w.stats.LastEventTime = time.Now()

	// Debounce rapid successive writes to the same path.
	if last, ok := w.debounceMap[event.Name]; ok && time.Since(last) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.debounceMap[event.Name] = time.Now()
	w.stats.ReloadsMarked++
	w.mu.Unlock()

	w.membrane.MarkDirty()
	logging.MembraneDebug("SnapshotWatcher: marked %s dirty", event.Name)
}
