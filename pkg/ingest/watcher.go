package ingest

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/cache"
	"github.com/user/comply-core/pkg/graph"
)

// Watcher republishes the graph bundle whenever its file changes on disk.
// Rejected bundles leave the current snapshot in place, so a bad edit never
// takes the service down. Writes are debounced because editors tend to fire
// several events per save.
type Watcher struct {
	mu       sync.Mutex
	path     string
	graphs   *graph.Store
	cache    *cache.ResultCache
	watcher  *fsnotify.Watcher
	log      *zap.Logger
	debounce time.Duration
	pending  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for the bundle at path. cache may be nil.
func NewWatcher(path string, graphs *graph.Store, resultCache *cache.ResultCache, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		graphs:   graphs,
		cache:    resultCache,
		watcher:  fsw,
		log:      log.Named("ingest"),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the bundle's directory and begins the event loop. It is
// non-blocking.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself. running stays false on failure so
	// a later Stop does not wait for a loop that never started.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	w.log.Info("watching bundle", zap.String("path", w.path))

	go w.run()
	return nil
}

// Stop stops the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", zap.Error(err))

		case <-ticker.C:
			w.mu.Lock()
			fire := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if fire {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if fire {
				w.Reload()
			}
		}
	}
}

// Reload loads the bundle and publishes it. The previous snapshot stays
// current when loading or validation fails.
func (w *Watcher) Reload() {
	bundle, err := LoadBundle(w.path)
	if err != nil {
		w.log.Error("bundle reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	snap, err := w.graphs.Publish(bundle)
	if err != nil {
		w.log.Error("bundle rejected, keeping current snapshot",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	if w.cache != nil {
		dropped := w.cache.InvalidateSnapshot(snap.Version())
		w.log.Info("cache invalidated after republish",
			zap.Int64("version", snap.Version()), zap.Int("dropped", dropped))
	}
}
