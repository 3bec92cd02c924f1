package notebook

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

// Watcher keeps the latest summary of one notebook file, reloading it when
// the file changes on disk.
type Watcher struct {
	path     string
	maxCells int
	log      *slog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	summary *domain.NotebookSummary
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, maxCells int, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		maxCells: maxCells,
		log:      logger.With("component", "notebook", "path", path),
	}
}

// Summary returns the latest summary, or nil when the notebook is missing
// or unreadable.
func (w *Watcher) Summary() *domain.NotebookSummary {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.summary == nil {
		return nil
	}
	s := *w.summary
	return &s
}

// Load reads the notebook now.
func (w *Watcher) Load() error {
	f, err := os.Open(w.path)
	if err != nil {
		w.setSummary(nil)
		return err
	}
	defer f.Close()
	nb, err := Parse(f)
	if err != nil {
		return err
	}
	w.setSummary(Summarize(nb, filepath.Base(w.path), w.maxCells))
	return nil
}

func (w *Watcher) setSummary(s *domain.NotebookSummary) {
	w.mu.Lock()
	w.summary = s
	w.mu.Unlock()
}

// Start loads the notebook and watches its directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	if err := w.Load(); err != nil {
		w.log.Debug("notebook not loaded yet", "error", err)
	}
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh, fw := w.stopCh, w.doneCh, w.watcher
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	if err := fw.Close(); err != nil {
		w.log.Warn("closing notebook watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	w.mu.RLock()
	fw, stopCh, doneCh := w.watcher, w.stopCh, w.doneCh
	w.mu.RUnlock()
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.setSummary(nil)
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				if err := w.Load(); err != nil {
					// Editors often write in several steps; the next event retries.
					w.log.Debug("notebook reload failed", "error", err)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("notebook watcher error", "error", err)
		}
	}
}
