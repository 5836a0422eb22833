package catalog

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads the catalog when its file changes on disk.
type Watcher struct {
	path     string
	onChange func() error
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
}

// NewWatcher creates a watcher for path that calls onChange after writes settle.
func NewWatcher(path string, onChange func() error, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched so editors that
// replace the file atomically are still seen.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	w.logger.Info().Str("path", w.path).Msg("Watching catalog for changes")
	go w.loop(watcher)
	return nil
}

// Stop stops watching for changes.
func (w *Watcher) Stop() {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		close(w.done)
		watcher.Close()
	}
}

func (w *Watcher) loop(watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	target := filepath.Base(w.path)

	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := w.onChange(); err != nil {
					w.logger.Error().Err(err).Msg("Catalog reload failed, keeping previous catalog")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Catalog watcher error")
		}
	}
}
