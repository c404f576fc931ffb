package tagmap

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the tag map file and reloads it when it changes.
// It uses fsnotify for cross-platform file system event monitoring.
type Watcher struct {
	watcher *fsnotify.Watcher
	tagMap  *TagMap
	path    string
	logger  *log.Logger

	// OnReload, when set, runs after each successful reload with the new
	// key count. Typically wired to trigger a coordinator sync.
	OnReload func(count int)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher for the tag map at path. If logger is nil,
// a default logger writing to stderr is used. The watcher must be started
// with Start() before it reloads anything.
func NewWatcher(tagMap *TagMap, path string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[tagmap] ", log.LstdFlags)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: fsw,
		tagMap:  tagMap,
		path:    path,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the tag map file's directory. Watching the
// directory rather than the file survives editors that replace the file
// on save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// processEvents reloads the tag map whenever its file is written or
// recreated. Reload failures keep the previous mapping and are logged;
// serving stale data beats serving none.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			count, err := w.tagMap.ReloadInPlace(w.path)
			if err != nil {
				w.logger.Printf("Reload failed, keeping previous mapping: %v", err)
				continue
			}
			w.logger.Printf("Reloaded tag map: %d entries", count)
			if w.OnReload != nil {
				w.OnReload(count)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}
