package frames

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SidecarSuffix marks star-list files produced next to captured frames.
const SidecarSuffix = ".stars.json"

// Watcher monitors frame directories for new sidecar files and turns them
// into Results.
type Watcher struct {
	watcher   *fsnotify.Watcher
	Results   chan *Result
	watchDirs []string
	log       *slog.Logger
	done      chan struct{}
	stopOnce  sync.Once

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewWatcher creates a watcher for the given directories.
func NewWatcher(dirs []string, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   w,
		Results:   make(chan *Result, 16),
		watchDirs: dirs,
		log:       log,
		done:      make(chan struct{}),
		seen:      make(map[string]struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (fw *Watcher) Start() error {
	for _, dir := range fw.watchDirs {
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
		fw.log.Info("watching frames directory", "dir", dir)
	}
	go fw.processEvents()
	return nil
}

// Stop stops the watcher. Results is closed once the event loop exits.
func (fw *Watcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *Watcher) processEvents() {
	defer close(fw.Results)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, SidecarSuffix) {
				continue
			}
			switch {
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				fw.forget(event.Name)
				continue
			case event.Op&(fsnotify.Create|fsnotify.Write) == 0:
				continue
			}
			if fw.alreadySeen(event.Name) {
				continue
			}

			res, err := ReadSidecar(event.Name)
			if err != nil {
				// the writer may not be finished yet, a later Write retries
				fw.log.Debug("sidecar not readable yet", "file", event.Name, "error", err)
				continue
			}
			fw.markSeen(event.Name)

			select {
			case fw.Results <- res:
			case <-fw.done:
				return
			default:
				fw.log.Warn("frame result buffer full, dropping", "file", event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error("frames watcher error", "error", err)

		case <-fw.done:
			return
		}
	}
}

func (fw *Watcher) alreadySeen(path string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, ok := fw.seen[path]
	return ok
}

func (fw *Watcher) markSeen(path string) {
	fw.mu.Lock()
	fw.seen[path] = struct{}{}
	fw.mu.Unlock()
}

func (fw *Watcher) forget(path string) {
	fw.mu.Lock()
	delete(fw.seen, path)
	fw.mu.Unlock()
}
