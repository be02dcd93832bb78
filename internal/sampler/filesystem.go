package sampler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vigil/vigil/internal/event"
)

// fsChange is one notification queued between the watcher goroutine and the
// sampler tick.
type fsChange struct {
	kind string // "file_modified" or "file_created"
	path string
}

// FileSystem watches the configured paths for changes. fsnotify runs on its
// own goroutine and pushes into a bounded queue; Poll drains the queue
// without blocking. A file path is watched via its parent directory, so
// sibling noise is filtered out at drain time.
type FileSystem struct {
	interval time.Duration
	logger   *slog.Logger

	paths   []string        // cleaned configured paths
	dirs    map[string]bool // configured paths that are directories
	watcher *fsnotify.Watcher
	queue   chan fsChange
	done    chan struct{}

	stopOnce sync.Once
}

// NewFileSystem creates the filesystem sampler for the given watched paths.
func NewFileSystem(interval time.Duration, watched []string, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}
	paths := make([]string, 0, len(watched))
	for _, p := range watched {
		paths = append(paths, filepath.Clean(p))
	}
	return &FileSystem{
		interval: interval,
		logger:   logger,
		paths:    paths,
		dirs:     make(map[string]bool),
		queue:    make(chan fsChange, 256),
		done:     make(chan struct{}),
	}
}

func (f *FileSystem) Name() string            { return "filesystem" }
func (f *FileSystem) Interval() time.Duration { return f.interval }

// Setup starts the fsnotify watcher over the parents of watched files and
// over watched directories themselves. Paths that do not exist are skipped.
func (f *FileSystem) Setup(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	f.watcher = watcher

	watched := 0
	seen := make(map[string]bool)
	for _, path := range f.paths {
		info, err := os.Stat(path)
		if err != nil {
			f.logger.Debug("watched path does not exist, skipping", slog.String("path", path))
			continue
		}

		target := path
		if info.IsDir() {
			f.dirs[path] = true
		} else {
			target = filepath.Dir(path)
		}
		if seen[target] {
			continue
		}
		if err := watcher.Add(target); err != nil {
			f.logger.Warn("cannot watch path",
				slog.String("path", target),
				slog.Any("error", err),
			)
			continue
		}
		seen[target] = true
		watched++
	}

	go f.forward()

	if watched == 0 {
		f.logger.Warn("no valid paths to watch")
	} else {
		f.logger.Info("watching paths", slog.Int("paths", watched))
	}
	return nil
}

// forward moves fsnotify events onto the bounded queue. The queue never
// blocks the notifier; overflow is dropped with a debug line.
func (f *FileSystem) forward() {
	defer close(f.done)
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			var kind string
			switch {
			case ev.Op.Has(fsnotify.Create):
				kind = "file_created"
			case ev.Op.Has(fsnotify.Write):
				kind = "file_modified"
			default:
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				continue
			}
			select {
			case f.queue <- fsChange{kind: kind, path: filepath.Clean(ev.Name)}:
			default:
				f.logger.Debug("filesystem queue full, dropping change",
					slog.String("path", ev.Name))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("filesystem watcher error", slog.Any("error", err))
		}
	}
}

// Poll drains the queue and emits events for in-scope paths: the exact
// watched file or anything inside a watched directory.
func (f *FileSystem) Poll(ctx context.Context) ([]event.Event, error) {
	var events []event.Event
	for {
		select {
		case change := <-f.queue:
			if !f.inScope(change.path) {
				continue
			}
			events = append(events, event.New("filesystem", change.kind, map[string]any{
				"file_path": change.path,
				"file_name": filepath.Base(change.path),
				"directory": filepath.Dir(change.path),
			}))
		default:
			return events, nil
		}
	}
}

// inScope reports whether path is one of the watched files or lies inside a
// watched directory.
func (f *FileSystem) inScope(path string) bool {
	for _, watched := range f.paths {
		if path == watched {
			return true
		}
		if f.dirs[watched] && strings.HasPrefix(path, watched+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// State reports the watched paths for the dashboard.
func (f *FileSystem) State() map[string]any {
	paths := make([]string, len(f.paths))
	copy(paths, f.paths)
	sort.Strings(paths)
	return map[string]any{
		"watched_paths": paths,
		"queued":        len(f.queue),
	}
}

// Stop closes the fsnotify watcher and waits for the forwarder to exit.
func (f *FileSystem) Stop() {
	f.stopOnce.Do(func() {
		if f.watcher == nil {
			return
		}
		f.watcher.Close()
		<-f.done
	})
}
