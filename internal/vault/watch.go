package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/enkidu/internal/observe"
)

// DefaultDebounce coalesces bursts of file events into one callback.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls OnChange when markdown files change under the watched
// directories. The index snapshot is written by this process and is not
// watched.
type Watcher struct {
	OnChange func(paths []string)
	Debounce time.Duration

	watcher *fsnotify.Watcher
	observe *observe.Observer
	dirs    []string

	mu      sync.Mutex
	pending map[string]struct{}
	started bool
	done    chan struct{}
}

func NewWatcher(o *observe.Observer, onChange func(paths []string), dirs ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		OnChange: onChange,
		Debounce: DefaultDebounce,
		watcher:  w,
		observe:  observe.OrDiscard(o),
		dirs:     dirs,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start watches each directory and its subdirectories until ctx ends or
// Close is called. Missing directories are created.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return w.watcher.Add(path)
		})
		if err != nil {
			return err
		}
	}
	w.started = true
	go w.run(ctx)
	return nil
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.observe.Log().Warn().Err(err).Msg("vault watcher error")
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(ev.Name)
			return
		}
	}
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".md") {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	w.observe.Log().Debug().Int("files", len(paths)).Msg("vault files changed")
	if w.OnChange != nil {
		w.OnChange(paths)
	}
}
