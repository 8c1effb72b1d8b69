// Package watcher re-runs a callback when batch or query files change on disk.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches files and directories and invokes onChange, debounced per path.
// A watched file is observed through its parent directory so that atomic
// replace-by-rename writes are seen as changes to the same path.
type Watcher struct {
	files       map[string]struct{} // exact files to report
	dirs        map[string]struct{} // directories whose matching files are reported
	extensions  []string
	onChange    func(path string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	watchedDirs map[string]int // directory -> number of targets needing it
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (file events, added and removed paths).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a path must stay quiet before onChange fires.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtensions limits directory targets to files with these extensions. Exact file
// targets are always reported.
func WithExtensions(exts ...string) WatcherOption {
	return func(w *Watcher) { w.extensions = exts }
}

// NewWatcher creates a watcher for paths, each a file or a directory. Paths are resolved
// when Start is called.
func NewWatcher(paths []string, onChange func(path string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		files:       make(map[string]struct{}),
		dirs:        make(map[string]struct{}),
		onChange:    onChange,
		debounce:    defaultDebounce,
		watchedDirs: make(map[string]int),
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			w.files[abs] = struct{}{}
		}
	}
	return w
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.started = true

	initial := make([]string, 0, len(w.files))
	for p := range w.files {
		initial = append(initial, p)
	}
	w.files = make(map[string]struct{})
	for _, p := range initial {
		if err := w.addLocked(p); err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	w.logger.Debug("watcher started", zap.Strings("paths", w.Paths()))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	path := filepath.Clean(ev.Name)
	if !w.matches(path) {
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	w.debounceChange(path)
}

func (w *Watcher) matches(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return true
	}
	if _, ok := w.dirs[filepath.Dir(path)]; ok {
		return matchExtension(path, w.extensions)
	}
	return false
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	extNorm := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == extNorm {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.logger.Debug("watcher change (debounced)", zap.String("path", path))
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}

// Add starts watching another file or directory.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		w.files[abs] = struct{}{}
		return nil
	}
	return w.addLocked(abs)
}

func (w *Watcher) addLocked(abs string) error {
	abs = filepath.Clean(abs)
	if _, ok := w.files[abs]; ok {
		return nil
	}
	if _, ok := w.dirs[abs]; ok {
		return nil
	}
	dir := filepath.Dir(abs)
	isDir := false
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		dir, isDir = abs, true
	} else if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	if w.watchedDirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.watchedDirs[dir]++
	if isDir {
		w.dirs[abs] = struct{}{}
	} else {
		w.files[abs] = struct{}{}
	}
	w.logger.Debug("watcher path added", zap.String("path", abs), zap.Bool("directory", isDir))
	return nil
}

// Remove stops watching a path previously passed to NewWatcher or Add.
func (w *Watcher) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	dir := filepath.Dir(abs)
	switch {
	case hasKey(w.dirs, abs):
		delete(w.dirs, abs)
		dir = abs
	case hasKey(w.files, abs):
		delete(w.files, abs)
	default:
		return nil
	}
	if w.watcher == nil {
		return nil
	}
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		delete(w.watchedDirs, dir)
		_ = w.watcher.Remove(dir)
	}
	w.logger.Debug("watcher path removed", zap.String("path", abs))
	return nil
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// Paths returns the watched files and directories in sorted order.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files)+len(w.dirs))
	for p := range w.files {
		out = append(out, p)
	}
	for p := range w.dirs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Stop stops the watcher and releases resources. Pending debounced callbacks are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
