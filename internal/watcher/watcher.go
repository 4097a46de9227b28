// Package watcher watches inbox directories for submission files with fsnotify and
// hands debounced changes to a handler.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 400 * time.Millisecond
	submissionExt   = ".json"
)

// Handler receives submission file changes. Calls for the same path never overlap
// with a pending debounce for that path, but calls for different paths may run concurrently.
type Handler interface {
	// SubmissionChanged is called once a created or written file has settled.
	SubmissionChanged(ctx context.Context, path string)
	// SubmissionRemoved is called when a file is removed or renamed away.
	SubmissionRemoved(ctx context.Context, path string)
}

// Funcs adapts two functions to Handler. Nil functions are skipped.
type Funcs struct {
	Changed func(ctx context.Context, path string)
	Removed func(ctx context.Context, path string)
}

func (f Funcs) SubmissionChanged(ctx context.Context, path string) {
	if f.Changed != nil {
		f.Changed(ctx, path)
	}
}

func (f Funcs) SubmissionRemoved(ctx context.Context, path string) {
	if f.Removed != nil {
		f.Removed(ctx, path)
	}
}

// Watcher watches directories and invokes the handler on submission file changes.
type Watcher struct {
	roots       []string
	recursive   bool
	handler     Handler
	debounce    time.Duration
	logger      *zap.Logger
	watcher     *fsnotify.Watcher
	ctx         context.Context
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	callbacks   sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must be quiet before the handler is called.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher over roots. Missing roots are created on Start.
func New(roots []string, recursive bool, handler Handler, opts ...Option) *Watcher {
	w := &Watcher{
		roots:       cleanRoots(roots),
		recursive:   recursive,
		handler:     handler,
		debounce:    defaultDebounce,
		logger:      zap.NewNop(),
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func cleanRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			out = append(out, filepath.Clean(abs))
		}
	}
	return out
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
// Handler calls receive ctx.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.ctx = ctx
	w.logger.Debug("watcher starting", zap.Strings("roots", w.roots), zap.Bool("recursive", w.recursive))
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = watcher.Close()
			w.watcher = nil
			w.mu.Unlock()
			return err
		}
	}
	w.started = true
	w.mu.Unlock()
	go w.run(ctx, watcher)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancelDebounce(path)
		if isSubmissionFile(path) {
			w.dispatch(func(ctx context.Context) { w.handler.SubmissionRemoved(ctx, path) })
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			if ev.Has(fsnotify.Create) {
				w.handleNewDirectory(path)
			}
			return
		}
		if isSubmissionFile(path) {
			w.debounceChange(path)
		}
	}
}

// handleNewDirectory watches a directory created under a root and picks up the files
// already inside it.
func (w *Watcher) handleNewDirectory(dirPath string) {
	if !w.recursive {
		return
	}
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				w.logger.Debug("watcher failed to add directory", zap.String("path", path), zap.Error(err))
			}
			return nil
		}
		if isSubmissionFile(path) {
			w.debounceChange(path)
		}
		return nil
	})
}

func (w *Watcher) underRoot(path string) bool {
	for _, root := range w.roots {
		if root == path || inDir(root, path) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isSubmissionFile reports whether path names a submission file. Hidden and editor
// temporary files are ignored.
func isSubmissionFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), submissionExt)
}

func (w *Watcher) dispatch(fn func(ctx context.Context)) {
	w.mu.Lock()
	ctx := w.ctx
	started := w.started
	if started {
		w.callbacks.Add(1)
	}
	w.mu.Unlock()
	if !started {
		return
	}
	defer w.callbacks.Done()
	fn(ctx)
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
		w.logger.Debug("watcher handling file (debounced)", zap.String("path", path))
		w.dispatch(func(ctx context.Context) { w.handler.SubmissionChanged(ctx, path) })
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) addRootLocked(root string) error {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(root, 0755); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if !w.recursive {
		return w.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Directories returns a copy of the watched root directories.
func (w *Watcher) Directories() []string {
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles hands every submission file already present under the roots to the
// handler, in lexical order per root. Call it after Start to catch up on files that
// arrived while the watcher was not running.
func (w *Watcher) SyncExistingFiles() int {
	n := 0
	for _, root := range w.roots {
		w.logger.Debug("watcher syncing directory", zap.String("root", root))
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != root && !w.recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if isSubmissionFile(path) {
				n++
				w.dispatch(func(ctx context.Context) { w.handler.SubmissionChanged(ctx, path) })
			}
			return nil
		})
	}
	return n
}

// Stop stops the watcher, drops pending debounced changes and waits for running
// handler calls to return.
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
	w.callbacks.Wait()
}
