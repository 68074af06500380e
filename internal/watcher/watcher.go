// Package watcher ingests documents dropped into an inbox directory, using fsnotify with debouncing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/extract"
	"github.com/hyperjump/docqa/internal/service"
)

const defaultDebounce = 400 * time.Millisecond

// Ingester turns a file into a processed session.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (*service.ProcessResult, error)
}

// ResultFunc is called after every ingest attempt.
type ResultFunc func(path string, res *service.ProcessResult, err error)

// Watcher watches a single directory and ingests each supported file once it settles.
type Watcher struct {
	dir             string
	ingester        Ingester
	accept          func(ext string) bool
	removeProcessed bool
	onResult        ResultFunc
	debounce        time.Duration
	logger          *zap.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	debounceMap map[string]*time.Timer
	ctx         context.Context
	inflight    sync.WaitGroup
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must be quiet before it is ingested.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithRemoveProcessed deletes source files after they were ingested successfully.
func WithRemoveProcessed(remove bool) Option {
	return func(w *Watcher) { w.removeProcessed = remove }
}

// WithFilter replaces the extension filter. The default accepts what the extractor supports.
func WithFilter(accept func(ext string) bool) Option {
	return func(w *Watcher) { w.accept = accept }
}

// WithResultFunc registers a callback for ingest outcomes.
func WithResultFunc(fn ResultFunc) Option {
	return func(w *Watcher) { w.onResult = fn }
}

// New creates a watcher for dir. Nothing happens until Start is called.
func New(dir string, ingester Ingester, opts ...Option) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		ingester:    ingester,
		accept:      extract.Supported,
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

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Start creates the directory if needed and begins watching it. It runs until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.ctx = ctx
	w.started = true
	w.logger.Info("watching directory", zap.String("dir", w.dir), zap.Bool("remove_processed", w.removeProcessed))
	go w.run(ctx, fw.Events, fw.Errors)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if filepath.Dir(filepath.Clean(path)) != w.dir {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		if w.shouldIngest(filepath.Base(path)) {
			w.debounceIngest(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

// shouldIngest skips hidden files and the temporaries editors and browsers leave behind.
func (w *Watcher) shouldIngest(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") || strings.HasSuffix(name, "~") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".crdownload", ".swp":
		return false
	}
	return w.accept(filepath.Ext(name))
}

func (w *Watcher) debounceIngest(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		if !w.started {
			w.mu.Unlock()
			return
		}
		ctx := w.ctx
		w.inflight.Add(1)
		w.mu.Unlock()
		defer w.inflight.Done()
		w.ingest(ctx, path)
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

func (w *Watcher) ingest(ctx context.Context, path string) {
	res, err := w.ingester.IngestFile(ctx, path)
	if err != nil {
		w.logger.Error("ingest failed", zap.String("path", path), zap.Error(err))
	} else {
		w.logger.Info("document ingested", zap.String("path", path), zap.String("session_id", res.SessionID),
			zap.Int("chunks", res.Chunks), zap.Duration("duration", res.Duration))
	}
	// Results are reported before the source file goes away.
	if w.onResult != nil {
		w.onResult(path, res, err)
	}
	if err == nil && w.removeProcessed {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			w.logger.Warn("failed to remove processed file", zap.String("path", path), zap.Error(rmErr))
		}
	}
}

// SyncExisting ingests the files already present in the directory, in name order.
// It blocks until every file was attempted.
func (w *Watcher) SyncExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read watch directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && w.shouldIngest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	w.logger.Debug("syncing existing files", zap.String("dir", w.dir), zap.Int("files", len(names)))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(w.dir, name)
		w.cancelDebounce(path)
		w.ingest(ctx, path)
	}
	return nil
}

// Stop stops watching, drops pending debounced files, and waits for running ingests.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.inflight.Wait()
}
