// Package spool ingests actions handed over by other processes.
//
// The UI layer (or anything else on the device) enqueues a mutation by
// dropping a JSON action file into the spool directory. The watcher picks
// the file up, validates it, appends it to the durable queue, and removes
// the file. Files that repeatedly fail to parse are set aside with a
// .rejected suffix instead of being retried forever.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/boxkite-io/boxkite/internal/action"
	"github.com/boxkite-io/boxkite/internal/queue"
	"github.com/fsnotify/fsnotify"
)

// Config holds watcher configuration.
type Config struct {
	// DebounceInterval is how long a spool file must sit quietly before
	// it is ingested, so half-written files are not picked up (default: 100ms).
	DebounceInterval time.Duration

	// OnEnqueue, if set, is called with each ingested action after it has
	// been enqueued (so its id is assigned). The daemon uses it to trigger
	// a drain and to broadcast the queue change.
	OnEnqueue func(a *action.PendingAction)

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Watcher watches the spool directory and enqueues dropped action files.
type Watcher struct {
	dir     string
	store   *queue.Store
	config  *Config
	watcher *fsnotify.Watcher

	pending   map[string]time.Time // filepath -> last event time
	pendingMu sync.Mutex

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a spool watcher over dir, enqueueing into store.
// The directory is created if missing.
func New(dir string, store *queue.Store, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:     dir,
		store:   store,
		config:  config,
		watcher: fsw,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Start ingests any files already in the spool, then begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.ingestExisting(ctx); err != nil {
		return err
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.dir, err)
	}

	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processPending(ctx)

	return nil
}

// Stop stops watching and blocks until the goroutines have exited.
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

// ingestExisting drains files already sitting in the spool directory,
// e.g. dropped while the daemon was not running.
func (w *Watcher) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// watchEvents queues fsnotify events for debounced processing.
func (w *Watcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending ingests files whose last event is old enough.
func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var ready []string

			w.pendingMu.Lock()
			for path, queuedAt := range w.pending {
				if now.Sub(queuedAt) < w.config.DebounceInterval {
					continue
				}
				ready = append(ready, path)
				delete(w.pending, path)
			}
			w.pendingMu.Unlock()

			for _, path := range ready {
				w.ingest(ctx, path)
			}
		}
	}
}

// ingest parses one spool file, enqueues it, and removes the file.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.config.Logger.Printf("Failed to read spool file %s: %v", path, err)
		return
	}

	a, err := action.Unmarshal(data)
	if err != nil {
		w.config.Logger.Printf("Rejecting malformed spool file %s: %v", path, err)
		if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
			w.config.Logger.Printf("Failed to set aside %s: %v", path, renameErr)
		}
		return
	}

	id, err := w.store.Enqueue(ctx, a)
	if err != nil {
		w.config.Logger.Printf("Failed to enqueue spool file %s: %v", path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.config.Logger.Printf("Warning: failed to remove ingested spool file %s: %v", path, err)
	}

	w.config.Logger.Printf("Ingested %s as action %d (%s %s)", filepath.Base(path), id, a.Operation, a.ResourceKey())

	if w.config.OnEnqueue != nil {
		w.config.OnEnqueue(a)
	}
}
