package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events into one reload.
const watchDebounce = 500 * time.Millisecond

// Registry loads gear manifests from a directory and hot-reloads them
// when the directory changes.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	gears map[string]*GearManifest

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates a Registry over a manifest directory.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		gears:  make(map[string]*GearManifest),
		done:   make(chan struct{}),
	}
}

// Load scans the directory for *.yaml and *.yml manifests, replacing
// the registry contents. A missing directory yields an empty registry.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.gears = make(map[string]*GearManifest)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read gear dir: %w", err)
	}

	loaded := make(map[string]*GearManifest)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadManifest(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.Warn("skipping invalid gear manifest", "file", entry.Name(), "error", err)
			continue
		}
		if _, dup := loaded[m.ID]; dup {
			r.logger.Warn("duplicate gear id", "id", m.ID, "file", entry.Name())
			continue
		}
		loaded[m.ID] = m
	}

	r.mu.Lock()
	r.gears = loaded
	r.mu.Unlock()
	r.logger.Info("gear manifests loaded", "dir", r.dir, "count", len(loaded))
	return nil
}

// Get returns the manifest for a gear ID.
func (r *Registry) Get(id string) (*GearManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.gears[id]
	return m, ok
}

// Gears returns the sorted registered gear IDs.
func (r *Registry) Gears() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gears))
	for id := range r.gears {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads the registry when manifests change, debounced. Returns
// immediately; the watch loop runs until Close or context cancellation.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch gear dir: %w", err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("gear watcher error", "error", err)
			case <-timerC:
				if err := r.Load(); err != nil {
					r.logger.Warn("gear reload failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watch loop.
func (r *Registry) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
