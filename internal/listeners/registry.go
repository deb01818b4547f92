package listeners

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// OnChange is invoked with the full current config set after a
// successful hot reload.
type OnChange func([]Config)

// Registry holds the active set of loaded listeners and watches the
// source directory for changes.
type Registry struct {
	dir      string
	logger   *slog.Logger
	onChange OnChange

	mu        sync.RWMutex
	listeners map[string]*Listener

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New creates a registry rooted at dir. Call LoadAll to populate it
// and WatchForChanges to keep it current.
func New(dir string, logger *slog.Logger, onChange OnChange) *Registry {
	return &Registry{
		dir:       dir,
		logger:    logger,
		onChange:  onChange,
		listeners: make(map[string]*Listener),
	}
}

// LoadAll clears the active set and rescans the directory. Files
// whose name starts with "." or "_", or whose extension isn't .yaml
// or .yml, are ignored. A parse or validation failure on one file is
// logged and does not abort the scan.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	next := make(map[string]*Listener)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(r.dir, name)
		l, err := loadListener(path)
		if err != nil {
			r.logger.Error("listener load failed", "file", name, "error", err)
			continue
		}
		if !l.Config.Enabled {
			// Kept out of the dispatched set but would still surface
			// via a future "all listeners including disabled" view if
			// one is added; for now disabled listeners are simply
			// excluded here, matching the registry's sole purpose.
			continue
		}
		if _, dup := next[l.Config.ID]; dup {
			r.logger.Error("listener load failed", "file", name, "error", "duplicate config.id "+l.Config.ID)
			continue
		}
		next[l.Config.ID] = l
	}

	r.mu.Lock()
	r.listeners = next
	r.mu.Unlock()

	r.logger.Info("listener registry reloaded", "count", len(next))
	if r.onChange != nil {
		r.onChange(r.GetAll())
	}
	return nil
}

func loadListener(path string) (*Listener, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if err := validateFile(f); err != nil {
		return nil, err
	}

	return &Listener{
		Config:     f.Config,
		Handler:    f.Handler,
		SourcePath: path,
		SourceText: string(raw),
	}, nil
}

// GetAll returns the configs of the currently active listeners.
func (r *Registry) GetAll() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]Config, 0, len(r.listeners))
	for _, l := range r.listeners {
		configs = append(configs, l.Config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// Get returns the active listener with the given id.
func (r *Registry) Get(id string) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[id]
	return l, ok
}

// GetByFilename returns the active listener whose source file base
// name matches filename (e.g. "boss-urgent-watcher.yaml"), used by
// GET /api/listener/:filename.
func (r *Registry) GetByFilename(filename string) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.listeners {
		if filepath.Base(l.SourcePath) == filename {
			return l, true
		}
	}
	return nil, false
}

// ForEvent returns the active listeners subscribed to kind, used by
// the dispatcher to collect matching handlers for CheckEvent.
func (r *Registry) ForEvent(kind EventKind) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Listener
	for _, l := range r.listeners {
		if l.Config.Event == kind {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Stats returns total, per-event, and enabled counts for the HTTP surface.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byEvent := make(map[string]int)
	for _, l := range r.listeners {
		byEvent[string(l.Config.Event)]++
	}

	return map[string]any{
		"total":    len(r.listeners),
		"enabled":  len(r.listeners), // only enabled listeners ever enter the active set
		"by_event": byEvent,
	}
}

const debounceInterval = 100 * time.Millisecond

// WatchForChanges starts a directory watcher that reloads the
// registry after a debounced burst of filesystem events. Idempotent:
// calling it again while already watching is a no-op.
func (r *Registry) WatchForChanges() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}

	r.watcher = w
	r.stopCh = make(chan struct{})
	go r.watchLoop(w, r.stopCh)
	return nil
}

func (r *Registry) watchLoop(w *fsnotify.Watcher, stop chan struct{}) {
	var debounce *time.Timer
	fire := func() {
		if err := r.LoadAll(); err != nil {
			r.logger.Error("listener registry reload failed", "error", err)
		}
	}

	for {
		select {
		case <-stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, fire)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("listener directory watch error", "error", err)
		}
	}
}

// StopWatching halts the directory watcher. Safe to call when not
// currently watching.
func (r *Registry) StopWatching() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.watcher == nil {
		return
	}
	close(r.stopCh)
	r.watcher.Close()
	r.watcher = nil
	r.stopCh = nil
}
