package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
)

// DefaultDebounce is how long a file must be quiet before it is applied.
const DefaultDebounce = 500 * time.Millisecond

// Target is the registry a Watcher writes to.
type Target interface {
	Get(ctx context.Context, id string) (*registry.AgentRecord, error)
	Register(ctx context.Context, rec registry.AgentRecord) (*registry.AgentRecord, error)
	Update(ctx context.Context, id string, rec registry.AgentRecord) (*registry.AgentRecord, error)
	Unregister(ctx context.Context, id string) (bool, error)
}

// Watcher registers the manifests of a directory and follows changes.
type Watcher struct {
	dir      string
	target   Target
	debounce time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	tracked map[string]string // path -> agent id
	timers  map[string]*time.Timer

	fs      *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a change is applied.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, target Target, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		target:   target,
		debounce: DefaultDebounce,
		logger:   logging.Nop(),
		tracked:  make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("manifest")
	return w
}

// Sync applies every manifest currently in the directory and returns how
// many were applied. Invalid manifests are logged and skipped.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, errors.Wrap(err, "reading manifest directory", errors.WithMetadata("dir", w.dir))
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(w.dir, e.Name()))
	}
	sort.Strings(paths)

	applied := 0
	for _, p := range paths {
		if w.apply(ctx, p) {
			applied++
		}
	}
	return applied, nil
}

// Start syncs the directory, then follows changes until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	if err := fs.Add(w.dir); err != nil {
		fs.Close()
		return errors.Wrap(err, "watching manifest directory", errors.WithMetadata("dir", w.dir))
	}

	n, err := w.Sync(ctx)
	if err != nil {
		fs.Close()
		return err
	}

	w.fs = fs
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop()

	w.logger.Info("watching manifests", map[string]interface{}{
		"dir":      w.dir,
		"applied":  n,
		"debounce": w.debounce.String(),
	})
	return nil
}

// Stop ends watching and waits for applies in flight.
func (w *Watcher) Stop() error {
	if w.fs == nil {
		return nil
	}
	w.cancel()
	err := w.fs.Close()
	<-w.done

	w.mu.Lock()
	for p, t := range w.timers {
		if t.Stop() {
			w.pending.Done()
		}
		delete(w.timers, p)
	}
	w.mu.Unlock()
	w.pending.Wait()
	return err
}

// Tracked returns the agent id registered from each manifest path.
func (w *Watcher) Tracked() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.tracked))
	for p, id := range w.tracked {
		out[p] = id
	}
	return out
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", map[string]interface{}{"error": err})
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !IsManifest(ev.Name) {
		return
	}
	// apply unregisters when the file is gone, so every op maps to it.
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.schedule(ev.Name, func() { w.apply(w.ctx, ev.Name) })
	}
}

// schedule runs fn once path has been quiet for the debounce period.
func (w *Watcher) schedule(path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok && t.Stop() {
		w.pending.Done()
	}
	w.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.pending.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		if w.ctx.Err() != nil {
			return
		}
		fn()
	})
	w.timers[path] = t
}

// apply registers or updates the agent of one manifest.
func (w *Watcher) apply(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		w.remove(ctx, path)
		return false
	}
	m, err := Load(path)
	if err != nil {
		w.logger.Warn("skipping invalid manifest", map[string]interface{}{
			"path":  path,
			"error": err,
		})
		return false
	}
	rec := m.Record()

	w.mu.Lock()
	previous, had := w.tracked[path]
	w.mu.Unlock()
	if had && previous != rec.ID {
		w.unregister(ctx, previous, path)
	}

	action := "registered"
	if _, err := w.target.Get(ctx, rec.ID); err == nil {
		_, err = w.target.Update(ctx, rec.ID, rec)
		action = "updated"
		if err != nil {
			w.logger.Error("updating agent from manifest", map[string]interface{}{
				"path":     path,
				"agent_id": rec.ID,
				"error":    err,
			})
			return false
		}
	} else if errors.Is(err, errors.ErrCodeNotFound) {
		if _, err := w.target.Register(ctx, rec); err != nil {
			w.logger.Error("registering agent from manifest", map[string]interface{}{
				"path":     path,
				"agent_id": rec.ID,
				"error":    err,
			})
			return false
		}
	} else {
		w.logger.Error("reading agent", map[string]interface{}{"agent_id": rec.ID, "error": err})
		return false
	}

	w.mu.Lock()
	w.tracked[path] = rec.ID
	w.mu.Unlock()
	w.logger.Info("manifest "+action, map[string]interface{}{
		"path":     path,
		"agent_id": rec.ID,
	})
	return true
}

// remove unregisters the agent a deleted manifest had registered.
func (w *Watcher) remove(ctx context.Context, path string) {
	w.mu.Lock()
	id, ok := w.tracked[path]
	delete(w.tracked, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.unregister(ctx, id, path)
}

func (w *Watcher) unregister(ctx context.Context, id, path string) {
	if _, err := w.target.Unregister(ctx, id); err != nil {
		w.logger.Error("unregistering agent", map[string]interface{}{
			"path":     path,
			"agent_id": id,
			"error":    err,
		})
		return
	}
	w.logger.Info("manifest removed", map[string]interface{}{
		"path":     path,
		"agent_id": id,
	})
}
