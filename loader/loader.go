package loader

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/internal/keylock"
	"github.com/Pratyay/agent-studio/listener"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/telemetry"
)

// State is the load state of one agent id.
type State string

const (
	StateUnloaded State = "UNLOADED"
	StateLoading  State = "LOADING"
	StateLoaded   State = "LOADED"
	StateError    State = "ERROR"
)

// Records is the registry access the loader needs: reads, plus status
// transitions and nothing else.
type Records interface {
	registry.Reader
	registry.StatusSetter
}

// Handle is a loaded agent.
type Handle struct {
	AgentID string

	// Generation increases with every successful load, so a reload yields
	// a distinct handle.
	Generation uint64

	Agent    agent.Agent
	Record   registry.AgentRecord
	LoadedAt time.Time

	unit Unit
}

// Loader loads and unloads agent units on demand.
type Loader struct {
	records Records
	hosts   map[string]Host
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	locks      *keylock.Map
	generation atomic.Uint64

	mu      sync.RWMutex
	handles map[string]*Handle
	states  map[string]State
}

// Option configures a Loader.
type Option func(*Loader)

// WithHost registers a host for its scheme.
func WithHost(h Host) Option {
	return func(l *Loader) {
		l.hosts[h.Scheme()] = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loader) {
		l.logger = logger.WithComponent("loader")
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(l *Loader) {
		l.tracer = t
	}
}

// New creates a Loader.
func New(records Records, opts ...Option) *Loader {
	l := &Loader{
		records: records,
		hosts:   make(map[string]Host),
		logger:  logging.Nop(),
		locks:   keylock.New(),
		handles: make(map[string]*Handle),
		states:  make(map[string]State),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the handle for id, loading the unit if needed.
func (l *Loader) Load(ctx context.Context, id string) (*Handle, error) {
	if h := l.GetHandle(id); h != nil {
		return h, nil
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	if h := l.GetHandle(id); h != nil {
		return h, nil
	}

	start := time.Now()
	ctx, span := l.tracer.StartLoadSpan(ctx, id, "")
	h, err := l.load(ctx, id)
	telemetry.EndSpan(span, err)
	l.logger.AgentLifecycle("load", id, time.Since(start), err)
	return h, err
}

func (l *Loader) load(ctx context.Context, id string) (*Handle, error) {
	l.setState(id, StateLoading)

	rec, err := l.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			l.clearState(id)
			return nil, errors.LoadFailed("agent is not registered", errors.WithAgentID(id), errors.WithCause(err))
		}
		return nil, l.fail(ctx, id, nil, err)
	}

	scheme, ref, err := ParseLocator(rec.Locator)
	if err != nil {
		return nil, l.fail(ctx, id, nil, err)
	}
	host, ok := l.hosts[scheme]
	if !ok {
		return nil, l.fail(ctx, id, nil, errors.New(errors.ErrCodeUnsupported, "no host for locator scheme", errors.WithMetadata("scheme", scheme)))
	}

	unit, err := host.Open(ctx, ref, rec)
	if err != nil {
		return nil, l.fail(ctx, id, nil, err)
	}

	entry, ok := unit.Lookup(EntryPoint)
	if !ok {
		return nil, l.fail(ctx, id, unit, errors.New(errors.ErrCodeNotFound, "unit has no "+EntryPoint+" export"))
	}
	a, ok := entry.(agent.Agent)
	if !ok {
		return nil, l.fail(ctx, id, unit, errors.InvalidInput(EntryPoint+" does not implement agent.Agent"))
	}

	h := &Handle{
		AgentID:    id,
		Generation: l.generation.Add(1),
		Agent:      a,
		Record:     *rec,
		LoadedAt:   time.Now(),
		unit:       unit,
	}

	l.mu.Lock()
	l.handles[id] = h
	l.states[id] = StateLoaded
	l.mu.Unlock()

	if rec.Status == registry.StatusError {
		if err := l.records.SetStatus(ctx, id, registry.StatusActive, ""); err != nil {
			l.logger.Warn("failed to clear error status", map[string]interface{}{"agent_id": id, "error": err})
		}
	}
	return h, nil
}

// fail cleans up a partial load and records the failure on the agent.
func (l *Loader) fail(ctx context.Context, id string, unit Unit, cause error) error {
	if unit != nil {
		if err := unit.Close(); err != nil {
			l.logger.Warn("closing failed unit", map[string]interface{}{"agent_id": id, "error": err})
		}
	}
	l.setState(id, StateError)

	if err := l.records.SetStatus(context.WithoutCancel(ctx), id, registry.StatusError, cause.Error()); err != nil {
		l.logger.Warn("failed to record load error", map[string]interface{}{"agent_id": id, "error": err})
	}
	return errors.LoadFailed("loading agent failed", errors.WithAgentID(id), errors.WithCause(cause))
}

// Unload closes the unit for id. It returns false if nothing was loaded.
func (l *Loader) Unload(ctx context.Context, id string) (bool, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	l.mu.Lock()
	h, ok := l.handles[id]
	delete(l.handles, id)
	delete(l.states, id)
	l.mu.Unlock()

	if !ok {
		return false, nil
	}

	start := time.Now()
	err := h.unit.Close()
	l.logger.AgentLifecycle("unload", id, time.Since(start), err)
	if err != nil {
		return true, errors.Wrap(err, "closing unit", errors.WithAgentID(id))
	}
	return true, nil
}

// UnloadAll unloads every loaded agent.
func (l *Loader) UnloadAll(ctx context.Context) error {
	var errs []error
	for _, id := range l.Loaded() {
		if _, err := l.Unload(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLoaded reports whether id has a live handle.
func (l *Loader) IsLoaded(id string) bool {
	return l.GetHandle(id) != nil
}

// GetHandle returns the handle for id, or nil.
func (l *Loader) GetHandle(id string) *Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handles[id]
}

// Loaded returns the loaded agent ids in order.
func (l *Loader) Loaded() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.handles))
	for id := range l.handles {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// State returns the load state of id.
func (l *Loader) State(id string) State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.states[id]; ok {
		return s
	}
	return StateUnloaded
}

func (l *Loader) setState(id string, s State) {
	l.mu.Lock()
	l.states[id] = s
	l.mu.Unlock()
}

func (l *Loader) clearState(id string) {
	l.mu.Lock()
	delete(l.states, id)
	l.mu.Unlock()
}

// Attach makes the loader follow registry changes: REGISTERED loads,
// UNREGISTERED unloads and UPDATED reloads an agent that is loaded.
// Failures are logged by the listener.
func (l *Loader) Attach(lis *listener.Listener) {
	lis.Handle(registry.EventRegistered, func(ctx context.Context, id string) error {
		_, err := l.Load(ctx, id)
		return err
	})
	lis.Handle(registry.EventUnregistered, func(ctx context.Context, id string) error {
		_, err := l.Unload(ctx, id)
		return err
	})
	lis.Handle(registry.EventUpdated, func(ctx context.Context, id string) error {
		if !l.IsLoaded(id) {
			return nil
		}
		if _, err := l.Unload(ctx, id); err != nil {
			return err
		}
		_, err := l.Load(ctx, id)
		return err
	})
}
