package loader

import (
	"context"
	"sort"
	"sync"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/registry"
)

// Factory instantiates a builtin agent. ctx is the unit's scope and is
// cancelled when the unit is closed.
type Factory func(ctx context.Context, rec *registry.AgentRecord) (agent.Agent, error)

// Catalog holds the builtin factories available to BuiltinHost.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory. Names are unique.
func (c *Catalog) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.InvalidInput("builtin name and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[name]; exists {
		return errors.New(errors.ErrCodeAlreadyExists, "builtin already registered", errors.WithMetadata("name", name))
	}
	c.factories[name] = f
	return nil
}

// Get returns the factory for name.
func (c *Catalog) Get(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns the registered names in order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuiltinHost opens in-process units from a Catalog.
type BuiltinHost struct {
	catalog *Catalog
}

// NewBuiltinHost creates a host for the "builtin" scheme.
func NewBuiltinHost(c *Catalog) *BuiltinHost {
	return &BuiltinHost{catalog: c}
}

// Scheme implements Host.
func (h *BuiltinHost) Scheme() string {
	return "builtin"
}

// Open implements Host. Every call yields a fresh scope and instance.
func (h *BuiltinHost) Open(ctx context.Context, ref string, rec *registry.AgentRecord) (Unit, error) {
	f, ok := h.catalog.Get(ref)
	if !ok {
		return nil, errors.NotFound("unknown builtin", errors.WithMetadata("builtin", ref))
	}

	scope, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a, err := f(scope, rec)
	if err != nil {
		cancel()
		return nil, err
	}
	return &builtinUnit{agent: a, cancel: cancel}, nil
}

type builtinUnit struct {
	agent  agent.Agent
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (u *builtinUnit) Lookup(name string) (any, bool) {
	if name != EntryPoint || u.agent == nil {
		return nil, false
	}
	return u.agent, true
}

func (u *builtinUnit) Close() error {
	u.once.Do(func() {
		u.cancel()
		if c, ok := u.agent.(agent.Closer); ok {
			u.err = c.Close()
		}
	})
	return u.err
}

// EchoFactory builds an agent that answers "echo: <content>".
func EchoFactory(ctx context.Context, rec *registry.AgentRecord) (agent.Agent, error) {
	return &agent.Func{
		AgentName: rec.Name,
		Reply: func(ctx context.Context, inv agent.Invocation) (string, error) {
			return "echo: " + inv.Content, nil
		},
	}, nil
}
