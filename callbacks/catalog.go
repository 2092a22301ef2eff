package callbacks

import (
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/ratelimit"
)

// Constructor builds a callback for a record.
type Constructor func(rec *Record) (Callback, error)

// Catalog maps implementation names to constructors.
type Catalog struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{ctors: make(map[string]Constructor)}
}

// Register adds a constructor. Names are unique.
func (c *Catalog) Register(name string, ctor Constructor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ctors[name]; ok {
		return errors.New(errors.ErrCodeAlreadyExists, "callback implementation already registered",
			errors.WithMetadata("implementation", name))
	}
	c.ctors[name] = ctor
	return nil
}

// Get returns the constructor for name.
func (c *Catalog) Get(name string) (Constructor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctor, ok := c.ctors[name]
	return ctor, ok
}

// Names returns the registered names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ctors))
	for n := range c.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Deps are the collaborators the built-in callbacks need.
type Deps struct {
	Logger  *logging.Logger
	Meter   metric.Meter
	Limiter *ratelimit.KeyedLimiter

	// Policy is optional; without it the policy implementation is absent.
	Policy *Policy
}

// Builtins holds the shared built-in instances so their state survives
// rebuilding the chains.
type Builtins struct {
	Logging   *Logging
	Metrics   *Metrics
	Security  *Security
	RateLimit *RateLimit
	Policy    *Policy
}

// NewBuiltinCatalog creates a catalog holding the built-in callbacks.
func NewBuiltinCatalog(d Deps) (*Catalog, *Builtins, error) {
	m, err := NewMetrics(d.Meter)
	if err != nil {
		return nil, nil, err
	}
	b := &Builtins{
		Logging:   NewLogging(d.Logger),
		Metrics:   m,
		Security:  NewSecurity(d.Logger),
		RateLimit: NewRateLimit(d.Limiter, d.Logger),
		Policy:    d.Policy,
	}

	c := NewCatalog()
	c.Register(ImplLogging, shared(b.Logging))
	c.Register(ImplMetrics, shared(b.Metrics))
	c.Register(ImplSecurity, shared(b.Security))
	c.Register(ImplRateLimit, shared(b.RateLimit))
	if b.Policy != nil {
		c.Register(ImplPolicy, shared(b.Policy))
	}
	return c, b, nil
}

func shared(cb Callback) Constructor {
	return func(*Record) (Callback, error) { return cb, nil }
}

// Chains are the built before and after chains.
type Chains struct {
	Before *Chain
	After  *Chain
}

// Build turns records into chains ordered by priority, then name.
// Disabled records are skipped. Records whose implementation is unknown
// or fails to build are skipped and reported in the returned error; the
// chains are usable either way.
func Build(records []*Record, catalog *Catalog, logger *logging.Logger) (Chains, error) {
	sorted := append([]*Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	var before, after []Callback
	var errs []error
	for _, rec := range sorted {
		if rec.Disabled {
			continue
		}
		ctor, ok := catalog.Get(rec.Implementation)
		if !ok {
			errs = append(errs, errors.NotFound("unknown callback implementation",
				errors.WithMetadata("id", rec.ID),
				errors.WithMetadata("implementation", rec.Implementation)))
			continue
		}
		cb, err := ctor(rec)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "building callback", errors.WithMetadata("id", rec.ID)))
			continue
		}
		switch rec.Type {
		case AfterAgent:
			after = append(after, cb)
		default:
			before = append(before, cb)
		}
	}
	return Chains{
		Before: NewChain(logger, before...),
		After:  NewChain(logger, after...),
	}, errors.Join(errs...)
}
