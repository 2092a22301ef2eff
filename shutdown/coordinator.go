package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	once   sync.Once
	done   chan struct{}
	result *Result

	signals chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		config:  config,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to phase. Registering after shutdown started
// fails with ALREADY_EXISTS.
func (c *Coordinator) Register(name string, phase int, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New(errors.ErrCodeAlreadyExists, "shutdown already initiated", errors.WithMetadata("handler", name))
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
	return nil
}

// RegisterFunc registers fn as a handler.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) error {
	return c.Register(name, phase, Func(fn))
}

// Shutdown runs every phase. Later callers wait for the first shutdown
// and get its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		handlers := append([]registration(nil), c.handlers...)
		c.mu.Unlock()

		c.result = c.run(ctx, handlers)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown under timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGINT or SIGTERM. The watch ends when ctx
// is done.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c.signals)
		select {
		case sig := <-c.signals:
			c.logger.Info("signal received, shutting down", map[string]interface{}{"signal": sig.String()})
			if err := c.ShutdownWithTimeout(0); err != nil {
				c.logger.Error("shutdown incomplete", map[string]interface{}{"error": err})
			}
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}

// Trigger simulates a SIGTERM.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *Result {
		result.Err = err
		result.TotalDuration = time.Since(start)
		return result
	}

	var failed error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(errors.Timeout("shutdown timeout exceeded", errors.WithCause(ctx.Err())))
		}
		results := c.runPhase(ctx, group)
		result.Results = append(result.Results, results...)

		for _, hr := range results {
			if hr.Err == nil {
				continue
			}
			if failed == nil {
				failed = errors.New(errors.ErrCodeInternal, "one or more shutdown handlers failed")
			}
			if !c.config.ContinueOnError {
				return finish(failed)
			}
		}
	}
	return finish(failed)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := call(ctx, r.handler)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{"handler": r.name, "phase": r.phase, "duration_ms": time.Since(start).Milliseconds()}
			if err != nil {
				fields["error"] = err
				c.logger.Warn("shutdown handler failed", fields)
			} else {
				c.logger.Debug("shutdown handler done", fields)
			}
		}(i, r)
	}
	wg.Wait()
	return results
}

func call(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Panic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers sorted by phase into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
