package shutdown

import (
	"context"
	"time"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
)

// Phases used by the server. Lower phases stop first; handlers in the
// same phase stop concurrently.
const (
	// PhaseIntake stops sources of new work: manifest watcher, reconnect
	// schedule, change listener.
	PhaseIntake = 10

	// PhaseModules unloads every loaded unit.
	PhaseModules = 20

	// PhaseRemote closes remote agent connections.
	PhaseRemote = 30

	// PhaseStorage closes the record store and flushes telemetry.
	PhaseStorage = 40
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown releases the component. ctx is cancelled when the
	// shutdown timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function into a Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the shutdown timed out.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default 30s.
	Timeout time.Duration

	// ContinueOnError keeps later phases running after a handler fails.
	ContinueOnError bool

	// Logger receives per-handler progress.
	Logger *logging.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.InvalidInput("shutdown timeout must not be negative")
	}
	return nil
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
