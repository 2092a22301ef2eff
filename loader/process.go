package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/telemetry"
	"github.com/Pratyay/agent-studio/transport"
)

// ProcessConfig configures the exec host.
type ProcessConfig struct {
	// InitTimeout bounds the initialize handshake. Default: 10s
	InitTimeout time.Duration

	// GracePeriod is how long a unit may take to exit after shutdown
	// before its process group is killed. Default: 3s
	GracePeriod time.Duration

	// Env is appended to the inherited environment.
	Env map[string]string

	// Stderr receives unit stderr. Default: os.Stderr
	Stderr *os.File
}

// DefaultProcessConfig returns configuration with sensible defaults.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		InitTimeout: 10 * time.Second,
		GracePeriod: 3 * time.Second,
	}
}

// ProcessHost opens units as subprocesses.
type ProcessHost struct {
	config ProcessConfig
	logger *logging.Logger
	tracer *telemetry.Tracer
}

// NewProcessHost creates a host for the "exec" scheme.
func NewProcessHost(cfg ProcessConfig, logger *logging.Logger, tracer *telemetry.Tracer) *ProcessHost {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultProcessConfig().InitTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultProcessConfig().GracePeriod
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProcessHost{config: cfg, logger: logger.WithComponent("exec-host"), tracer: tracer}
}

// Scheme implements Host.
func (h *ProcessHost) Scheme() string {
	return "exec"
}

// Open implements Host. ref is a command line split on whitespace.
func (h *ProcessHost) Open(ctx context.Context, ref string, rec *registry.AgentRecord) (Unit, error) {
	argv := strings.Fields(ref)
	if len(argv) == 0 {
		return nil, errors.InvalidInput("exec locator has no command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range h.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stderr = h.config.Stderr
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start unit: %w", err)
	}

	u := &processUnit{
		cmd:     cmd,
		host:    h,
		agentID: rec.ID,
		runs:    make(map[string]chan agent.Event),
		exited:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	go func() {
		u.waitErr = cmd.Wait()
		close(u.exited)
	}()

	u.conn = transport.NewConn(
		transport.NewLineFramer(stdout, stdin),
		transport.WithNotificationHandler(u.onNotify),
		transport.WithConnLogger(h.logger),
	)
	go u.watch()

	initCtx, cancel := context.WithTimeout(ctx, h.config.InitTimeout)
	defer cancel()

	var info UnitInfo
	err = u.conn.Call(initCtx, MethodInitialize, InitializeParams{
		AgentID: rec.ID,
		Name:    rec.Name,
		Config:  rec.Config,
	}, &info)
	if err != nil {
		u.Close()
		return nil, errors.Wrap(err, "unit initialize failed", errors.WithAgentID(rec.ID))
	}
	if info.Exports[EntryPoint] != ExportAgent {
		u.Close()
		return nil, errors.LoadFailed(
			fmt.Sprintf("unit does not export %s as %s", EntryPoint, ExportAgent),
			errors.WithAgentID(rec.ID),
			errors.WithMetadata("export_type", info.Exports[EntryPoint]),
		)
	}
	u.info = info

	h.logger.Info("unit started", map[string]interface{}{
		"agent_id": rec.ID,
		"pid":      cmd.Process.Pid,
		"unit":     info.Name,
		"version":  info.Version,
	})
	return u, nil
}

type processUnit struct {
	cmd     *exec.Cmd
	conn    *transport.Conn
	host    *ProcessHost
	agentID string
	info    UnitInfo

	mu   sync.Mutex
	runs map[string]chan agent.Event

	exited  chan struct{}
	waitErr error

	// closing releases event delivery to consumers that stopped reading.
	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (u *processUnit) Lookup(name string) (any, bool) {
	if name != EntryPoint || u.info.Exports[EntryPoint] != ExportAgent {
		return nil, false
	}
	return &remoteAgent{unit: u}, true
}

// Close asks the unit to exit, then kills its process group once the
// grace period runs out. It reports a unit that had to be killed or that
// exited with an error.
func (u *processUnit) Close() error {
	u.closeOnce.Do(func() {
		close(u.closing)
		u.conn.Notify(MethodShutdown, nil)

		killed := false
		select {
		case <-u.exited:
		case <-time.After(u.host.config.GracePeriod):
			u.host.logger.Warn("unit did not exit, killing", map[string]interface{}{"agent_id": u.agentID})
			killProcessGroup(u.cmd)
			killed = true
			<-u.exited
		}

		var errs []error
		switch {
		case killed:
			errs = append(errs, errors.New(errors.ErrCodeTimeout, "unit killed after grace period",
				errors.WithAgentID(u.agentID),
				errors.WithMetadata("grace_period", u.host.config.GracePeriod.String())))
		case u.waitErr != nil:
			errs = append(errs, errors.WrapWithCode(u.waitErr, errors.ErrCodeUnavailable, "unit exited uncleanly",
				errors.WithAgentID(u.agentID)))
		}
		// Wait has already closed the pipes.
		if err := u.conn.Close(); err != nil && !stderrors.Is(err, os.ErrClosed) {
			errs = append(errs, errors.Wrap(err, "closing unit connection", errors.WithAgentID(u.agentID)))
		}
		u.closeErr = errors.Join(errs...)
	})
	return u.closeErr
}

// send delivers ev to a run unless the unit is closing.
func (u *processUnit) send(ch chan agent.Event, ev agent.Event) {
	select {
	case ch <- ev:
	case <-u.closing:
	}
}

// watch fails every open run when the unit's connection ends.
func (u *processUnit) watch() {
	<-u.conn.Done()

	u.mu.Lock()
	runs := u.runs
	u.runs = nil
	u.mu.Unlock()

	for _, ch := range runs {
		select {
		case ch <- agent.Failed(u.info.Name, errors.Transport("unit exited", errors.WithAgentID(u.agentID))):
		default:
		}
		close(ch)
	}
}

func (u *processUnit) onNotify(msg *transport.Message) {
	switch msg.Method {
	case NotifyRunEvent:
		var p RunEventParams
		if err := msg.DecodeParams(&p); err != nil {
			return
		}
		u.mu.Lock()
		ch, ok := u.runs[p.RunID]
		u.mu.Unlock()
		if ok {
			u.send(ch, p.Event)
		}

	case NotifyRunDone:
		var p RunDoneParams
		if err := msg.DecodeParams(&p); err != nil {
			return
		}
		u.mu.Lock()
		ch, ok := u.runs[p.RunID]
		delete(u.runs, p.RunID)
		u.mu.Unlock()
		if ok {
			if p.Error != "" {
				u.send(ch, agent.Event{Kind: agent.EventError, Author: u.info.Name, Error: p.Error})
			}
			close(ch)
		}

	default:
		u.host.logger.Debug("ignoring unit notification", map[string]interface{}{"method": msg.Method})
	}
}

// remoteAgent is the entry point proxy for a process unit.
type remoteAgent struct {
	unit *processUnit
}

func (a *remoteAgent) Name() string {
	return a.unit.info.Name
}

// runBuffer bounds how far a unit's events may run ahead of the consumer.
const runBuffer = 64

func (a *remoteAgent) Run(ctx context.Context, inv agent.Invocation) (<-chan agent.Event, error) {
	u := a.unit
	runID := uuid.New().String()
	ch := make(chan agent.Event, runBuffer)

	u.mu.Lock()
	if u.runs == nil {
		u.mu.Unlock()
		return nil, errors.Transport("unit exited", errors.WithAgentID(u.agentID))
	}
	u.runs[runID] = ch
	u.mu.Unlock()

	var accepted RunAccepted
	err := u.conn.Call(ctx, MethodRun, RunParams{
		RunID:      runID,
		Invocation: inv,
		Trace:      u.host.tracer.Inject(ctx),
	}, &accepted)
	if err != nil {
		if ctx.Err() != nil {
			// The unit may have started; it ends the run after cancel.
			u.conn.Notify(MethodCancel, CancelParams{RunID: runID})
			drain(ch)
		} else {
			u.mu.Lock()
			if _, ok := u.runs[runID]; ok {
				delete(u.runs, runID)
				close(ch)
			}
			u.mu.Unlock()
		}
		return nil, errors.Wrap(err, "starting run", errors.WithAgentID(u.agentID))
	}

	out := make(chan agent.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					u.conn.Notify(MethodCancel, CancelParams{RunID: runID})
					drain(ch)
					return
				case <-u.closing:
					drain(ch)
					return
				}
			case <-ctx.Done():
				u.conn.Notify(MethodCancel, CancelParams{RunID: runID})
				drain(ch)
				return
			}
		}
	}()
	return out, nil
}

// drain discards events until the unit ends the run, so the unit's
// notification handler never blocks on an abandoned run.
func drain(ch <-chan agent.Event) {
	go func() {
		for range ch {
		}
	}()
}
