package loader

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/telemetry"
	"github.com/Pratyay/agent-studio/transport"
)

// Server runs an agent as an exec unit.
type Server struct {
	// Factory builds the agent on initialize, from the record fields the
	// host sends.
	Factory Factory

	Version string
	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
}

// Serve runs a as a unit over r and w until the host shuts it down or
// closes the stream.
func Serve(ctx context.Context, a agent.Agent, r io.Reader, w io.Writer) error {
	s := &Server{Factory: func(context.Context, *registry.AgentRecord) (agent.Agent, error) {
		return a, nil
	}}
	return s.Serve(ctx, r, w)
}

// Serve runs the unit protocol over r and w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	st := &serveState{
		server: s,
		ctx:    ctx,
		stop:   stop,
		logger: logger.WithComponent("unit"),
		runs:   make(map[string]context.CancelFunc),
		ready:  make(chan struct{}),
	}
	conn := transport.NewConn(
		transport.NewLineFramer(r, w),
		transport.WithHandler(transport.HandlerFunc(st.handle)),
		transport.WithNotificationHandler(st.notify),
		transport.WithConnLogger(st.logger),
	)
	st.conn = conn
	close(st.ready)

	select {
	case <-conn.Done():
	case <-ctx.Done():
	}

	st.mu.Lock()
	for _, cancel := range st.runs {
		cancel()
	}
	st.mu.Unlock()
	st.wg.Wait()

	if a, ok := st.agent.(agent.Closer); ok {
		a.Close()
	}

	// A blocked stdin read may not return on close; the process exits
	// regardless, so closing is not awaited.
	go conn.Close()
	return conn.Err()
}

type serveState struct {
	server *Server
	ctx    context.Context
	stop   context.CancelFunc
	conn   *transport.Conn
	ready  chan struct{}
	logger *logging.Logger

	mu    sync.Mutex
	agent agent.Agent
	runs  map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func (st *serveState) handle(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case MethodInitialize:
		return st.initialize(params)
	case MethodRun:
		return st.run(params)
	}
	return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found: " + method}
}

func (st *serveState) initialize(params json.RawMessage) (interface{}, error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &transport.Error{Code: transport.InvalidParams, Message: err.Error()}
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.agent == nil {
		rec := &registry.AgentRecord{ID: p.AgentID, Name: p.Name, Config: p.Config}
		a, err := st.server.Factory(st.ctx, rec)
		if err != nil {
			return nil, errors.Wrap(err, "building agent", errors.WithAgentID(p.AgentID))
		}
		st.agent = a
	}

	return UnitInfo{
		Name:    st.agent.Name(),
		Version: st.server.Version,
		Exports: map[string]string{EntryPoint: ExportAgent},
	}, nil
}

func (st *serveState) run(params json.RawMessage) (interface{}, error) {
	var p RunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &transport.Error{Code: transport.InvalidParams, Message: err.Error()}
	}

	st.mu.Lock()
	a := st.agent
	if a == nil {
		st.mu.Unlock()
		return nil, errors.New(errors.ErrCodeUnavailable, "unit not initialized")
	}
	runCtx, cancel := context.WithCancel(st.server.Tracer.Extract(st.ctx, p.Trace))
	st.runs[p.RunID] = cancel
	st.wg.Add(1)
	st.mu.Unlock()

	go func() {
		defer st.wg.Done()
		defer func() {
			st.mu.Lock()
			delete(st.runs, p.RunID)
			st.mu.Unlock()
			cancel()
		}()
		<-st.ready

		events, err := a.Run(runCtx, p.Invocation)
		if err != nil {
			st.conn.Notify(NotifyRunDone, RunDoneParams{RunID: p.RunID, Error: err.Error()})
			return
		}
		for ev := range events {
			st.conn.Notify(NotifyRunEvent, RunEventParams{RunID: p.RunID, Event: ev})
		}
		st.conn.Notify(NotifyRunDone, RunDoneParams{RunID: p.RunID})
	}()

	return RunAccepted{RunID: p.RunID}, nil
}

func (st *serveState) notify(msg *transport.Message) {
	switch msg.Method {
	case MethodCancel:
		var p CancelParams
		if err := msg.DecodeParams(&p); err != nil {
			return
		}
		st.mu.Lock()
		if cancel, ok := st.runs[p.RunID]; ok {
			cancel()
		}
		st.mu.Unlock()
	case MethodShutdown:
		st.logger.Info("shutdown requested")
		st.stop()
	}
}
