package router

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/callbacks"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/loader"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/telemetry"
)

// Loader is the part of the module loader the router uses.
type Loader interface {
	Load(ctx context.Context, id string) (*loader.Handle, error)
	IsLoaded(id string) bool
}

// Remote delegates requests to remote agents.
type Remote interface {
	List(ctx context.Context) ([]*registry.RemoteAgentRecord, error)
	Ask(ctx context.Context, remoteID, text string) (string, error)
}

// AgentSummary is one entry of ListAvailable.
type AgentSummary struct {
	ID           string          `json:"agent_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Status       registry.Status `json:"status"`
	Loaded       bool            `json:"loaded"`
}

// Router routes requests to agents.
type Router struct {
	records registry.Reader
	loader  Loader
	matcher Matcher
	remote  Remote
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	mu     sync.RWMutex
	chains callbacks.Chains
}

// Option configures a Router.
type Option func(*Router)

// WithMatcher replaces the routing policy.
func WithMatcher(m Matcher) Option {
	return func(r *Router) { r.matcher = m }
}

// WithRemote enables delegation to remote agents.
func WithRemote(remote Remote) Option {
	return func(r *Router) { r.remote = remote }
}

// WithCallbacks sets the initial callback chains.
func WithCallbacks(c callbacks.Chains) Option {
	return func(r *Router) { r.chains = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// New creates a Router.
func New(records registry.Reader, ld Loader, opts ...Option) *Router {
	r := &Router{
		records: records,
		loader:  ld,
		matcher: KeywordMatcher{},
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("router")
	return r
}

// SetCallbacks swaps the callback chains for subsequent dispatches.
func (r *Router) SetCallbacks(c callbacks.Chains) {
	r.mu.Lock()
	r.chains = c
	r.mu.Unlock()
}

func (r *Router) currentChains() callbacks.Chains {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains
}

// candidates returns the routable records. Inactive agents are skipped.
func (r *Router) candidates(ctx context.Context) ([]*registry.AgentRecord, error) {
	all, err := r.records.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Status != registry.StatusInactive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Route returns the id of the local agent that should handle content.
func (r *Router) Route(ctx context.Context, content string) (string, error) {
	cands, err := r.candidates(ctx)
	if err != nil {
		return "", errors.Wrap(err, "listing agents for routing")
	}
	id, ok := r.matcher.Match(content, cands)
	if !ok {
		return "", errors.NotFound("no suitable agent found")
	}
	return id, nil
}

// Dispatch runs the callbacks, routes inv, loads the target and streams
// its events. The returned channel is closed when the run ends.
func (r *Router) Dispatch(ctx context.Context, inv agent.Invocation) (<-chan agent.Event, error) {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	chains := r.currentChains()

	ctx, span := r.tracer.StartDispatchSpan(ctx, inv.SessionID, inv.Content)
	span.SetAttributes(attribute.String("invocation.id", inv.ID))

	if rep := chains.Before.Run(ctx, &callbacks.Context{Type: callbacks.BeforeAgent, Invocation: inv}); rep != nil {
		telemetry.EndSpan(span, nil, attribute.String("dispatch.replaced_by", rep.Author))
		return single(agent.Replaced(rep.Author, rep.Text)), nil
	}

	id, err := r.Route(ctx, inv.Content)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) && r.remote != nil {
			ch, rerr := r.delegate(ctx, inv)
			if rerr == nil {
				telemetry.EndSpan(span, nil)
				return ch, nil
			}
			if !errors.Is(rerr, errors.ErrCodeNotFound) {
				err = rerr
			}
		}
		telemetry.EndSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("agent.id", id))

	h, err := r.loader.Load(ctx, id)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}

	src, err := h.Agent.Run(ctx, inv)
	if err != nil {
		err = errors.Wrap(err, "starting agent run", errors.WithAgentID(id))
		telemetry.EndSpan(span, err)
		return nil, err
	}

	r.logger.Debug("dispatching", map[string]interface{}{
		"agent_id":      id,
		"invocation_id": inv.ID,
		"session_id":    inv.SessionID,
	})

	out := make(chan agent.Event)
	go func() {
		defer close(out)
		var events []agent.Event
		for ev := range src {
			events = append(events, ev)
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			telemetry.EndSpan(span, ctx.Err())
			return
		}

		cc := &callbacks.Context{
			Type:       callbacks.AfterAgent,
			AgentID:    id,
			AgentName:  h.Record.Name,
			Invocation: inv,
			Response:   agent.FinalText(events),
		}
		if rep := chains.After.Run(ctx, cc); rep != nil {
			select {
			case out <- agent.Replaced(rep.Author, rep.Text):
			case <-ctx.Done():
			}
		}
		telemetry.EndSpan(span, nil, attribute.Int("dispatch.events", len(events)))
	}()
	return out, nil
}

// delegate hands inv to a matching remote agent.
func (r *Router) delegate(ctx context.Context, inv agent.Invocation) (<-chan agent.Event, error) {
	remotes, err := r.remote.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing remote agents")
	}
	rec, ok := matchRemote(inv.Content, remotes)
	if !ok {
		return nil, errors.NotFound("no suitable agent found")
	}
	r.logger.Info("delegating to remote agent", map[string]interface{}{
		"remote_id":     rec.ID,
		"invocation_id": inv.ID,
	})
	text, err := r.remote.Ask(ctx, rec.ID, inv.Content)
	if err != nil {
		return single(agent.Failed(rec.Name, err)), nil
	}
	return single(agent.Final(rec.Name, text)), nil
}

// ListAvailable returns every registered agent with its load state.
func (r *Router) ListAvailable(ctx context.Context) ([]AgentSummary, error) {
	all, err := r.records.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]AgentSummary, 0, len(all))
	for _, rec := range all {
		out = append(out, AgentSummary{
			ID:           rec.ID,
			Name:         rec.Name,
			Description:  rec.Description,
			Capabilities: rec.Capabilities,
			Status:       rec.Status,
			Loaded:       r.loader.IsLoaded(rec.ID),
		})
	}
	return out, nil
}

func single(ev agent.Event) <-chan agent.Event {
	ch := make(chan agent.Event, 1)
	ch <- ev
	close(ch)
	return ch
}
