package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/callbacks"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/listener"
	"github.com/Pratyay/agent-studio/loader"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/store"
)

type env struct {
	reg    *registry.Registry
	loader *loader.Loader
	router *Router
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	st := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { st.Close() })

	catalog := loader.NewCatalog()
	require.NoError(t, catalog.Register("echo", loader.EchoFactory))

	e := &env{reg: registry.New(st)}
	e.loader = loader.New(e.reg, loader.WithHost(loader.NewBuiltinHost(catalog)))
	t.Cleanup(func() { e.loader.UnloadAll(context.Background()) })
	e.router = New(e.reg, e.loader, opts...)
	return e
}

func (e *env) register(t *testing.T, rec registry.AgentRecord) string {
	t.Helper()
	out, err := e.reg.Register(context.Background(), rec)
	require.NoError(t, err)
	return out.ID
}

func collect(t *testing.T, ch <-chan agent.Event) []agent.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := agent.Collect(ctx, ch)
	require.NoError(t, err)
	return events
}

type fakeRemote struct {
	remotes []*registry.RemoteAgentRecord
	asked   []string
	reply   string
	err     error
}

func (f *fakeRemote) List(ctx context.Context) ([]*registry.RemoteAgentRecord, error) {
	return f.remotes, nil
}

func (f *fakeRemote) Ask(ctx context.Context, remoteID, text string) (string, error) {
	f.asked = append(f.asked, remoteID)
	return f.reply, f.err
}

// --- Unit Tests ---

func TestRouteSkipsInactive(t *testing.T) {
	e := newEnv(t)
	e.register(t, registry.AgentRecord{Name: "Old Math", Locator: "builtin:echo",
		Capabilities: []string{"math"}, Status: registry.StatusInactive})
	id := e.register(t, registry.AgentRecord{Name: "New Math", Locator: "builtin:echo",
		Capabilities: []string{"math"}})

	got, err := e.router.Route(context.Background(), "math please")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = e.router.Route(context.Background(), "poetry")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestWithMatcher(t *testing.T) {
	var id string
	e := newEnv(t, WithMatcher(MatcherFunc(func(content string, c []*registry.AgentRecord) (string, bool) {
		return id, true
	})))
	id = e.register(t, registry.AgentRecord{Name: "Anything", Locator: "builtin:echo"})

	got, err := e.router.Route(context.Background(), "zzz")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDispatchLoadsOnDemand(t *testing.T) {
	e := newEnv(t)
	id := e.register(t, registry.AgentRecord{Name: "Math", Locator: "builtin:echo", Capabilities: []string{"math"}})
	require.False(t, e.loader.IsLoaded(id))

	ch, err := e.router.Dispatch(context.Background(), agent.Invocation{SessionID: "s1", Content: "math: 1+1"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventFinal, events[0].Kind)
	assert.Equal(t, "echo: math: 1+1", events[0].Text)
	assert.True(t, e.loader.IsLoaded(id))
}

func TestDispatchBeforeCallbackShortCircuits(t *testing.T) {
	blocker := &callbacks.Func{CallbackName: "blocker", Fn: func(ctx context.Context, cc *callbacks.Context) (*callbacks.Replacement, error) {
		return &callbacks.Replacement{Text: "no"}, nil
	}}
	e := newEnv(t, WithCallbacks(callbacks.Chains{Before: callbacks.NewChain(nil, blocker)}))
	id := e.register(t, registry.AgentRecord{Name: "Math", Locator: "builtin:echo", Capabilities: []string{"math"}})

	ch, err := e.router.Dispatch(context.Background(), agent.Invocation{Content: "math"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventReplaced, events[0].Kind)
	assert.Equal(t, "blocker", events[0].Author)
	assert.False(t, e.loader.IsLoaded(id), "agent loaded despite replacement")
}

func TestDispatchAfterCallbackAppends(t *testing.T) {
	var seen string
	after := &callbacks.Func{CallbackName: "redact", Fn: func(ctx context.Context, cc *callbacks.Context) (*callbacks.Replacement, error) {
		seen = cc.Response
		return &callbacks.Replacement{Text: "[redacted]"}, nil
	}}
	e := newEnv(t)
	e.router.SetCallbacks(callbacks.Chains{After: callbacks.NewChain(nil, after)})
	e.register(t, registry.AgentRecord{Name: "Math", Locator: "builtin:echo", Capabilities: []string{"math"}})

	ch, err := e.router.Dispatch(context.Background(), agent.Invocation{Content: "math"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, agent.EventFinal, events[0].Kind)
	assert.Equal(t, agent.EventReplaced, events[1].Kind)
	assert.Equal(t, "[redacted]", agent.FinalText(events))
	assert.Equal(t, "echo: math", seen)
}

func TestDispatchDelegatesToRemote(t *testing.T) {
	remote := &fakeRemote{
		reply: "42 EUR",
		remotes: []*registry.RemoteAgentRecord{{
			ID: "fx-1", Name: "FX", Status: registry.RemoteConnected,
			Skills: []registry.Skill{{ID: "convert", Tags: []string{"currency"}}},
		}},
	}
	e := newEnv(t, WithRemote(remote))

	ch, err := e.router.Dispatch(context.Background(), agent.Invocation{Content: "currency for 40 USD"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, "42 EUR", events[0].Text)
	assert.Equal(t, []string{"fx-1"}, remote.asked)

	_, err = e.router.Dispatch(context.Background(), agent.Invocation{Content: "sing"})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDispatchRemoteFailureIsErrorEvent(t *testing.T) {
	remote := &fakeRemote{
		err: errors.Timeout("remote agent did not answer"),
		remotes: []*registry.RemoteAgentRecord{{
			ID: "fx-1", Name: "FX", Status: registry.RemoteConnected,
			Skills: []registry.Skill{{ID: "convert", Tags: []string{"currency"}}},
		}},
	}
	e := newEnv(t, WithRemote(remote))

	ch, err := e.router.Dispatch(context.Background(), agent.Invocation{Content: "currency"})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventError, events[0].Kind)
}

func TestListAvailable(t *testing.T) {
	e := newEnv(t)
	a := e.register(t, registry.AgentRecord{Name: "A", Locator: "builtin:echo"})
	e.register(t, registry.AgentRecord{Name: "B", Locator: "builtin:echo"})
	_, err := e.loader.Load(context.Background(), a)
	require.NoError(t, err)

	list, err := e.router.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Loaded)
	assert.False(t, list[1].Loaded)
}

// --- Integration Tests ---

func TestScenarioAutoLoadAndIsolatedFailure(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	catalog := loader.NewCatalog()
	require.NoError(t, catalog.Register("echo", loader.EchoFactory))
	reg := registry.New(st)
	ld := loader.New(reg, loader.WithHost(loader.NewBuiltinHost(catalog)))
	t.Cleanup(func() { ld.UnloadAll(ctx) })
	rt := New(reg, ld)

	lis := listener.New(st, reg.Channel(), nil)
	ld.Attach(lis)
	require.NoError(t, lis.Start(ctx))
	t.Cleanup(func() { lis.Stop() })

	a, err := reg.Register(ctx, registry.AgentRecord{Name: "Calc", Locator: "builtin:echo", Capabilities: []string{"arithmetic"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ld.IsLoaded(a.ID) }, 2*time.Second, 10*time.Millisecond)

	ch, err := rt.Dispatch(ctx, agent.Invocation{SessionID: "s", Content: "arithmetic: 6*7"})
	require.NoError(t, err)
	events := collect(t, ch)
	assert.Equal(t, "echo: arithmetic: 6*7", agent.FinalText(events))

	b, err := reg.Register(ctx, registry.AgentRecord{Name: "Broken", Locator: "builtin:missing"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := reg.Get(ctx, b.ID)
		return err == nil && rec.Status == registry.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, ld.IsLoaded(b.ID))
	assert.True(t, ld.IsLoaded(a.ID))
	recA, err := reg.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, recA.Status)

	ch, err = rt.Dispatch(ctx, agent.Invocation{SessionID: "s", Content: fmt.Sprintf("arithmetic %d", 2)})
	require.NoError(t, err)
	assert.Equal(t, "echo: arithmetic 2", agent.FinalText(collect(t, ch)))
}
