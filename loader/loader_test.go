package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/listener"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/store"
	"github.com/Pratyay/agent-studio/transport"
)

type fixture struct {
	store   *store.MemoryStore
	reg     *registry.Registry
	catalog *Catalog
	loader  *Loader
	opened  atomic.Int32
	scopes  chan context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(store.DefaultConfig()),
		catalog: NewCatalog(),
		scopes:  make(chan context.Context, 16),
	}
	t.Cleanup(func() { f.store.Close() })
	f.reg = registry.New(f.store)

	f.catalog.Register("echo", func(ctx context.Context, rec *registry.AgentRecord) (agent.Agent, error) {
		f.opened.Add(1)
		f.scopes <- ctx
		time.Sleep(10 * time.Millisecond)
		return EchoFactory(ctx, rec)
	})
	f.catalog.Register("broken", func(ctx context.Context, rec *registry.AgentRecord) (agent.Agent, error) {
		return nil, errors.New(errors.ErrCodeInternal, "factory exploded")
	})

	opts = append([]Option{WithHost(NewBuiltinHost(f.catalog))}, opts...)
	f.loader = New(f.reg, opts...)
	t.Cleanup(func() { f.loader.UnloadAll(context.Background()) })
	return f
}

func (f *fixture) register(t *testing.T, name, locator string) string {
	t.Helper()
	rec, err := f.reg.Register(context.Background(), registry.AgentRecord{Name: name, Locator: locator})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return rec.ID
}

// --- Unit Tests ---

func TestParseLocator(t *testing.T) {
	tests := []struct {
		in      string
		scheme  string
		ref     string
		wantErr bool
	}{
		{"builtin:echo", "builtin", "echo", false},
		{"exec:/bin/unit --flag x", "exec", "/bin/unit --flag x", false},
		{"noscheme", "", "", true},
		{":echo", "", "", true},
		{"builtin:", "", "", true},
	}
	for _, tt := range tests {
		scheme, ref, err := ParseLocator(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLocator(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if scheme != tt.scheme || ref != tt.ref {
			t.Errorf("ParseLocator(%q) = %q, %q", tt.in, scheme, ref)
		}
	}
}

func TestLoadBuiltin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo", "builtin:echo")

	if f.loader.State(id) != StateUnloaded {
		t.Errorf("State() = %s before load", f.loader.State(id))
	}

	h, err := f.loader.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !f.loader.IsLoaded(id) || f.loader.State(id) != StateLoaded {
		t.Errorf("IsLoaded = %v, State = %s", f.loader.IsLoaded(id), f.loader.State(id))
	}

	again, err := f.loader.Load(ctx, id)
	if err != nil {
		t.Fatalf("second Load error: %v", err)
	}
	if again != h {
		t.Error("Load is not idempotent")
	}

	events, err := h.Agent.Run(ctx, agent.Invocation{Content: "hi"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got, _ := agent.Collect(ctx, events)
	if agent.FinalText(got) != "echo: hi" {
		t.Errorf("reply = %q", agent.FinalText(got))
	}
}

func TestConcurrentLoadOpensOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo", "builtin:echo")

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := f.loader.Load(ctx, id)
			if err != nil {
				t.Errorf("Load error: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if got := f.opened.Load(); got != 1 {
		t.Errorf("units opened = %d, want 1", got)
	}
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("handle %d differs", i)
		}
	}
	if !f.loader.IsLoaded(id) {
		t.Error("not loaded after concurrent Load")
	}
}

func TestUnloadThenReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "echo", "builtin:echo")

	first, err := f.loader.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	scope := <-f.scopes

	ok, err := f.loader.Unload(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Unload() = %v, %v", ok, err)
	}
	if f.loader.IsLoaded(id) {
		t.Error("still loaded after Unload")
	}
	select {
	case <-scope.Done():
	default:
		t.Error("unit scope not cancelled on unload")
	}

	ok, err = f.loader.Unload(ctx, id)
	if err != nil || ok {
		t.Errorf("second Unload() = %v, %v; want false, nil", ok, err)
	}

	second, err := f.loader.Load(ctx, id)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if second == first || second.Generation <= first.Generation {
		t.Errorf("reload generation %d, first %d", second.Generation, first.Generation)
	}
	if f.opened.Load() != 2 {
		t.Errorf("units opened = %d, want 2", f.opened.Load())
	}
}

func TestLoadFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := f.register(t, "echo", "builtin:echo")
	if _, err := f.loader.Load(ctx, good); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name    string
		locator string
	}{
		{"unknown builtin", "builtin:nope"},
		{"unknown scheme", "jar:/tmp/agent.jar"},
		{"factory error", "builtin:broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := f.register(t, tt.name, tt.locator)
			_, err := f.loader.Load(ctx, id)
			if !errors.Is(err, errors.ErrCodeLoadFailed) {
				t.Fatalf("Load() error = %v, want LOAD_FAILED", err)
			}
			if f.loader.IsLoaded(id) {
				t.Error("failed agent is loaded")
			}
			if f.loader.State(id) != StateError {
				t.Errorf("State() = %s, want ERROR", f.loader.State(id))
			}
			rec, err := f.reg.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if rec.Status != registry.StatusError || rec.LastError == "" {
				t.Errorf("record status = %s (%q), want ERROR with reason", rec.Status, rec.LastError)
			}
		})
	}

	if !f.loader.IsLoaded(good) {
		t.Error("healthy agent unloaded by neighbour failures")
	}

	_, err := f.loader.Load(ctx, "never-registered")
	if !errors.Is(err, errors.ErrCodeLoadFailed) {
		t.Errorf("Load(unregistered) error = %v", err)
	}
	if f.loader.State("never-registered") != StateUnloaded {
		t.Errorf("State(unregistered) = %s", f.loader.State("never-registered"))
	}
}

type stubHost struct {
	value  any
	closed atomic.Bool
}

func (h *stubHost) Scheme() string { return "stub" }

func (h *stubHost) Open(ctx context.Context, ref string, rec *registry.AgentRecord) (Unit, error) {
	return &stubUnit{host: h}, nil
}

type stubUnit struct{ host *stubHost }

func (u *stubUnit) Lookup(name string) (any, bool) {
	if u.host.value == nil {
		return nil, false
	}
	return u.host.value, true
}

func (u *stubUnit) Close() error {
	u.host.closed.Store(true)
	return nil
}

func TestEntryPointMustBeAgent(t *testing.T) {
	for name, value := range map[string]any{"missing": nil, "wrong type": "not an agent"} {
		t.Run(name, func(t *testing.T) {
			host := &stubHost{value: value}
			f := newFixture(t, WithHost(host))
			id := f.register(t, "stub", "stub:x")

			_, err := f.loader.Load(context.Background(), id)
			if !errors.Is(err, errors.ErrCodeLoadFailed) {
				t.Fatalf("Load() error = %v, want LOAD_FAILED", err)
			}
			if !host.closed.Load() {
				t.Error("unit not closed after failed load")
			}
		})
	}
}

func TestRecoveryClearsErrorStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "late", "builtin:late")

	if _, err := f.loader.Load(ctx, id); err == nil {
		t.Fatal("expected failure before builtin exists")
	}
	f.catalog.Register("late", EchoFactory)
	if _, err := f.loader.Load(ctx, id); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	rec, _ := f.reg.Get(ctx, id)
	if rec.Status != registry.StatusActive || rec.LastError != "" {
		t.Errorf("status = %s (%q), want ACTIVE", rec.Status, rec.LastError)
	}
}

func TestAttachFollowsRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lis := listener.New(f.store, registry.DefaultChannel, nil)
	f.loader.Attach(lis)
	if err := lis.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer lis.Stop()

	id := f.register(t, "echo", "builtin:echo")
	waitFor(t, func() bool { return f.loader.IsLoaded(id) })
	gen := f.loader.GetHandle(id).Generation

	if _, err := f.reg.Update(ctx, id, registry.AgentRecord{Name: "echo v2", Locator: "builtin:echo"}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	waitFor(t, func() bool {
		h := f.loader.GetHandle(id)
		return h != nil && h.Generation > gen
	})
	if f.loader.GetHandle(id).Record.Name != "echo v2" {
		t.Errorf("reloaded record name = %q", f.loader.GetHandle(id).Record.Name)
	}

	if _, err := f.reg.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	waitFor(t, func() bool { return !f.loader.IsLoaded(id) })
}

func TestAttachLoadsRegistrationBurst(t *testing.T) {
	f := newFixture(t)
	if err := f.catalog.Register("quick", EchoFactory); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	ctx := context.Background()

	lis := listener.New(f.store, registry.DefaultChannel, nil)
	f.loader.Attach(lis)
	if err := lis.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer lis.Stop()

	const n = 400
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.register(t, fmt.Sprintf("agent %03d", i), "builtin:quick")
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(f.loader.Loaded()) < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(f.loader.Loaded()); got != n {
		t.Fatalf("loaded %d of %d registered agents", got, n)
	}

	for _, id := range ids[:n/2] {
		if _, err := f.reg.Unregister(ctx, id); err != nil {
			t.Fatalf("Unregister error: %v", err)
		}
	}
	deadline = time.Now().Add(10 * time.Second)
	for len(f.loader.Loaded()) > n/2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(f.loader.Loaded()); got != n/2 {
		t.Fatalf("%d agents loaded after unregistering half, want %d", got, n/2)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

// --- Exec Host ---

const helperEnv = "AGENTSTUDIO_HELPER_UNIT"

// TestHelperUnit is not a real test: it is the unit process spawned by the
// exec host tests.
func TestHelperUnit(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process only")
	}
	ctx := context.Background()

	switch mode {
	case "echo":
		s := &Server{Factory: EchoFactory, Version: "test"}
		s.Serve(ctx, os.Stdin, os.Stdout)
	case "noexport":
		conn := transport.NewConn(transport.NewLineFramer(os.Stdin, os.Stdout), transport.WithHandler(
			transport.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
				return UnitInfo{Name: "bad", Exports: map[string]string{EntryPoint: "function"}}, nil
			})))
		<-conn.Done()
	case "flood":
		s := &Server{Factory: func(ctx context.Context, rec *registry.AgentRecord) (agent.Agent, error) {
			return floodAgent{}, nil
		}}
		s.Serve(ctx, os.Stdin, os.Stdout)
	case "stubborn":
		// Answers initialize and ignores shutdown.
		conn := transport.NewConn(transport.NewLineFramer(os.Stdin, os.Stdout), transport.WithHandler(
			transport.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
				return UnitInfo{Name: "stubborn", Exports: map[string]string{EntryPoint: ExportAgent}}, nil
			})))
		<-conn.Done()
		select {}
	}
	os.Exit(0)
}

// floodAgent emits text events until canceled.
type floodAgent struct{}

func (floodAgent) Name() string { return "flood" }

func (floodAgent) Run(ctx context.Context, inv agent.Invocation) (<-chan agent.Event, error) {
	ch := make(chan agent.Event)
	go func() {
		defer close(ch)
		for i := 0; ; i++ {
			select {
			case ch <- agent.Text("flood", fmt.Sprint(i)):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func execLocator() string {
	return "exec:" + os.Args[0] + " -test.run=^TestHelperUnit$"
}

func TestExecHost(t *testing.T) {
	host := NewProcessHost(ProcessConfig{
		GracePeriod: time.Second,
		Env:         map[string]string{helperEnv: "echo"},
	}, nil, nil)
	f := newFixture(t, WithHost(host))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := f.register(t, "exec echo", execLocator())
	h, err := f.loader.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if h.Agent.Name() != "exec echo" {
		t.Errorf("Name() = %q", h.Agent.Name())
	}

	for _, content := range []string{"one", "two"} {
		events, err := h.Agent.Run(ctx, agent.Invocation{SessionID: "s1", Content: content})
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		got, err := agent.Collect(ctx, events)
		if err != nil {
			t.Fatalf("Collect error: %v", err)
		}
		if agent.FinalText(got) != "echo: "+content {
			t.Errorf("reply = %+v", got)
		}
	}

	ok, err := f.loader.Unload(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Unload() = %v, %v", ok, err)
	}
	unit := h.unit.(*processUnit)
	select {
	case <-unit.exited:
	default:
		t.Error("unit process still running after unload")
	}
}

func TestExecHostRejectsBadExport(t *testing.T) {
	host := NewProcessHost(ProcessConfig{
		GracePeriod: 500 * time.Millisecond,
		Env:         map[string]string{helperEnv: "noexport"},
	}, nil, nil)
	f := newFixture(t, WithHost(host))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := f.register(t, "bad", execLocator())
	_, err := f.loader.Load(ctx, id)
	if !errors.Is(err, errors.ErrCodeLoadFailed) {
		t.Fatalf("Load() error = %v, want LOAD_FAILED", err)
	}
	rec, _ := f.reg.Get(ctx, id)
	if rec.Status != registry.StatusError {
		t.Errorf("status = %s, want ERROR", rec.Status)
	}
}

func TestExecHostMissingBinary(t *testing.T) {
	f := newFixture(t, WithHost(NewProcessHost(ProcessConfig{}, nil, nil)))
	id := f.register(t, "ghost", "exec:/nonexistent/unit-binary")
	_, err := f.loader.Load(context.Background(), id)
	if !errors.Is(err, errors.ErrCodeLoadFailed) {
		t.Fatalf("Load() error = %v, want LOAD_FAILED", err)
	}
}

func TestExecUnloadWithAbandonedRun(t *testing.T) {
	host := NewProcessHost(ProcessConfig{
		GracePeriod: 2 * time.Second,
		Env:         map[string]string{helperEnv: "flood"},
	}, nil, nil)
	f := newFixture(t, WithHost(host))
	ctx := context.Background()

	id := f.register(t, "flood", execLocator())
	h, err := f.loader.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// Read one event, then stop reading without canceling.
	events, err := h.Agent.Run(ctx, agent.Invocation{SessionID: "s1", Content: "go"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	<-events
	time.Sleep(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.loader.Unload(ctx, id)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Unload blocked on an abandoned run")
	}
	if f.loader.IsLoaded(id) {
		t.Error("agent still loaded")
	}
}

func TestExecUnloadReportsKilledUnit(t *testing.T) {
	host := NewProcessHost(ProcessConfig{
		GracePeriod: 300 * time.Millisecond,
		Env:         map[string]string{helperEnv: "stubborn"},
	}, nil, nil)
	f := newFixture(t, WithHost(host))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := f.register(t, "stubborn", execLocator())
	if _, err := f.loader.Load(ctx, id); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	ok, err := f.loader.Unload(ctx, id)
	if !ok {
		t.Fatal("Unload() = false, want true")
	}
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Errorf("Unload() error = %v, want TIMEOUT", err)
	}
	if f.loader.IsLoaded(id) {
		t.Error("agent still loaded after failed close")
	}
}
