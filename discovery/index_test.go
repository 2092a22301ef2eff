package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/listener"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/router"
	"github.com/Pratyay/agent-studio/store"
)

type fixture struct {
	store store.Store
	reg   *registry.Registry
	index *Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { st.Close() })
	reg := registry.New(st)
	idx, err := New(reg, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return &fixture{store: st, reg: reg, index: idx}
}

func (f *fixture) register(t *testing.T, name, desc string, caps ...string) string {
	t.Helper()
	rec, err := f.reg.Register(context.Background(), registry.AgentRecord{
		Name:         name,
		Description:  desc,
		Capabilities: caps,
		Locator:      "builtin:echo",
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return rec.ID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- Unit Tests ---

func TestRebuildAndSearch(t *testing.T) {
	f := newFixture(t)
	weather := f.register(t, "Weather Bot", "Forecasts rain and sunshine", "weather")
	math := f.register(t, "Math Tutor", "Solves algebra homework", "math")

	n, err := f.index.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}
	if n != 2 {
		t.Errorf("Rebuild() = %d, want 2", n)
	}

	ids, err := f.index.Search("forecasts", 5)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(ids) != 1 || ids[0] != weather {
		t.Errorf("Search(forecasts) = %v, want [%s]", ids, weather)
	}

	ids, _ = f.index.Search("algebra", 5)
	if len(ids) != 1 || ids[0] != math {
		t.Errorf("Search(algebra) = %v, want [%s]", ids, math)
	}

	ids, _ = f.index.Search("tutr", 5)
	if len(ids) != 1 || ids[0] != math {
		t.Errorf("fuzzy Search(tutr) = %v, want [%s]", ids, math)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t)
	if _, err := f.index.Search("  ", 5); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Search(\"\") = %v, want INVALID_INPUT", err)
	}
}

func TestAttachFollowsRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lis := listener.New(f.store, registry.DefaultChannel, nil)
	f.index.Attach(lis)
	if err := lis.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer lis.Stop()

	id := f.register(t, "Translator", "Translates French", "translation")
	waitFor(t, func() bool {
		ids, _ := f.index.Search("french", 5)
		return len(ids) == 1 && ids[0] == id
	})

	if _, err := f.reg.Update(ctx, id, registry.AgentRecord{
		Name: "Translator", Description: "Translates German", Locator: "builtin:echo",
	}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	waitFor(t, func() bool {
		ids, _ := f.index.Search("german", 5)
		return len(ids) == 1
	})

	if _, err := f.reg.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	waitFor(t, func() bool {
		n, _ := f.index.Count()
		return n == 0
	})
}

func TestMatcherFallsBackToSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Weather Bot", "Forecasts rain and sunshine", "weather")
	chef := f.register(t, "Chef", "Suggests recipes for dinner", "cooking")
	if _, err := f.index.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}
	candidates, _ := f.reg.List(ctx, nil)

	m := f.index.Matcher(router.KeywordMatcher{})
	if id, ok := m.Match("what should I make for dinner?", candidates); !ok || id != chef {
		t.Errorf("Match(dinner) = %q, %v, want %q", id, ok, chef)
	}
	if _, ok := m.Match("tell me about quantum physics", candidates); ok {
		t.Error("Match(unrelated) matched an agent")
	}
	if _, ok := m.Match("dinner", candidates[1:]); ok {
		t.Error("Match() returned an agent outside the candidates")
	}
}
