package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/store"
)

func TestDeriveRemoteID(t *testing.T) {
	id := DeriveRemoteID("Weather Bot 2.0!", "http://weather.example:9000")
	if !strings.HasPrefix(id, "weather-bot-2-0-") {
		t.Errorf("DeriveRemoteID() = %q, want prefix weather-bot-2-0-", id)
	}
	if len(id) != len("weather-bot-2-0-")+8 {
		t.Errorf("DeriveRemoteID() = %q, want 8 hex suffix", id)
	}
	if again := DeriveRemoteID("Weather Bot 2.0!", "http://weather.example:9000"); again != id {
		t.Errorf("DeriveRemoteID() not stable: %q vs %q", again, id)
	}
	if other := DeriveRemoteID("Weather Bot 2.0!", "http://other.example"); other == id {
		t.Error("different URLs produced the same id")
	}
	if got := DeriveRemoteID("***", "u"); !strings.HasPrefix(got, "agent-") {
		t.Errorf("DeriveRemoteID(symbols) = %q, want agent- prefix", got)
	}
}

func TestRemoteStoreLifecycle(t *testing.T) {
	st := store.NewMemoryStore(store.DefaultConfig())
	defer st.Close()
	rs := NewRemoteStore(st)
	ctx := context.Background()

	rec, err := rs.Save(ctx, RemoteAgentRecord{
		ID:     "weather-1234abcd",
		Name:   "Weather",
		URL:    "http://weather.example",
		Skills: []Skill{{ID: "fc", Name: "forecast", Tags: []string{"Weather", "forecast"}}},
	})
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if rec.Status != RemoteConnected {
		t.Errorf("Status = %q, want CONNECTED", rec.Status)
	}
	if tags := rec.Tags(); len(tags) != 2 || tags[0] != "forecast" || tags[1] != "weather" {
		t.Errorf("Tags() = %v", tags)
	}

	if err := rs.SetStatus(ctx, rec.ID, RemoteDisconnected); err != nil {
		t.Fatalf("SetStatus error: %v", err)
	}
	got, err := rs.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != RemoteDisconnected {
		t.Errorf("Status = %q, want DISCONNECTED", got.Status)
	}

	list, err := rs.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %d, %v", len(list), err)
	}

	ok, err := rs.Delete(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if _, err := rs.Get(ctx, rec.ID); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("Get after Delete error = %v, want NOT_FOUND", err)
	}
	if err := rs.SetStatus(ctx, rec.ID, RemoteConnected); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("SetStatus after Delete error = %v, want NOT_FOUND", err)
	}
}
