package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreSuite exercises the record store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "agent:missing"); err != ErrNotFound {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SetGetDel", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, "agent:a1", []byte(`{"id":"a1"}`)); err != nil {
			t.Fatalf("Set error: %v", err)
		}
		got, err := s.Get(ctx, "agent:a1")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if string(got) != `{"id":"a1"}` {
			t.Errorf("Get() = %s", got)
		}

		if err := s.Set(ctx, "agent:a1", []byte(`{"id":"a1","v":2}`)); err != nil {
			t.Fatalf("Set overwrite error: %v", err)
		}
		got, _ = s.Get(ctx, "agent:a1")
		if string(got) != `{"id":"a1","v":2}` {
			t.Errorf("Get() after overwrite = %s", got)
		}

		existed, err := s.Del(ctx, "agent:a1")
		if err != nil || !existed {
			t.Fatalf("Del() = %v, %v; want true, nil", existed, err)
		}
		existed, err = s.Del(ctx, "agent:a1")
		if err != nil || existed {
			t.Fatalf("second Del() = %v, %v; want false, nil", existed, err)
		}
	})

	t.Run("Sets", func(t *testing.T) {
		s := newStore(t)
		members, err := s.MembersOf(ctx, "agents:list")
		if err != nil {
			t.Fatalf("MembersOf error: %v", err)
		}
		if len(members) != 0 {
			t.Errorf("empty set has %d members", len(members))
		}

		for _, m := range []string{"b", "a", "c", "a"} {
			if err := s.AddToSet(ctx, "agents:list", m); err != nil {
				t.Fatalf("AddToSet error: %v", err)
			}
		}
		if err := s.RemoveFromSet(ctx, "agents:list", "c"); err != nil {
			t.Fatalf("RemoveFromSet error: %v", err)
		}
		if err := s.RemoveFromSet(ctx, "agents:list", "never"); err != nil {
			t.Fatalf("RemoveFromSet absent error: %v", err)
		}

		members, _ = s.MembersOf(ctx, "agents:list")
		if fmt.Sprint(members) != "[a b]" {
			t.Errorf("MembersOf() = %v, want [a b]", members)
		}
	})

	t.Run("ConcurrentAddToSet", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.AddToSet(ctx, "tools:list", fmt.Sprintf("t%02d", i)); err != nil {
					t.Errorf("AddToSet error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		members, _ := s.MembersOf(ctx, "tools:list")
		if len(members) != 20 {
			t.Errorf("got %d members, want 20", len(members))
		}
	})

	t.Run("PublishSubscribe", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, "agent:updates")
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		defer sub.Unsubscribe()

		want := []string{"REGISTERED:a", "UPDATED:a", "UNREGISTERED:a"}
		for _, m := range want {
			if err := s.Publish(ctx, "agent:updates", m); err != nil {
				t.Fatalf("Publish error: %v", err)
			}
		}
		if err := s.Publish(ctx, "other:channel", "ignored"); err != nil {
			t.Fatalf("Publish error: %v", err)
		}

		for _, w := range want {
			select {
			case msg := <-sub.Messages():
				if msg.Payload != w || msg.Channel != "agent:updates" {
					t.Errorf("got %s/%s, want agent:updates/%s", msg.Channel, msg.Payload, w)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", w)
			}
		}
	})

	t.Run("UnsubscribeClosesChannel", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, "agent:updates")
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("Unsubscribe error: %v", err)
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("second Unsubscribe error: %v", err)
		}
		select {
		case _, ok := <-sub.Messages():
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed")
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, "", nil); err != ErrInvalidKey {
			t.Errorf("Set(\"\") error = %v, want ErrInvalidKey", err)
		}
		if err := s.Publish(ctx, "bad channel", "x"); err != ErrInvalidChannel {
			t.Errorf("Publish() error = %v, want ErrInvalidChannel", err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
		if err := s.Set(ctx, "k", []byte("v")); err != ErrClosed {
			t.Errorf("Set after Close error = %v, want ErrClosed", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close error: %v", err)
		}
	})
}

// --- Unit Tests ---

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s := NewMemoryStore(DefaultConfig())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(SQLiteConfig{Path: t.TempDir() + "/records.db"})
		if err != nil {
			t.Fatalf("NewSQLiteStore error: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Durable(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/durable.db"

	s, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	s.Set(ctx, "agent:a1", []byte("v1"))
	s.AddToSet(ctx, "agents:list", "a1")
	s.Close()

	reopened, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "agent:a1")
	if err != nil || string(got) != "v1" {
		t.Errorf("Get() = %q, %v; want v1", got, err)
	}
	members, _ := reopened.MembersOf(ctx, "agents:list")
	if len(members) != 1 || members[0] != "a1" {
		t.Errorf("MembersOf() = %v", members)
	}
}

func TestMemoryStore_ValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultConfig())
	defer s.Close()

	buf := []byte("original")
	s.Set(ctx, "k", buf)
	buf[0] = 'X'

	got, _ := s.Get(ctx, "k")
	if string(got) != "original" {
		t.Errorf("stored value mutated through caller slice: %s", got)
	}
}

func TestMemoryStore_FullBufferBlocksPublisher(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Config{BufferSize: 1})
	defer s.Close()

	sub, _ := s.Subscribe(ctx, "c")
	if err := s.Publish(ctx, "c", "1"); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	published := make(chan error, 1)
	go func() { published <- s.Publish(ctx, "c", "2") }()

	select {
	case err := <-published:
		t.Fatalf("Publish returned %v with a full buffer", err)
	case <-time.After(50 * time.Millisecond):
	}

	for _, want := range []string{"1", "2"} {
		select {
		case msg := <-sub.Messages():
			if msg.Payload != want {
				t.Errorf("Payload = %q, want %q", msg.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	if err := <-published; err != nil {
		t.Errorf("Publish error: %v", err)
	}
	if s.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", s.Dropped())
	}
}

func TestMemoryStore_FullBufferPublishCanceled(t *testing.T) {
	s := NewMemoryStore(Config{BufferSize: 1})
	defer s.Close()

	s.Subscribe(context.Background(), "c")
	s.Publish(context.Background(), "c", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Publish(ctx, "c", "2"); err == nil {
		t.Fatal("Publish() error = nil, want deadline error")
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestMemoryStore_UnsubscribeReleasesPublisher(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Config{BufferSize: 1})
	defer s.Close()

	sub, _ := s.Subscribe(ctx, "c")
	s.Publish(ctx, "c", "1")

	published := make(chan error, 1)
	go func() { published <- s.Publish(ctx, "c", "2") }()
	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()

	select {
	case err := <-published:
		if err != nil {
			t.Errorf("Publish error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish still blocked after Unsubscribe")
	}
}

func TestKVKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"agent:abc-123", "agent.abc-123", false},
		{"a2a:agent:x", "a2a.agent.x", false},
		{"agents:list", "agents.list", false},
		{"agent:", "", true},
		{"bad key", "", true},
		{"agent:a*b", "", true},
	}
	for _, tt := range tests {
		got, err := kvKey(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("kvKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("kvKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
