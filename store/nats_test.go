//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

// --- Integration Tests ---

func TestNATSStore(t *testing.T) {
	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		conn, err := nats.Connect(getNATSURL())
		if err != nil {
			t.Skipf("NATS not available: %v", err)
		}
		n++
		s, err := NewNATSStore(context.Background(), NATSConfig{
			Conn:   conn,
			Bucket: fmt.Sprintf("test-store-%d-%d", time.Now().UnixNano(), n),
		})
		if err != nil {
			conn.Close()
			t.Fatalf("NewNATSStore error: %v", err)
		}
		t.Cleanup(func() {
			s.Close()
			conn.Close()
		})
		return s
	})
}

func TestNATSStore_SlowSubscriberKeepsEveryMessage(t *testing.T) {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	s, err := NewNATSStore(ctx, NATSConfig{
		Config: Config{BufferSize: 1},
		Conn:   conn,
		Bucket: fmt.Sprintf("test-slow-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("NewNATSStore error: %v", err)
	}
	defer s.Close()

	sub, err := s.Subscribe(ctx, "agent:updates")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		if err := s.Publish(ctx, "agent:updates", fmt.Sprint(i)); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case msg := <-sub.Messages():
			if msg.Payload != fmt.Sprint(i) {
				t.Fatalf("message %d = %q", i, msg.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
}
