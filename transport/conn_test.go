package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	agenterrors "github.com/Pratyay/agent-studio/errors"
)

// pipePair returns two connected line framers.
func pipePair() (Framer, Framer) {
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	return NewLineFramer(aR, aW), NewLineFramer(bR, bW)
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case "echo":
			var p struct{ Text string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return map[string]string{"text": p.Text}, nil
		case "fail":
			return nil, agenterrors.NotFound("no such agent", agenterrors.WithAgentID("a1"))
		case "rpcfail":
			return nil, &Error{Code: InvalidParams, Message: "bad"}
		}
		return nil, &Error{Code: MethodNotFound, Message: "Method not found"}
	})
}

// --- Unit Tests ---

func TestConnCall(t *testing.T) {
	a, b := pipePair()
	server := NewConn(b, WithHandler(echoHandler()))
	defer server.Close()
	client := NewConn(a)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out struct{ Text string }
	if err := client.Call(ctx, "echo", map[string]string{"text": "hello"}, &out); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if out.Text != "hello" {
		t.Errorf("result = %q, want hello", out.Text)
	}
}

func TestConnCallErrors(t *testing.T) {
	a, b := pipePair()
	server := NewConn(b, WithHandler(echoHandler()))
	defer server.Close()
	client := NewConn(a)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Call(ctx, "fail", nil, nil)
	if !agenterrors.Is(err, agenterrors.ErrCodeNotFound) {
		t.Fatalf("Call(fail) error = %v, want NOT_FOUND", err)
	}
	ae, _ := agenterrors.As(err)
	if ae.AgentID() != "a1" {
		t.Errorf("AgentID() = %q, want a1", ae.AgentID())
	}

	err = client.Call(ctx, "rpcfail", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != InvalidParams {
		t.Errorf("Call(rpcfail) error = %v, want InvalidParams", err)
	}

	err = client.Call(ctx, "unknown", nil, nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != MethodNotFound {
		t.Errorf("Call(unknown) error = %v, want MethodNotFound", err)
	}
}

func TestConnConcurrentCalls(t *testing.T) {
	a, b := pipePair()
	server := NewConn(b, WithHandler(echoHandler()))
	defer server.Close()
	client := NewConn(a)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("msg-%d", i)
			var out struct{ Text string }
			if err := client.Call(ctx, "echo", map[string]string{"text": want}, &out); err != nil {
				t.Errorf("Call %d error: %v", i, err)
				return
			}
			if out.Text != want {
				t.Errorf("Call %d = %q, want %q", i, out.Text, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestConnNotifications(t *testing.T) {
	a, b := pipePair()
	got := make(chan string, 4)
	server := NewConn(b, WithNotificationHandler(func(msg *Message) {
		got <- msg.Method
	}))
	defer server.Close()
	client := NewConn(a)
	defer client.Close()

	client.Notify("run/event", map[string]string{"kind": "text"})
	client.Notify("shutdown", nil)

	for _, want := range []string{"run/event", "shutdown"} {
		select {
		case m := <-got:
			if m != want {
				t.Errorf("notification = %q, want %q", m, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %q not delivered", want)
		}
	}
}

func TestConnPeerClosedFailsPending(t *testing.T) {
	a, b := pipePair()
	block := make(chan struct{})
	server := NewConn(b, WithHandler(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		<-block
		return nil, nil
	})))
	client := NewConn(a)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(context.Background(), "hang", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	close(block)
	server.Close()

	select {
	case err := <-errCh:
		// The handler may answer before the close lands.
		if err != nil && !errors.Is(err, ErrClosed) && !agenterrors.Is(err, agenterrors.ErrCodeTransport) {
			t.Errorf("Call error = %v, want closed or transport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not done after peer close")
	}
	if err := client.Call(context.Background(), "echo", nil, nil); err == nil {
		t.Error("Call after close succeeded")
	}
}

func TestConnCallContextCancel(t *testing.T) {
	a, b := pipePair()
	server := NewConn(b, WithHandler(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	defer server.Close()
	client := NewConn(a)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Call(ctx, "slow", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call error = %v, want deadline exceeded", err)
	}
}

func TestWebSocketFramer(t *testing.T) {
	upgrader := NewWebSocketUpgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(NewWebSocketFramer(ws, DefaultWebSocketConfig()), WithHandler(echoHandler()))
		<-conn.Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	client := NewConn(NewWebSocketFramer(ws, WebSocketConfig{}))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out struct{ Text string }
	if err := client.Call(ctx, "echo", map[string]string{"text": "over ws"}, &out); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if out.Text != "over ws" {
		t.Errorf("result = %q", out.Text)
	}
}

func TestConnCallWithID(t *testing.T) {
	a, b := pipePair()
	release := make(chan struct{})
	server := NewConn(b, WithHandler(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		if method == "wait" {
			<-release
		}
		return "ok", nil
	})))
	defer server.Close()
	client := NewConn(a)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := make(chan error, 1)
	go func() {
		first <- client.CallWithID(ctx, "corr-1", "wait", nil, nil)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		_, inFlight := client.pending["corr-1"]
		client.mu.Unlock()
		if inFlight {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := client.CallWithID(ctx, "corr-1", "other", nil, nil)
	if !agenterrors.Is(err, agenterrors.ErrCodeInvalidInput) {
		t.Errorf("duplicate CallWithID error = %v, want INVALID_INPUT", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("CallWithID error: %v", err)
	}
}
