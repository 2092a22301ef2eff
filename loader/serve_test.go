package loader

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/transport"
)

func TestServe(t *testing.T) {
	hostR, unitW := io.Pipe()
	unitR, hostW := io.Pipe()

	slow := &agent.Func{AgentName: "slow", Reply: func(ctx context.Context, inv agent.Invocation) (string, error) {
		if inv.Content == "wait" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done: " + inv.Content, nil
	}}

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), slow, unitR, unitW)
	}()

	events := make(chan transport.Message, 16)
	host := transport.NewConn(transport.NewLineFramer(hostR, hostW),
		transport.WithNotificationHandler(func(msg *transport.Message) {
			events <- *msg
		}))
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var info UnitInfo
	if err := host.Call(ctx, MethodInitialize, InitializeParams{AgentID: "a1", Name: "ignored"}, &info); err != nil {
		t.Fatalf("initialize error: %v", err)
	}
	if info.Name != "slow" || info.Exports[EntryPoint] != ExportAgent {
		t.Errorf("UnitInfo = %+v", info)
	}

	if err := host.Call(ctx, MethodRun, RunParams{RunID: "r1", Invocation: agent.Invocation{Content: "x"}}, nil); err != nil {
		t.Fatalf("run error: %v", err)
	}
	ev := next(t, events)
	var p RunEventParams
	ev.DecodeParams(&p)
	if ev.Method != NotifyRunEvent || p.RunID != "r1" || p.Event.Text != "done: x" {
		t.Errorf("event = %s %+v", ev.Method, p)
	}
	if done := next(t, events); done.Method != NotifyRunDone {
		t.Errorf("expected run/done, got %s", done.Method)
	}

	if err := host.Call(ctx, MethodRun, RunParams{RunID: "r2", Invocation: agent.Invocation{Content: "wait"}}, nil); err != nil {
		t.Fatalf("run error: %v", err)
	}
	host.Notify(MethodCancel, CancelParams{RunID: "r2"})
	ev = next(t, events)
	ev.DecodeParams(&p)
	if p.RunID != "r2" || p.Event.Kind != agent.EventError {
		t.Errorf("cancelled run event = %+v", p)
	}
	next(t, events)

	host.Notify(MethodShutdown, nil)
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestServeRunBeforeInitialize(t *testing.T) {
	hostR, unitW := io.Pipe()
	unitR, hostW := io.Pipe()
	go Serve(context.Background(), &agent.Func{AgentName: "x"}, unitR, unitW)

	host := transport.NewConn(transport.NewLineFramer(hostR, hostW))
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := host.Call(ctx, MethodRun, RunParams{RunID: "r"}, nil); err == nil {
		t.Error("run before initialize succeeded")
	}
	host.Notify(MethodShutdown, nil)
}

func next(t *testing.T, ch <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return transport.Message{}
	}
}
