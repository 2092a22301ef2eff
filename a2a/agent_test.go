package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/store"
	"github.com/Pratyay/agent-studio/transport"
)

// step is one scripted event a fake agent emits after a delay.
type step struct {
	delay time.Duration
	ev    Event
}

// responder scripts the reply to one user message.
type responder func(text string) []step

// replyAfter answers every message with "reply: <text>" after d.
func replyAfter(d time.Duration) responder {
	return func(text string) []step {
		return []step{{delay: d, ev: MessageEvent("", "agent", "reply: "+text)}}
	}
}

// fakeAgent is a remote agent serving a card, a JSON-RPC WebSocket
// endpoint and an SSE endpoint.
type fakeAgent struct {
	t       *testing.T
	name    string
	respond responder
	srv     *httptest.Server
	events  *sse.Server

	wsDials   atomic.Int32
	closeOnce sync.Once

	mu    sync.Mutex
	conns []*transport.Conn
}

func newFakeAgent(t *testing.T, name, preferred string, respond responder) *fakeAgent {
	t.Helper()
	a := &fakeAgent{t: t, name: name, respond: respond}

	a.events = sse.New()
	a.events.AutoReplay = false
	a.events.CreateStream("events")

	mux := http.NewServeMux()
	mux.HandleFunc(WellKnownCardPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.card(preferred))
	})
	mux.HandleFunc("/ws", a.serveWS)
	mux.HandleFunc("/events", a.events.ServeHTTP)
	mux.HandleFunc("/handshake", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(a.card(preferred))
	})
	mux.HandleFunc("/messages", a.serveMessage)

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

func (a *fakeAgent) URL() string { return a.srv.URL }

func (a *fakeAgent) card(preferred string) Card {
	return Card{
		Name:               a.name,
		Description:        "test agent",
		URL:                a.srv.URL,
		Version:            "1.0.0",
		ProtocolVersion:    "0.3.0",
		Capabilities:       CardCapabilities{Streaming: true},
		Skills:             []CardSkill{{ID: "echo", Name: "Echo", Tags: []string{"echo", "test"}}},
		PreferredTransport: preferred,
	}
}

// Close drops every live connection and stops the server.
func (a *fakeAgent) Close() {
	a.closeOnce.Do(func() {
		a.dropConnections()
		a.events.Close()
		a.srv.CloseClientConnections()
		a.srv.Close()
	})
}

// dropConnections closes server-side WebSocket connections.
func (a *fakeAgent) dropConnections() {
	a.mu.Lock()
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (a *fakeAgent) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.NewWebSocketUpgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.wsDials.Add(1)

	ready := make(chan struct{})
	var conn *transport.Conn
	handler := transport.HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case MethodHandshake:
			return a.card(TransportWebSocket), nil
		case MethodSend:
			var p SendParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			go func() {
				<-ready
				a.play(p, func(ev Event) { conn.Notify(MethodEvent, ev) })
			}()
			return SendAck{Accepted: true}, nil
		}
		return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found"}
	})
	conn = transport.NewConn(transport.NewWebSocketFramer(ws, transport.DefaultWebSocketConfig()), transport.WithHandler(handler))
	close(ready)

	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	<-conn.Done()
}

func (a *fakeAgent) serveMessage(w http.ResponseWriter, r *http.Request) {
	var p SendParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	go a.play(p, func(ev Event) {
		ev.CorrelationID = ""
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		a.events.Publish("events", &sse.Event{Data: data})
	})
	w.WriteHeader(http.StatusAccepted)
}

// play emits the scripted reply to p, stamping the correlation id.
func (a *fakeAgent) play(p SendParams, emit func(Event)) {
	text := p.Message.Text()
	if text == "die" {
		a.dropConnections()
		return
	}
	for _, s := range a.respond(text) {
		time.Sleep(s.delay)
		ev := s.ev
		ev.CorrelationID = p.CorrelationID
		emit(ev)
	}
}

// newTestCorrelator returns a correlator with both dialers over a memory
// backed remote store.
func newTestCorrelator(t *testing.T, opts ...Option) (*Correlator, *registry.RemoteStore) {
	t.Helper()
	st := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { st.Close() })
	records := registry.NewRemoteStore(st)

	sseDialer := NewSSEDialer(DefaultClientInfo(), nil)
	sseDialer.ConnectTimeout = 2 * time.Second
	opts = append([]Option{
		WithDialer(TransportWebSocket, NewWebSocketDialer(DefaultClientInfo(), nil)),
		WithDialer(TransportSSE, sseDialer),
	}, opts...)
	corr := NewCorrelator(records, opts...)
	t.Cleanup(func() { corr.Close() })
	return corr, records
}

// saveAgent stores the record for a fake agent and returns it.
func saveAgent(t *testing.T, records *registry.RemoteStore, a *fakeAgent, transports ...string) *registry.RemoteAgentRecord {
	t.Helper()
	card := a.card("")
	rec := card.Record(a.URL())
	rec.Transports = transports
	saved, err := records.Save(context.Background(), rec)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	return saved
}
