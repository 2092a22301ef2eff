package a2a

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/transport"
)

// WebSocketDialer connects with JSON-RPC over WebSocket.
type WebSocketDialer struct {
	Client ClientInfo

	// Path is appended to the agent URL. Default: "/ws".
	Path string

	Header http.Header
	Config transport.WebSocketConfig
	Logger *logging.Logger
}

// NewWebSocketDialer creates a dialer with defaults.
func NewWebSocketDialer(client ClientInfo, logger *logging.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		Client: client,
		Path:   "/ws",
		Config: transport.DefaultWebSocketConfig(),
		Logger: logger,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, error) {
	target, err := websocketURL(rec.URL, d.Path)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, d.Header)
	if err != nil {
		return nil, errors.Transport("websocket dial failed", errors.WithCause(err),
			errors.WithAgentID(rec.ID), errors.WithMetadata("url", target))
	}

	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	t := &WebSocketTransport{
		client:  d.Client,
		events:  make(chan Event, 64),
		closing: make(chan struct{}),
		logger:  logger.WithComponent("a2a.websocket"),
	}
	t.conn = transport.NewConn(
		transport.NewWebSocketFramer(ws, d.Config),
		transport.WithNotificationHandler(t.onNotify),
		transport.WithConnLogger(t.logger),
	)
	go func() {
		<-t.conn.Done()
		close(t.events)
	}()
	return t, nil
}

func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.InvalidInput("bad remote agent url", errors.WithCause(err))
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.InvalidInput("unsupported url scheme for websocket", errors.WithMetadata("url", base))
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// WebSocketTransport is a Transport over a JSON-RPC WebSocket connection.
// Outbound messages use the correlation id as request id and the remote
// echoes it on every event.
type WebSocketTransport struct {
	client ClientInfo
	conn   *transport.Conn
	events chan Event
	logger *logging.Logger

	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (t *WebSocketTransport) onNotify(msg *transport.Message) {
	if msg.Method != MethodEvent {
		t.logger.Debug("ignoring notification", map[string]interface{}{"method": msg.Method})
		return
	}
	ev, err := DecodeEvent(msg.Params)
	if err != nil {
		t.logger.Warn("dropping malformed event", map[string]interface{}{"error": err})
		return
	}
	select {
	case t.events <- ev:
	case <-t.closing:
	}
}

// Handshake implements Transport.
func (t *WebSocketTransport) Handshake(ctx context.Context) (*Card, error) {
	var card Card
	if err := t.conn.Call(ctx, MethodHandshake, t.client, &card); err != nil {
		return nil, errors.Wrap(err, "handshake failed")
	}
	return &card, nil
}

// Send implements Transport.
func (t *WebSocketTransport) Send(ctx context.Context, msg *OutboundMessage) error {
	params := SendParams{CorrelationID: msg.CorrelationID, Message: userMessage(msg.Text)}
	var ack SendAck
	if err := t.conn.CallWithID(ctx, msg.CorrelationID, MethodSend, params, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return errors.New(errors.ErrCodeUnavailable, "remote agent rejected message")
	}
	return nil
}

// Events implements Transport.
func (t *WebSocketTransport) Events() <-chan Event {
	return t.events
}

// EchoesCorrelation implements Transport.
func (t *WebSocketTransport) EchoesCorrelation() bool {
	return true
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
