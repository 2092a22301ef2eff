package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
)

// SSEDialer connects to agents that stream events over server-sent events
// and accept messages by HTTP POST.
type SSEDialer struct {
	Client     ClientInfo
	HTTPClient *http.Client

	// Paths relative to the agent URL.
	EventsPath    string
	MessagesPath  string
	HandshakePath string

	// Stream is the SSE stream name requested on subscribe.
	Stream string

	// ConnectTimeout bounds waiting for the event stream to open.
	ConnectTimeout time.Duration

	Logger *logging.Logger
}

// NewSSEDialer creates a dialer with defaults.
func NewSSEDialer(client ClientInfo, logger *logging.Logger) *SSEDialer {
	return &SSEDialer{
		Client:         client,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		EventsPath:     "/events",
		MessagesPath:   "/messages",
		HandshakePath:  "/handshake",
		Stream:         "events",
		ConnectTimeout: 10 * time.Second,
		Logger:         logger,
	}
}

// Dial implements Dialer. It returns once the event stream is open.
func (d *SSEDialer) Dial(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	base := strings.TrimSuffix(rec.URL, "/")

	subCtx, cancel := context.WithCancel(context.Background())
	t := &SSETransport{
		base:   base,
		dialer: d,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: logger.WithComponent("a2a.sse"),
	}

	opened := make(chan struct{})
	var openOnce sync.Once

	client := sse.NewClient(base + d.EventsPath)
	client.ResponseValidator = func(c *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
		}
		openOnce.Do(func() { close(opened) })
		return nil
	}
	client.OnDisconnect(func(c *sse.Client) {
		cancel()
	})
	retryErr := make(chan error, 1)
	client.ReconnectNotify = func(err error, _ time.Duration) {
		select {
		case retryErr <- err:
		default:
		}
		cancel()
	}

	go func() {
		defer close(t.done)
		defer close(t.events)
		err := client.SubscribeWithContext(subCtx, d.Stream, func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			ev, err := DecodeEvent(msg.Data)
			if err != nil {
				t.logger.Warn("dropping malformed event", map[string]interface{}{"error": err})
				return
			}
			select {
			case t.events <- ev:
			case <-subCtx.Done():
			}
		})
		if err != nil && subCtx.Err() == nil {
			t.logger.Warn("event stream ended", map[string]interface{}{"error": err})
		}
	}()

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-opened:
		return t, nil
	case err := <-retryErr:
		t.Close()
		return nil, errors.Transport("opening event stream failed", errors.WithCause(err), errors.WithAgentID(rec.ID))
	case <-t.done:
		return nil, errors.Transport("event stream closed during connect", errors.WithAgentID(rec.ID))
	case <-timer.C:
		t.Close()
		return nil, errors.Transport("timed out opening event stream", errors.WithAgentID(rec.ID))
	case <-ctx.Done():
		t.Close()
		return nil, errors.Transport("dial canceled", errors.WithCause(ctx.Err()), errors.WithAgentID(rec.ID))
	}
}

// SSETransport receives events over SSE and sends over HTTP POST. The
// remote does not echo correlation ids.
type SSETransport struct {
	base   string
	dialer *SSEDialer
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	logger *logging.Logger
}

func (t *SSETransport) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.dialer.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Transport("POST "+path+" failed", errors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Transport(fmt.Sprintf("POST %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Transport("decoding response of POST "+path, errors.WithCause(err))
	}
	return nil
}

// Handshake implements Transport.
func (t *SSETransport) Handshake(ctx context.Context) (*Card, error) {
	var card Card
	if err := t.post(ctx, t.dialer.HandshakePath, t.dialer.Client, &card); err != nil {
		return nil, errors.Wrap(err, "handshake failed")
	}
	return &card, nil
}

// Send implements Transport.
func (t *SSETransport) Send(ctx context.Context, msg *OutboundMessage) error {
	select {
	case <-t.done:
		return errors.Transport("event stream closed")
	default:
	}
	return t.post(ctx, t.dialer.MessagesPath, SendParams{Message: userMessage(msg.Text)}, nil)
}

// Events implements Transport.
func (t *SSETransport) Events() <-chan Event {
	return t.events
}

// EchoesCorrelation implements Transport.
func (t *SSETransport) EchoesCorrelation() bool {
	return false
}

// Close implements Transport.
func (t *SSETransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}
