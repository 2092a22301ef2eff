package a2a

import (
	"context"

	"github.com/Pratyay/agent-studio/registry"
)

// Wire methods of the JSON-RPC binding.
const (
	MethodHandshake = "agent/handshake"
	MethodSend      = "message/send"
	MethodEvent     = "message/event"
)

// OutboundMessage is a user turn sent to a remote agent.
type OutboundMessage struct {
	CorrelationID string
	Text          string
}

// ClientInfo identifies this directory during the handshake.
type ClientInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	ContentTypes []string `json:"contentTypes"`
}

// DefaultClientInfo returns the identity used when none is configured.
func DefaultClientInfo() ClientInfo {
	return ClientInfo{
		Name:         "agent-studio",
		Version:      "dev",
		ContentTypes: []string{"text/plain"},
	}
}

// SendParams is the body of an outbound message.
type SendParams struct {
	CorrelationID string  `json:"correlationId,omitempty"`
	Message       Message `json:"message"`
}

// SendAck acknowledges an outbound message. The reply arrives as events.
type SendAck struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"taskId,omitempty"`
}

// Transport is a connection to one remote agent.
type Transport interface {
	// Handshake exchanges identities and returns the remote card.
	Handshake(ctx context.Context) (*Card, error)

	// Send delivers an outbound message.
	Send(ctx context.Context, msg *OutboundMessage) error

	// Events yields the remote event stream. It is closed when the
	// connection ends.
	Events() <-chan Event

	// EchoesCorrelation reports whether events carry the correlation id
	// of the message they answer.
	EchoesCorrelation() bool

	Close() error
}

// Dialer opens a Transport to a remote agent.
type Dialer interface {
	Dial(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, error) {
	return f(ctx, rec)
}

func userMessage(text string) Message {
	return Message{Role: "user", Parts: []Part{TextPart(text)}}
}
