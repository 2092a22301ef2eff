// Package agent defines the contract every executable agent unit fulfils.
//
// An Agent takes an Invocation and produces a finite stream of Events.
// The stream is closed when the run ends; the last event of a successful
// run is EventFinal.
package agent

import (
	"context"
	"strings"
)

// Agent is a runnable agent.
type Agent interface {
	// Name identifies the agent in logs.
	Name() string

	// Run starts a run. The returned channel is closed when the run ends.
	// Cancelling ctx aborts the run.
	Run(ctx context.Context, inv Invocation) (<-chan Event, error)
}

// Closer is implemented by agents that hold resources.
type Closer interface {
	Close() error
}

// Invocation is one user request.
type Invocation struct {
	ID        string `json:"invocation_id,omitempty"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// EventKind discriminates Event.
type EventKind string

const (
	// EventText is a partial or intermediate text chunk.
	EventText EventKind = "text"

	// EventFinal carries the final response of a run.
	EventFinal EventKind = "final"

	// EventError reports a failed run. No events follow it.
	EventError EventKind = "error"

	// EventReplaced carries a response substituted by a callback.
	EventReplaced EventKind = "replaced"
)

// Event is one element of a run's output stream.
type Event struct {
	Kind   EventKind `json:"kind"`
	Author string    `json:"author,omitempty"`
	Text   string    `json:"text,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Text builds an EventText.
func Text(author, text string) Event {
	return Event{Kind: EventText, Author: author, Text: text}
}

// Final builds an EventFinal.
func Final(author, text string) Event {
	return Event{Kind: EventFinal, Author: author, Text: text}
}

// Failed builds an EventError from err.
func Failed(author string, err error) Event {
	return Event{Kind: EventError, Author: author, Error: err.Error()}
}

// Replaced builds an EventReplaced.
func Replaced(author, text string) Event {
	return Event{Kind: EventReplaced, Author: author, Text: text}
}

// IsTerminal reports whether no more events follow e.
func (e Event) IsTerminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}

// Collect drains a stream and returns its events. It stops early when ctx
// is done.
func Collect(ctx context.Context, events <-chan Event) ([]Event, error) {
	var out []Event
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		}
	}
}

// FinalText returns the text of the last final or replaced event, falling
// back to the concatenated text chunks.
func FinalText(events []Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventFinal || events[i].Kind == EventReplaced {
			return events[i].Text
		}
	}
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

// Func adapts a function returning a single reply into an Agent.
type Func struct {
	AgentName string
	Reply     func(ctx context.Context, inv Invocation) (string, error)
}

// Name implements Agent.
func (f *Func) Name() string {
	return f.AgentName
}

// Run implements Agent. It emits a final event or an error event.
func (f *Func) Run(ctx context.Context, inv Invocation) (<-chan Event, error) {
	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		text, err := f.Reply(ctx, inv)
		if err != nil {
			ch <- Failed(f.AgentName, err)
			return
		}
		ch <- Final(f.AgentName, text)
	}()
	return ch, nil
}
