package a2a

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Pratyay/agent-studio/errors"
)

// EventKind discriminates Event.
type EventKind string

const (
	KindMessage        EventKind = "message"
	KindTask           EventKind = "task"
	KindStatusUpdate   EventKind = "status-update"
	KindArtifactUpdate EventKind = "artifact-update"
	KindError          EventKind = "error"
)

// TaskState is the lifecycle state of a remote task.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskCanceled      TaskState = "canceled"
	TaskFailed        TaskState = "failed"
	TaskRejected      TaskState = "rejected"
)

// Terminal reports whether no further updates follow s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCanceled, TaskFailed, TaskRejected:
		return true
	}
	return false
}

// Part is one piece of message content.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is a conversational turn.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
}

// Text concatenates the text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	return partsText(m.Parts)
}

func partsText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == "text" || p.Kind == "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TaskStatus is a task state with an optional message.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is a full task snapshot.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// StatusUpdate reports a task state change.
type StatusUpdate struct {
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
	Final  bool       `json:"final"`
}

// ArtifactUpdate streams artifact content.
type ArtifactUpdate struct {
	TaskID    string   `json:"taskId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
}

// RemoteError is a failure reported by the remote agent.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is one item of a remote agent's event stream. Exactly one payload
// field is set, matching Kind.
type Event struct {
	Kind          EventKind
	CorrelationID string

	Message        *Message
	Task           *Task
	StatusUpdate   *StatusUpdate
	ArtifactUpdate *ArtifactUpdate
	Error          *RemoteError
}

// MessageEvent builds a message event.
func MessageEvent(correlationID, role, text string) Event {
	return Event{
		Kind:          KindMessage,
		CorrelationID: correlationID,
		Message:       &Message{Role: role, Parts: []Part{TextPart(text)}},
	}
}

// StatusEvent builds a status-update event.
func StatusEvent(correlationID, taskID string, state TaskState, text string, final bool) Event {
	st := TaskStatus{State: state}
	if text != "" {
		st.Message = &Message{Role: "agent", Parts: []Part{TextPart(text)}}
	}
	return Event{
		Kind:          KindStatusUpdate,
		CorrelationID: correlationID,
		StatusUpdate:  &StatusUpdate{TaskID: taskID, Status: st, Final: final},
	}
}

// ArtifactEvent builds an artifact-update event.
func ArtifactEvent(correlationID, taskID, text string, last bool) Event {
	return Event{
		Kind:          KindArtifactUpdate,
		CorrelationID: correlationID,
		ArtifactUpdate: &ArtifactUpdate{
			TaskID:    taskID,
			Artifact:  Artifact{Parts: []Part{TextPart(text)}},
			Append:    true,
			LastChunk: last,
		},
	}
}

// ErrorEvent builds an error event.
func ErrorEvent(correlationID string, code int, message string) Event {
	return Event{
		Kind:          KindError,
		CorrelationID: correlationID,
		Error:         &RemoteError{Code: code, Message: message},
	}
}

// IsFinal reports whether e resolves the call it belongs to.
func (e Event) IsFinal() bool {
	switch e.Kind {
	case KindMessage, KindError:
		return true
	case KindTask:
		return e.Task != nil && e.Task.Status.State.Terminal()
	case KindStatusUpdate:
		return e.StatusUpdate != nil && (e.StatusUpdate.Final || e.StatusUpdate.Status.State.Terminal())
	}
	return false
}

// TaskID returns the task the event refers to, if any.
func (e Event) TaskID() string {
	switch {
	case e.Task != nil:
		return e.Task.ID
	case e.StatusUpdate != nil:
		return e.StatusUpdate.TaskID
	case e.ArtifactUpdate != nil:
		return e.ArtifactUpdate.TaskID
	}
	return ""
}

// Text returns the human-readable text carried by e.
func (e Event) Text() string {
	switch e.Kind {
	case KindMessage:
		return e.Message.Text()
	case KindTask:
		if e.Task == nil {
			return ""
		}
		if t := e.Task.Status.Message.Text(); t != "" {
			return t
		}
		var b strings.Builder
		for _, a := range e.Task.Artifacts {
			b.WriteString(partsText(a.Parts))
		}
		return b.String()
	case KindStatusUpdate:
		if e.StatusUpdate == nil {
			return ""
		}
		return e.StatusUpdate.Status.Message.Text()
	case KindArtifactUpdate:
		if e.ArtifactUpdate == nil {
			return ""
		}
		return partsText(e.ArtifactUpdate.Artifact.Parts)
	case KindError:
		if e.Error == nil {
			return ""
		}
		return e.Error.Message
	}
	return ""
}

// Err returns the failure e reports, or nil.
func (e Event) Err() error {
	var state TaskState
	switch e.Kind {
	case KindError:
		msg := "remote agent error"
		if e.Error != nil {
			msg = e.Error.Message
		}
		return errors.New(errors.ErrCodeUnavailable, msg)
	case KindTask:
		if e.Task != nil {
			state = e.Task.Status.State
		}
	case KindStatusUpdate:
		if e.StatusUpdate != nil {
			state = e.StatusUpdate.Status.State
		}
	}
	switch state {
	case TaskFailed, TaskRejected:
		return errors.New(errors.ErrCodeUnavailable, "remote task "+string(state),
			errors.WithMetadata("detail", e.Text()))
	case TaskCanceled:
		return errors.New(errors.ErrCodeCanceled, "remote task canceled")
	}
	return nil
}

type envelope struct {
	Kind          EventKind       `json:"kind"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON encodes e as {"kind", "correlationId", "payload"}.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Kind {
	case KindMessage:
		payload = e.Message
	case KindTask:
		payload = e.Task
	case KindStatusUpdate:
		payload = e.StatusUpdate
	case KindArtifactUpdate:
		payload = e.ArtifactUpdate
	case KindError:
		payload = e.Error
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.Kind, CorrelationID: e.CorrelationID, Payload: raw})
}

// UnmarshalJSON implements json.Unmarshaler via DecodeEvent.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// DecodeEvent reads the envelope, then decodes the payload for its kind.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decoding event envelope: %w", err)
	}
	ev := Event{Kind: env.Kind, CorrelationID: env.CorrelationID}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Event{}, fmt.Errorf("event %q has no payload", env.Kind)
	}

	var err error
	switch env.Kind {
	case KindMessage:
		ev.Message = new(Message)
		err = json.Unmarshal(env.Payload, ev.Message)
	case KindTask:
		ev.Task = new(Task)
		err = json.Unmarshal(env.Payload, ev.Task)
	case KindStatusUpdate:
		ev.StatusUpdate = new(StatusUpdate)
		err = json.Unmarshal(env.Payload, ev.StatusUpdate)
	case KindArtifactUpdate:
		ev.ArtifactUpdate = new(ArtifactUpdate)
		err = json.Unmarshal(env.Payload, ev.ArtifactUpdate)
	case KindError:
		ev.Error = new(RemoteError)
		err = json.Unmarshal(env.Payload, ev.Error)
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decoding %s payload: %w", env.Kind, err)
	}
	return ev, nil
}
