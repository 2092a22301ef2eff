package registry

import (
	"fmt"
	"strings"
)

// DefaultChannel carries agent change notifications.
const DefaultChannel = "agent:updates"

// EventType names a registry change.
type EventType string

const (
	EventRegistered   EventType = "REGISTERED"
	EventUpdated      EventType = "UPDATED"
	EventStatus       EventType = "STATUS"
	EventUnregistered EventType = "UNREGISTERED"
)

// Notification is a decoded "<EVENT_TYPE>:<id>" message.
type Notification struct {
	Type EventType
	ID   string
}

// String formats the notification for the wire.
func (n Notification) String() string {
	return FormatNotification(n.Type, n.ID)
}

// FormatNotification renders "<EVENT_TYPE>:<id>".
func FormatNotification(t EventType, id string) string {
	return string(t) + ":" + id
}

// ParseNotification splits a message on its first ':'.
func ParseNotification(msg string) (Notification, error) {
	i := strings.IndexByte(msg, ':')
	if i <= 0 || i == len(msg)-1 {
		return Notification{}, fmt.Errorf("malformed notification %q", msg)
	}
	return Notification{Type: EventType(msg[:i]), ID: msg[i+1:]}, nil
}
