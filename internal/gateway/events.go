package gateway

import (
	"fmt"
	"time"
)

// EventKind classifies controller events
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventForwarderSwapped EventKind = "forwarder_swapped"
	EventReloadFailed     EventKind = "reload_failed"
)

// Event is published on the controller event stream. Consumers that fall behind lose the
// oldest events.
type Event struct {
	Kind   EventKind
	Time   time.Time
	State  State  // EventStateChanged
	MAC    string // EventConnected, EventDisconnected
	Detail string
}

func (e Event) String() string {
	switch e.Kind {
	case EventStateChanged:
		return fmt.Sprintf("%s: %s", e.Kind, e.State)
	case EventConnected, EventDisconnected:
		return fmt.Sprintf("%s: %s", e.Kind, e.MAC)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
		}
		return string(e.Kind)
	}
}
