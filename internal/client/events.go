// ABOUTME: Closed vocabulary of domain events the adapter emits to its owner.
// ABOUTME: Owners react to these only; adapter internals stay private.

package client

import (
	"encoding/json"

	"github.com/2389/deskrouter/internal/wire"
)

// EventKind names one adapter-level occurrence.
type EventKind string

const (
	EventSessionCreated     EventKind = "session_created"
	EventSessionUpdated     EventKind = "session_updated"
	EventSessionEnded       EventKind = "session_ended"
	EventMessageSent        EventKind = "message_sent"
	EventMessageReceived    EventKind = "message_received"
	EventMessageError       EventKind = "message_error"
	EventAgentAssigned      EventKind = "agent_assigned"
	EventAgentUnassigned    EventKind = "agent_unassigned"
	EventEscalationRequest  EventKind = "escalation_request"
	EventEscalationAccepted EventKind = "escalation_accepted"
	EventSystemNotification EventKind = "system_notification"
)

// Event is one occurrence delivered on the adapter's event channel. Data is
// the raw payload of the frame that produced it, nil for synthetic events.
type Event struct {
	Kind EventKind
	Data json.RawMessage
}

// frameEvents maps unsolicited server frame types onto the event vocabulary.
// Frames not listed fall through to system_notification.
var frameEvents = map[string]EventKind{
	wire.TypeChatAssignment: EventAgentAssigned,
	wire.TypeChatMessage:    EventMessageReceived,
	wire.TypeChatEnded:      EventSessionEnded,
	wire.TypeChatTransfer:   EventSessionUpdated,
	wire.TypeAgentOffline:   EventAgentUnassigned,
	wire.TypeTyping:         EventSessionUpdated,
	wire.TypeStopTyping:     EventSessionUpdated,
}

// notificationKinds are the event kinds a notification frame may carry in a
// `kind` field of its payload; anything else stays system_notification.
var notificationKinds = map[EventKind]bool{
	EventSessionCreated:     true,
	EventSessionUpdated:     true,
	EventEscalationRequest:  true,
	EventEscalationAccepted: true,
}

// eventFor classifies one unsolicited frame.
func eventFor(env *wire.Envelope) Event {
	kind, ok := frameEvents[env.Type]
	if !ok {
		kind = EventSystemNotification
		if env.Type == wire.TypeNotification && len(env.Data) > 0 {
			var probe struct {
				Kind EventKind `json:"kind"`
			}
			if json.Unmarshal(env.Data, &probe) == nil && notificationKinds[probe.Kind] {
				kind = probe.Kind
			}
		}
	}
	return Event{Kind: kind, Data: env.Data}
}
