// Package events defines the realtime event envelope and payloads shared by
// the session state machine and the broadcast gateway.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies an outbound realtime event.
type Type string

const (
	TypeSessionState Type = "sessionState"
	TypeJoined       Type = "joined"
	TypeLeft         Type = "left"
	TypeKicked       Type = "kicked"
	TypeError        Type = "error"
	TypeSessionEnded Type = "sessionEnded"
)

// Event is the wire envelope for every outbound realtime message.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New builds an envelope around payload. Marshal failures are impossible for
// the fixed payload structs in this package, so they surface as an empty
// data field rather than an error return.
func New(sessionID uuid.UUID, typ Type, payload any) *Event {
	data, _ := json.Marshal(payload)
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID.String(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// JoinedPayload confirms a join or reconnect to the acting user.
type JoinedPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// LeftPayload confirms a voluntary leave to the acting user.
type LeftPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// KickedPayload notifies the removed user. The gateway detaches the target's
// subscriptions when it delivers this event.
type KickedPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ErrorPayload reports a failed action back to its initiator.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionEndedPayload announces a terminal phase to the whole room.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

// Session end reasons.
const (
	EndReasonCompleted = "completed"
	EndReasonCanceled  = "canceled"
	EndReasonEmpty     = "empty"
)

// Publisher fans events out to subscribers of a session. Implementations
// must not block the caller; delivery is fire-and-forget.
type Publisher interface {
	// Publish sends evt to every subscriber of the session room.
	Publish(sessionID uuid.UUID, evt *Event)
	// PublishToUser sends evt only to the given user's connections.
	PublishToUser(sessionID uuid.UUID, userID string, evt *Event)
}

// NopPublisher discards all events. Useful in tests and tooling.
type NopPublisher struct{}

func (NopPublisher) Publish(uuid.UUID, *Event)               {}
func (NopPublisher) PublishToUser(uuid.UUID, string, *Event) {}
