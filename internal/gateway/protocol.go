package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the immutable identity record established once at connection
// time and passed into every action dispatch. The upstream authenticator
// has already validated it; the gateway never mutates it.
type Identity struct {
	UserID string
}

// Action tags an inbound realtime message.
type Action string

const (
	ActionJoinSession     Action = "joinSession"
	ActionLeaveSession    Action = "leaveSession"
	ActionCancelSession   Action = "cancelSession"
	ActionKickParticipant Action = "kickParticipant"
	ActionSubmitText      Action = "submitText"
	ActionSubmitVote      Action = "submitVote"
	ActionAdvancePhase    Action = "advancePhase"
	ActionStartSession    Action = "startSession"
)

// Inbound is the envelope for client messages: a closed, tagged set of
// action variants, each with a fixed payload shape.
type Inbound struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// JoinSessionPayload subscribes the caller to a session by id or join code.
type JoinSessionPayload struct {
	SessionIDOrCode string `json:"session"`
}

func (p *JoinSessionPayload) Validate() error {
	if p.SessionIDOrCode == "" {
		return fmt.Errorf("session id or code required")
	}
	return nil
}

// SessionRefPayload carries only a session id. Shared by the actions whose
// payload is the bare reference.
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

func (p *SessionRefPayload) Validate() (uuid.UUID, error) {
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", p.SessionID)
	}
	return id, nil
}

// KickParticipantPayload names the participant the creator wants removed.
type KickParticipantPayload struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
}

func (p *KickParticipantPayload) Validate() (uuid.UUID, error) {
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", p.SessionID)
	}
	if p.TargetID == "" {
		return uuid.Nil, fmt.Errorf("target id required")
	}
	return id, nil
}

// SubmitTextPayload carries a round contribution.
type SubmitTextPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (p *SubmitTextPayload) Validate() (uuid.UUID, error) {
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", p.SessionID)
	}
	if p.Text == "" {
		return uuid.Nil, fmt.Errorf("text required")
	}
	return id, nil
}

// SubmitVotePayload carries a round vote.
type SubmitVotePayload struct {
	SessionID  string `json:"session_id"`
	VotedForID string `json:"voted_for"`
}

func (p *SubmitVotePayload) Validate() (uuid.UUID, error) {
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", p.SessionID)
	}
	if p.VotedForID == "" {
		return uuid.Nil, fmt.Errorf("voted_for required")
	}
	return id, nil
}

// parseInbound decodes one client message into its envelope.
func parseInbound(raw []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Action {
	case ActionJoinSession, ActionLeaveSession, ActionCancelSession,
		ActionKickParticipant, ActionSubmitText, ActionSubmitVote,
		ActionAdvancePhase, ActionStartSession:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown action %q", msg.Action)
	}
}
