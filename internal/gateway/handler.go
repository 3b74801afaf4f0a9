package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/trillionclues/chronicle-backend/internal/apperrors"
	"github.com/trillionclues/chronicle-backend/internal/events"
	"github.com/trillionclues/chronicle-backend/internal/models"
)

// SessionActions defines what the gateway needs from the session state
// machine.
type SessionActions interface {
	Resolve(ctx context.Context, idOrCode string) (*models.Session, error)
	JoinSession(ctx context.Context, idOrCode string, userID string) (*models.Session, error)
	LeaveSession(ctx context.Context, id uuid.UUID, userID string) (*models.Session, error)
	CancelSession(ctx context.Context, id uuid.UUID, requesterID string) (*models.Session, error)
	KickParticipant(ctx context.Context, id uuid.UUID, requesterID, targetID string) (*models.Session, error)
	StartSession(ctx context.Context, id uuid.UUID, requesterID string) (*models.Session, error)
	SubmitText(ctx context.Context, id uuid.UUID, userID, text string) (*models.Session, error)
	SubmitVote(ctx context.Context, id uuid.UUID, userID, votedForID string) (*models.Session, error)
	AdvancePhase(ctx context.Context, id uuid.UUID, requesterID string) (*models.Session, error)
}

// Handler terminates websocket connections and dispatches inbound actions
// into the session state machine.
type Handler struct {
	manager *ConnectionManager
	actions SessionActions
	timeout time.Duration
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(manager *ConnectionManager, actions SessionActions) *Handler {
	return &Handler{
		manager: manager,
		actions: actions,
		timeout: 10 * time.Second,
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps. Identity
// arrives pre-validated from the upstream authenticator; a request without
// one is rejected before upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conn, err := h.manager.UpgradeConnection(w, r, Identity{UserID: userID})
	if err != nil {
		return
	}

	go conn.writePump()
	h.readPump(conn)
}

func (h *Handler) readPump(c *Connection) {
	defer func() {
		h.manager.dropConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(h.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(h.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(h.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			return
		}
		h.dispatch(c, raw)
		c.Conn.SetReadDeadline(time.Now().Add(h.manager.config.ReadTimeout))
	}
}

// dispatch routes one inbound message. Action failures are terminal for
// that single action: they go back to the initiating connection only and
// never change session state.
func (h *Handler) dispatch(c *Connection, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	msg, err := parseInbound(raw)
	if err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid message", err))
		return
	}

	switch msg.Action {
	case ActionJoinSession:
		h.handleJoin(ctx, c, msg.Data)
	case ActionLeaveSession:
		h.handleLeave(ctx, c, msg.Data)
	case ActionCancelSession:
		h.withSessionRef(ctx, c, msg.Data, h.actions.CancelSession)
	case ActionAdvancePhase:
		h.withSessionRef(ctx, c, msg.Data, h.actions.AdvancePhase)
	case ActionStartSession:
		h.withSessionRef(ctx, c, msg.Data, h.actions.StartSession)
	case ActionKickParticipant:
		h.handleKick(ctx, c, msg.Data)
	case ActionSubmitText:
		h.handleSubmitText(ctx, c, msg.Data)
	case ActionSubmitVote:
		h.handleSubmitVote(ctx, c, msg.Data)
	}
}

func (h *Handler) handleJoin(ctx context.Context, c *Connection, data json.RawMessage) {
	var payload JoinSessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid join payload", err))
		return
	}
	if err := payload.Validate(); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid join payload", err))
		return
	}

	// Subscribe before the join mutation so the snapshot broadcast that
	// follows it reaches this connection too.
	s, err := h.actions.Resolve(ctx, payload.SessionIDOrCode)
	if err != nil {
		h.sendError(c, uuid.Nil, err)
		return
	}
	h.manager.Subscribe(c, s.ID)

	if _, err := h.actions.JoinSession(ctx, payload.SessionIDOrCode, c.Identity.UserID); err != nil {
		h.manager.Unsubscribe(c, s.ID)
		h.sendError(c, s.ID, err)
	}
}

func (h *Handler) handleLeave(ctx context.Context, c *Connection, data json.RawMessage) {
	var payload SessionRefPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid leave payload", err))
		return
	}
	id, err := payload.Validate()
	if err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid leave payload", err))
		return
	}

	if _, err := h.actions.LeaveSession(ctx, id, c.Identity.UserID); err != nil {
		h.sendError(c, id, err)
		return
	}
	h.manager.Unsubscribe(c, id)
}

func (h *Handler) handleKick(ctx context.Context, c *Connection, data json.RawMessage) {
	var payload KickParticipantPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid kick payload", err))
		return
	}
	id, err := payload.Validate()
	if err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid kick payload", err))
		return
	}

	if _, err := h.actions.KickParticipant(ctx, id, c.Identity.UserID, payload.TargetID); err != nil {
		h.sendError(c, id, err)
	}
}

func (h *Handler) handleSubmitText(ctx context.Context, c *Connection, data json.RawMessage) {
	var payload SubmitTextPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid text payload", err))
		return
	}
	id, err := payload.Validate()
	if err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid text payload", err))
		return
	}

	if _, err := h.actions.SubmitText(ctx, id, c.Identity.UserID, payload.Text); err != nil {
		h.sendError(c, id, err)
	}
}

func (h *Handler) handleSubmitVote(ctx context.Context, c *Connection, data json.RawMessage) {
	var payload SubmitVotePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid vote payload", err))
		return
	}
	id, err := payload.Validate()
	if err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid vote payload", err))
		return
	}

	if _, err := h.actions.SubmitVote(ctx, id, c.Identity.UserID, payload.VotedForID); err != nil {
		h.sendError(c, id, err)
	}
}

func (h *Handler) withSessionRef(ctx context.Context, c *Connection, data json.RawMessage, fn func(context.Context, uuid.UUID, string) (*models.Session, error)) {
	var payload SessionRefPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid payload", err))
		return
	}
	id, err := payload.Validate()
	if err != nil {
		h.sendError(c, uuid.Nil, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid payload", err))
		return
	}

	if _, err := fn(ctx, id, c.Identity.UserID); err != nil {
		h.sendError(c, id, err)
	}
}

// sendError delivers an error event directly to the initiating connection.
func (h *Handler) sendError(c *Connection, sessionID uuid.UUID, err error) {
	evt := events.New(sessionID, events.TypeError, events.ErrorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: apperrors.MessageOf(err),
	})
	data, marshalErr := json.Marshal(evt)
	if marshalErr != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping error event")
	}
}
