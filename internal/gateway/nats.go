package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/trillionclues/chronicle-backend/internal/events"
)

// NATS fan-out for multi-node deployments: the state machine publishes to a
// per-session subject and every gateway node relays into its local
// connection manager. Delivery is at-most-once; clients that miss an event
// re-sync from the next state push or on reconnect.

const (
	natsSubjectPrefix  = "chronicle.sessions."
	natsSubjectPattern = "chronicle.sessions.>"
	natsMaxReconnects  = -1
	natsReconnectWait  = 2 * time.Second
)

// relayMessage wraps an event with its optional user target for transport.
type relayMessage struct {
	TargetUserID string        `json:"target_user_id,omitempty"`
	Event        *events.Event `json:"event"`
}

// ConnectNATS dials the broker with the reconnect behavior shared by
// publisher and relay.
func ConnectNATS(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSPublisher implements events.Publisher over a NATS subject per
// session.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a publisher on an existing connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) Publish(sessionID uuid.UUID, evt *events.Event) {
	p.publish(sessionID, relayMessage{Event: evt})
}

func (p *NATSPublisher) PublishToUser(sessionID uuid.UUID, userID string, evt *events.Event) {
	p.publish(sessionID, relayMessage{TargetUserID: userID, Event: evt})
}

func (p *NATSPublisher) publish(sessionID uuid.UUID, msg relayMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay message")
		return
	}
	if err := p.nc.Publish(natsSubjectPrefix+sessionID.String(), data); err != nil {
		// Fire-and-forget: a failed publish never fails the mutation.
		log.Warn().
			Err(err).
			Str("session_id", sessionID.String()).
			Msg("failed to publish event to NATS")
	}
}

// Relay subscribes to the session subjects and feeds received events into
// the local connection manager.
type Relay struct {
	nc      *nats.Conn
	manager *ConnectionManager
	sub     *nats.Subscription
}

// NewRelay creates a relay on an existing connection.
func NewRelay(nc *nats.Conn, manager *ConnectionManager) *Relay {
	return &Relay{nc: nc, manager: manager}
}

// Start subscribes to the session event subjects.
func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(natsSubjectPattern, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", natsSubjectPattern, err)
	}
	r.sub = sub
	log.Info().Str("subject", natsSubjectPattern).Msg("gateway relay started")
	return nil
}

// Stop unsubscribes the relay.
func (r *Relay) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe relay")
		}
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	var rm relayMessage
	if err := json.Unmarshal(msg.Data, &rm); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed relay message")
		return
	}
	if rm.Event == nil {
		return
	}
	sessionID, err := uuid.Parse(rm.Event.SessionID)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("relay message without session id")
		return
	}
	if rm.TargetUserID != "" {
		r.manager.PublishToUser(sessionID, rm.TargetUserID, rm.Event)
		return
	}
	r.manager.Publish(sessionID, rm.Event)
}
