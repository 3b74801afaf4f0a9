package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/trillionclues/chronicle-backend/internal/events"
)

// ConnectionManager manages the websocket connections subscribed to session
// rooms and fans realtime events out to them.
type ConnectionManager struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]map[*Connection]bool

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcast
}

// Connection is one websocket client. A connection may be subscribed to any
// number of session rooms at once.
type Connection struct {
	ID       string
	Identity Identity
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	mu    sync.Mutex
	rooms map[uuid.UUID]bool

	ConnectedAt time.Time
}

// ConnectionConfig holds websocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

type broadcast struct {
	sessionID uuid.UUID
	userID    string // when set, deliver only to this user's connections
	event     *events.Event
}

// NewConnectionManager creates a websocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1000),
	}
}

// Start processes broadcast messages until ctx is canceled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Publish queues an event for every subscriber of the session room. It
// never blocks the caller; an overloaded channel drops the event, clients
// re-sync from the next state push.
func (cm *ConnectionManager) Publish(sessionID uuid.UUID, evt *events.Event) {
	select {
	case cm.broadcastCh <- broadcast{sessionID: sessionID, event: evt}:
	default:
		log.Warn().Str("session_id", sessionID.String()).Msg("broadcast channel full, dropping event")
	}
}

// PublishToUser queues an event for a single user's connections.
func (cm *ConnectionManager) PublishToUser(sessionID uuid.UUID, userID string, evt *events.Event) {
	select {
	case cm.broadcastCh <- broadcast{sessionID: sessionID, userID: userID, event: evt}:
	default:
		log.Warn().
			Str("session_id", sessionID.String()).
			Str("user_id", userID).
			Msg("broadcast channel full, dropping user event")
	}
}

// Subscribe adds conn to the session room.
func (cm *ConnectionManager) Subscribe(conn *Connection, sessionID uuid.UUID) {
	cm.mu.Lock()
	if cm.rooms[sessionID] == nil {
		cm.rooms[sessionID] = make(map[*Connection]bool)
	}
	cm.rooms[sessionID][conn] = true
	total := len(cm.rooms[sessionID])
	cm.mu.Unlock()

	conn.mu.Lock()
	conn.rooms[sessionID] = true
	conn.mu.Unlock()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID.String()).
		Int("room_size", total).
		Msg("connection subscribed")
}

// Unsubscribe removes conn from the session room.
func (cm *ConnectionManager) Unsubscribe(conn *Connection, sessionID uuid.UUID) {
	cm.mu.Lock()
	if room, ok := cm.rooms[sessionID]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(cm.rooms, sessionID)
		}
	}
	cm.mu.Unlock()

	conn.mu.Lock()
	delete(conn.rooms, sessionID)
	conn.mu.Unlock()
}

// DetachUser removes every connection of userID from the session room. Used
// when a participant is kicked.
func (cm *ConnectionManager) DetachUser(sessionID uuid.UUID, userID string) {
	cm.mu.Lock()
	var detached []*Connection
	if room, ok := cm.rooms[sessionID]; ok {
		for conn := range room {
			if conn.Identity.UserID == userID {
				delete(room, conn)
				detached = append(detached, conn)
			}
		}
		if len(room) == 0 {
			delete(cm.rooms, sessionID)
		}
	}
	cm.mu.Unlock()

	for _, conn := range detached {
		conn.mu.Lock()
		delete(conn.rooms, sessionID)
		conn.mu.Unlock()
		log.Info().
			Str("connection_id", conn.ID).
			Str("session_id", sessionID.String()).
			Str("user_id", userID).
			Msg("connection detached from session")
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket connection
// bound to the given identity.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, identity Identity) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return nil, err
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		Identity:    identity,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		rooms:       make(map[uuid.UUID]bool),
		ConnectedAt: time.Now(),
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", identity.UserID).
		Msg("websocket connection established")
	return conn, nil
}

// dropConnection removes conn from every room and closes its send channel.
func (cm *ConnectionManager) dropConnection(conn *Connection) {
	conn.mu.Lock()
	subscribed := make([]uuid.UUID, 0, len(conn.rooms))
	for id := range conn.rooms {
		subscribed = append(subscribed, id)
	}
	conn.rooms = make(map[uuid.UUID]bool)
	conn.mu.Unlock()

	cm.mu.Lock()
	for _, id := range subscribed {
		if room, ok := cm.rooms[id]; ok {
			delete(room, conn)
			if len(room) == 0 {
				delete(cm.rooms, id)
			}
		}
	}
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.Identity.UserID).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) handleBroadcast(message broadcast) {
	cm.mu.RLock()
	room, ok := cm.rooms[message.sessionID]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range room {
		if message.userID != "" && conn.Identity.UserID != message.userID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow or dead consumer; drop it rather than block the room.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.Identity.UserID).
				Msg("connection send buffer full, closing connection")
			cm.dropConnection(conn)
			conn.Conn.Close()
		}
	}

	// A delivered kick also severs the target's subscription.
	if message.event.Type == events.TypeKicked && message.userID != "" {
		cm.DetachUser(message.sessionID, message.userID)
	}
}

// Stats reports active room and connection counts.
func (cm *ConnectionManager) Stats() (rooms int, connections int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	seen := make(map[*Connection]bool)
	for _, room := range cm.rooms {
		for conn := range room {
			seen[conn] = true
		}
	}
	return len(cm.rooms), len(seen)
}

// writePump sends queued messages and pings until the connection dies.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.dropConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
