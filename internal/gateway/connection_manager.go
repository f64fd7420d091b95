package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/events"
	"github.com/tisayama/allstars-sub003/internal/game"
)

// Role is a client role with its own connection namespace.
type Role string

const (
	RoleHost        Role = "host"
	RoleProjector   Role = "projector"
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

// TokenVerifier validates a signed credential presented during the
// authenticate handshake.
type TokenVerifier interface {
	Verify(token string) (subjectID, role string, err error)
}

// CommandHandler receives host commands arriving on authenticated
// host-role connections.
type CommandHandler interface {
	HandleHostCommand(ctx context.Context, subjectID string, cmd events.HostCommandPayload) error
}

// AnswerSink receives participant answer submissions.
type AnswerSink interface {
	SubmitAnswer(ctx context.Context, a game.Answer) error
}

// ConnectionManager owns all WebSocket connections. A connection starts
// unauthenticated and joins the shared broadcast room only after a
// successful authenticate handshake; broadcast delivery is withheld
// from everything outside the room.
type ConnectionManager struct {
	mu      sync.RWMutex
	pending map[*Connection]bool
	room    map[*Connection]bool

	upgrader websocket.Upgrader
	config   ConnectionConfig

	verifier TokenVerifier
	commands CommandHandler
	answers  AnswerSink

	broadcastCh chan *events.Event
}

// Connection is one client socket. The server holds no game state per
// connection beyond role, identity and room membership.
type Connection struct {
	ID            string
	Role          Role
	SubjectID     string
	Authenticated bool

	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	// done signals the write pump to stop. Send is never closed: an
	// in-flight fan-out may still hold a reference to this connection
	// after teardown, and a send on a closed channel panics.
	done      chan struct{}
	closeOnce sync.Once
}

// shutdown stops the write pump. Safe to call more than once and from
// any goroutine.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the base WebSocket configuration.
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

// NewConnectionManager creates a manager wired to the verifier, host
// command handler and answer sink.
func NewConnectionManager(config ConnectionConfig, verifier TokenVerifier, commands CommandHandler, answers AnswerSink) *ConnectionManager {
	return &ConnectionManager{
		pending: make(map[*Connection]bool),
		room:    make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		verifier:    verifier,
		commands:    commands,
		answers:     answers,
		broadcastCh: make(chan *events.Event, 1000),
	}
}

// Start processes broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case event := <-cm.broadcastCh:
			cm.handleBroadcast(event)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection
// for the given role namespace.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, role Role) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	cm.mu.Lock()
	cm.pending[connection] = true
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("role", string(role)).
		Msg("WebSocket connection established, awaiting authentication")
	return nil
}

// authenticate verifies the handshake token and moves the connection
// into the broadcast room.
func (cm *ConnectionManager) authenticate(c *Connection, token string) {
	subjectID, tokenRole, err := cm.verifier.Verify(token)
	if err != nil || tokenRole != string(c.Role) {
		// One opaque reason for every failure mode: never reveal which
		// part of the credential was rejected.
		log.Warn().
			Str("connection_id", c.ID).
			Str("role", string(c.Role)).
			Msg("authentication failed")
		cm.sendEvent(c, events.TypeAuthFailed, events.AuthFailedPayload{Reason: "authentication failed"})
		return
	}

	cm.mu.Lock()
	delete(cm.pending, c)
	cm.room[c] = true
	c.SubjectID = subjectID
	c.Authenticated = true
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", c.ID).
		Str("subject_id", subjectID).
		Str("role", string(c.Role)).
		Msg("connection authenticated and joined room")
	cm.sendEvent(c, events.TypeAuthSuccess, events.AuthSuccessPayload{UserID: subjectID})
}

// unregister removes a connection from whichever set holds it.
func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.pending[c] || cm.room[c] {
		delete(cm.pending, c)
		delete(cm.room, c)
		c.shutdown()
		log.Info().
			Str("connection_id", c.ID).
			Str("role", string(c.Role)).
			Bool("authenticated", c.Authenticated).
			Msg("connection unregistered")
	}
}

// Broadcast queues an event for fan-out to every room member. There is
// no per-client filtering; every authenticated connection sees every
// event.
func (cm *ConnectionManager) Broadcast(event *events.Event) {
	select {
	case cm.broadcastCh <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("broadcast channel full, dropping event")
	}
}

func (cm *ConnectionManager) handleBroadcast(event *events.Event) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.room))
	for conn := range cm.room {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow or dead client; evict rather than stall the room.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("role", string(conn.Role)).
				Msg("connection send buffer full, closing connection")
			cm.unregister(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(event.Type)).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// sendEvent writes one event to a single connection, bypassing the
// room. Used for handshake replies.
func (cm *ConnectionManager) sendEvent(c *Connection, typ events.Type, payload any) {
	event, err := events.Marshal(uuid.New().String(), "", typ, time.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("marshal direct event")
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("marshal direct event envelope")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full for direct event")
	}
}

// Stats describes the current connection population.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	RoomMembers      int            `json:"room_members"`
	Pending          int            `json:"pending"`
	ByRole           map[string]int `json:"by_role"`
}

// GetStats returns statistics about active connections.
func (cm *ConnectionManager) GetStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{ByRole: make(map[string]int)}
	for conn := range cm.room {
		stats.ByRole[string(conn.Role)]++
	}
	stats.RoomMembers = len(cm.room)
	stats.Pending = len(cm.pending)
	stats.TotalConnections = stats.RoomMembers + stats.Pending
	return stats
}

// writePump sends queued messages and keepalive pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
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

// readPump reads client events and routes them.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close")
			}
			break
		}
		c.handleClientEvent(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientEvent routes one inbound client event. Everything except
// the authenticate handshake is ignored until the connection is in the
// room.
func (c *Connection) handleClientEvent(message []byte) {
	var event events.Event
	if err := json.Unmarshal(message, &event); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("discarding malformed client event")
		return
	}

	if event.Type == events.TypeAuthenticate {
		var payload events.AuthenticatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			c.Manager.sendEvent(c, events.TypeAuthFailed, events.AuthFailedPayload{Reason: "authentication failed"})
			return
		}
		c.Manager.authenticate(c, payload.Token)
		return
	}

	c.Manager.mu.RLock()
	inRoom := c.Manager.room[c]
	c.Manager.mu.RUnlock()
	if !inRoom {
		log.Debug().
			Str("connection_id", c.ID).
			Str("event_type", string(event.Type)).
			Msg("dropping event from unauthenticated connection")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch event.Type {
	case events.TypeHostCommand:
		if c.Role != RoleHost && c.Role != RoleAdmin {
			log.Warn().
				Str("connection_id", c.ID).
				Str("role", string(c.Role)).
				Msg("host command from non-host connection rejected")
			return
		}
		var cmd events.HostCommandPayload
		if err := json.Unmarshal(event.Data, &cmd); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("malformed host command")
			return
		}
		if err := c.Manager.commands.HandleHostCommand(ctx, c.SubjectID, cmd); err != nil {
			log.Error().
				Err(err).
				Str("connection_id", c.ID).
				Str("command", cmd.Command).
				Msg("host command failed")
		}

	case events.TypeSubmitAnswer:
		if c.Role != RoleParticipant {
			return
		}
		var payload events.SubmitAnswerPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("malformed answer submission")
			return
		}
		answer := game.Answer{
			AnswerID:       uuid.New().String(),
			QuestionID:     payload.QuestionID,
			GuestID:        payload.GuestID,
			Choice:         payload.Choice,
			SubmittedAt:    time.Now(),
			ResponseTimeMs: payload.ResponseTimeMs,
		}
		if err := c.Manager.answers.SubmitAnswer(ctx, answer); err != nil {
			log.Error().Err(err).Str("connection_id", c.ID).Msg("answer submission failed")
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("event_type", string(event.Type)).
			Msg("received client event")
	}
}
