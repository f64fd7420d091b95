// Package realtime is the client half of the event channel: a
// persistent, authenticated, auto-reconnecting WebSocket connection
// carrying phase-change and live-tally events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/credentials"
	"github.com/tisayama/allstars-sub003/internal/events"
)

// ErrDisconnected is returned when the transport is lost and every
// reconnection attempt has been exhausted.
var ErrDisconnected = errors.New("channel disconnected: reconnection attempts exhausted")

// ErrAuthFailed is returned when the server rejects the authenticate
// handshake.
var ErrAuthFailed = errors.New("channel authentication failed")

// CredentialSource supplies a credential for the handshake. It is
// called on every (re)connect whose cached credential is expired or
// inside the expiry margin; credential refresh is the client's
// responsibility, not the channel's.
type CredentialSource func(ctx context.Context) (credentials.Credential, error)

// Handler processes one received event.
type Handler func(event *events.Event)

// Config tunes the channel.
type Config struct {
	// URL is the full WebSocket URL of the role namespace,
	// e.g. ws://host:8080/ws/projector.
	URL string

	// ReconnectAttempts bounds automatic reconnection. Base policy: 10.
	ReconnectAttempts int

	// ReconnectWait is the fixed backoff between attempts. Base policy:
	// 1 second. Exponential backoff is a deployment tuning knob, not a
	// contract.
	ReconnectWait time.Duration

	// ExpiryMargin forces a credential refresh when the cached one is
	// within this margin of expiring.
	ExpiryMargin time.Duration

	// HandshakeTimeout bounds the dial plus authenticate exchange.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the base channel policy.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectAttempts: 10,
		ReconnectWait:     time.Second,
		ExpiryMargin:      time.Minute,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Status reports whether the channel is usable. Display clients show a
// disconnected indicator whenever either field is false.
type Status struct {
	Connected     bool
	Authenticated bool
}

// Channel is one client connection. Create with NewChannel, wire
// handlers with On, then Connect.
type Channel struct {
	config Config
	source CredentialSource
	clock  clockwork.Clock

	mu            sync.Mutex
	handlers      map[events.Type][]Handler
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	cred          credentials.Credential
	subjectID     string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel returns an unconnected channel.
func NewChannel(config Config, source CredentialSource, clock clockwork.Clock) *Channel {
	return &Channel{
		config:   config,
		source:   source,
		clock:    clock,
		handlers: make(map[events.Type][]Handler),
		closed:   make(chan struct{}),
	}
}

// On registers a handler for an event type. Handlers registered before
// Connect see every event including those delivered mid-reconnect.
func (c *Channel) On(typ events.Type, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		return
	}
	c.handlers[typ] = append(c.handlers[typ], handler)
}

// Status returns the current transport and authentication state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Connected: c.connected, Authenticated: c.authenticated}
}

// SubjectID returns the identity confirmed by the last AUTH_SUCCESS.
func (c *Channel) SubjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subjectID
}

// Connect dials the namespace, authenticates, and starts the read loop
// with automatic reconnection. It returns after the first successful
// handshake.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.dialAndAuthenticate(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

// Send writes one event to the server.
func (c *Channel) Send(event *events.Event) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected && c.authenticated
	c.mu.Unlock()

	if !ok || conn == nil {
		return ErrDisconnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close synchronously unregisters all handlers and closes the
// transport exactly once. A second call is a no-op.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		c.handlers = nil
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.authenticated = false
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		log.Debug().Str("url", c.config.URL).Msg("channel closed")
	})
}

// credential returns a cached credential, refreshing it when it is
// expired or within the expiry margin.
func (c *Channel) credential(ctx context.Context) (credentials.Credential, error) {
	c.mu.Lock()
	cached := c.cred
	c.mu.Unlock()

	if cached.Token != "" && c.clock.Now().Add(c.config.ExpiryMargin).Before(cached.ExpiresAt) {
		return cached, nil
	}

	fresh, err := c.source(ctx)
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("refresh credential: %w", err)
	}

	c.mu.Lock()
	c.cred = fresh
	c.mu.Unlock()
	return fresh, nil
}

// dialAndAuthenticate opens the transport and runs the required
// authenticate handshake. Until AUTH_SUCCESS arrives the server keeps
// the socket out of the broadcast room.
func (c *Channel) dialAndAuthenticate(ctx context.Context) error {
	cred, err := c.credential(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	authEvent, err := events.Marshal("", "", events.TypeAuthenticate, c.clock.Now(), events.AuthenticatePayload{Token: cred.Token})
	if err != nil {
		conn.Close()
		return err
	}
	data, err := json.Marshal(authEvent)
	if err != nil {
		conn.Close()
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send authenticate: %w", err)
	}

	// The handshake reply is the first message the server sends us.
	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var replyEvent events.Event
	if err := json.Unmarshal(reply, &replyEvent); err != nil {
		conn.Close()
		return fmt.Errorf("decode handshake reply: %w", err)
	}

	switch replyEvent.Type {
	case events.TypeAuthSuccess:
		var payload events.AuthSuccessPayload
		if err := json.Unmarshal(replyEvent.Data, &payload); err != nil {
			conn.Close()
			return fmt.Errorf("decode auth success: %w", err)
		}
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.authenticated = true
		c.subjectID = payload.UserID
		c.mu.Unlock()
		log.Info().Str("subject_id", payload.UserID).Str("url", c.config.URL).Msg("channel authenticated")
		return nil

	case events.TypeAuthFailed:
		conn.Close()
		// A rejected token will not improve on retry with the same
		// credential; drop the cache so the next attempt refreshes.
		c.mu.Lock()
		c.cred = credentials.Credential{}
		c.mu.Unlock()
		return ErrAuthFailed

	default:
		conn.Close()
		return fmt.Errorf("unexpected handshake reply %q", replyEvent.Type)
	}
}

// readLoop dispatches received events and reconnects on transport
// loss. Transport loss is transient and absorbed here; it surfaces to
// the caller only through Status until retries are exhausted.
func (c *Channel) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			default:
			}

			c.mu.Lock()
			c.connected = false
			c.authenticated = false
			c.conn = nil
			c.mu.Unlock()
			conn.Close()

			log.Warn().Err(err).Str("url", c.config.URL).Msg("channel transport lost; reconnecting")
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		var event events.Event
		if err := json.Unmarshal(message, &event); err != nil {
			log.Debug().Err(err).Msg("discarding malformed server event")
			continue
		}
		c.dispatch(&event)
	}
}

// reconnect retries the handshake with bounded attempts and fixed
// backoff. Every reconnection re-runs authentication; the reconnected
// socket receives no room events until then.
func (c *Channel) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
		select {
		case <-c.closed:
			return false
		case <-ctx.Done():
			return false
		case <-c.clock.After(c.config.ReconnectWait):
		}

		if err := c.dialAndAuthenticate(ctx); err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", c.config.ReconnectAttempts).
				Msg("reconnect attempt failed")
			continue
		}
		log.Info().Int("attempt", attempt).Msg("channel reconnected")
		return true
	}

	log.Error().Str("url", c.config.URL).Msg(ErrDisconnected.Error())
	return false
}

func (c *Channel) dispatch(event *events.Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[event.Type]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
