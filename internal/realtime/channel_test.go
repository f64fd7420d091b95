package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tisayama/allstars-sub003/internal/credentials"
	"github.com/tisayama/allstars-sub003/internal/events"
)

// protocolServer speaks the server half of the channel protocol: it
// expects an authenticate event first and only then delivers events.
type protocolServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	acceptToken string
	handshakes  atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newProtocolServer(t *testing.T, acceptToken string) *protocolServer {
	t.Helper()
	ps := &protocolServer{t: t, acceptToken: acceptToken}
	ps.server = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(func() {
		ps.dropAll()
		ps.server.Close()
	})
	return ps
}

func (ps *protocolServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http") + "/ws/projector"
}

func (ps *protocolServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var event events.Event
	if err := json.Unmarshal(message, &event); err != nil || event.Type != events.TypeAuthenticate {
		conn.Close()
		return
	}
	var payload events.AuthenticatePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		conn.Close()
		return
	}

	if payload.Token != ps.acceptToken {
		ps.reply(conn, events.TypeAuthFailed, events.AuthFailedPayload{Reason: "authentication failed"})
		conn.Close()
		return
	}

	ps.reply(conn, events.TypeAuthSuccess, events.AuthSuccessPayload{UserID: "projector-abc"})
	ps.handshakes.Add(1)

	ps.mu.Lock()
	ps.conns = append(ps.conns, conn)
	ps.mu.Unlock()

	// Keep reading so client writes are consumed until the peer closes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ps *protocolServer) reply(conn *websocket.Conn, typ events.Type, payload any) {
	event, err := events.Marshal("", "", typ, time.Now(), payload)
	if err != nil {
		ps.t.Errorf("marshal reply: %v", err)
		return
	}
	data, _ := json.Marshal(event)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// push delivers an event on the most recent authenticated socket.
func (ps *protocolServer) push(t *testing.T, event *events.Event) {
	t.Helper()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.conns) == 0 {
		t.Fatal("no authenticated connection to push to")
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal push event: %v", err)
	}
	conn := ps.conns[len(ps.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("push event: %v", err)
	}
}

// dropAll severs every authenticated socket, simulating transport loss.
func (ps *protocolServer) dropAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, conn := range ps.conns {
		conn.Close()
	}
	ps.conns = nil
}

func fastConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.ReconnectAttempts = 5
	cfg.ReconnectWait = 10 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func staticSource(token string, ttl time.Duration, calls *atomic.Int32) CredentialSource {
	return func(context.Context) (credentials.Credential, error) {
		if calls != nil {
			calls.Add(1)
		}
		return credentials.Credential{
			Token:     token,
			ExpiresAt: time.Now().Add(ttl),
			SubjectID: "projector-abc",
		}, nil
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectAuthenticatesAndReceives(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	received := make(chan *events.Event, 16)
	channel := NewChannel(fastConfig(ps.url()), staticSource("good-token", time.Hour, nil), clockwork.NewRealClock())
	defer channel.Close()

	channel.On(events.TypeGongActivated, func(event *events.Event) {
		received <- event
	})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	status := channel.Status()
	if !status.Connected || !status.Authenticated {
		t.Fatalf("status = %+v after handshake", status)
	}
	if channel.SubjectID() != "projector-abc" {
		t.Fatalf("subject = %s", channel.SubjectID())
	}

	event, err := events.Marshal("e1", "g1", events.TypeGongActivated, time.Now(), nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ps.push(t, event)

	select {
	case got := <-received:
		if got.ID != "e1" {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestConnectRejectedCredential(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	var calls atomic.Int32
	channel := NewChannel(fastConfig(ps.url()), staticSource("bad-token", time.Hour, &calls), clockwork.NewRealClock())
	defer channel.Close()

	if err := channel.Connect(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if status := channel.Status(); status.Connected || status.Authenticated {
		t.Fatalf("status = %+v after rejected handshake", status)
	}

	// The rejected credential must not be reused from cache.
	_ = channel.Connect(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("credential source called %d times, want 2", calls.Load())
	}
}

func TestReconnectRepeatsHandshake(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	received := make(chan *events.Event, 16)
	channel := NewChannel(fastConfig(ps.url()), staticSource("good-token", time.Hour, nil), clockwork.NewRealClock())
	defer channel.Close()
	channel.On(events.TypeGamePhaseChanged, func(event *events.Event) {
		received <- event
	})

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ps.dropAll()
	waitUntil(t, func() bool { return ps.handshakes.Load() == 2 }, "no re-handshake after transport loss")
	waitUntil(t, func() bool {
		s := channel.Status()
		return s.Connected && s.Authenticated
	}, "channel did not recover")

	event, err := events.Marshal("e2", "g1", events.TypeGamePhaseChanged, time.Now(), nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ps.push(t, event)

	select {
	case got := <-received:
		if got.ID != "e2" {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after reconnect")
	}
}

func TestReconnectRefreshesExpiringCredential(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	// Credential expires inside the default one-minute margin, so every
	// handshake must ask the source again.
	var calls atomic.Int32
	channel := NewChannel(fastConfig(ps.url()), staticSource("good-token", 30*time.Second, &calls), clockwork.NewRealClock())
	defer channel.Close()

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("source calls = %d, want 1", calls.Load())
	}

	ps.dropAll()
	waitUntil(t, func() bool { return ps.handshakes.Load() == 2 }, "no re-handshake after transport loss")
	if calls.Load() != 2 {
		t.Fatalf("source calls = %d, want refresh on reconnect", calls.Load())
	}
}

func TestReconnectGivesUpAfterBoundedAttempts(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	cfg := fastConfig(ps.url())
	cfg.ReconnectAttempts = 2
	channel := NewChannel(cfg, staticSource("good-token", time.Hour, nil), clockwork.NewRealClock())
	defer channel.Close()

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Take the server away entirely; every reconnect attempt must fail.
	ps.dropAll()
	ps.server.Close()

	time.Sleep(300 * time.Millisecond)
	if status := channel.Status(); status.Connected || status.Authenticated {
		t.Fatalf("status = %+v, want disconnected after exhausted retries", status)
	}
	if got := ps.handshakes.Load(); got != 1 {
		t.Fatalf("handshakes = %d, want the original only", got)
	}
}

func TestSendRequiresAuthenticatedTransport(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	channel := NewChannel(fastConfig(ps.url()), staticSource("good-token", time.Hour, nil), clockwork.NewRealClock())

	event, err := events.Marshal("", "", events.TypeHostCommand, time.Now(), events.HostCommandPayload{Command: events.CommandCloseAnswers})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := channel.Send(event); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected before connect", err)
	}

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := channel.Send(event); err != nil {
		t.Fatalf("Send on live channel: %v", err)
	}

	channel.Close()
	channel.Close()
	if err := channel.Send(event); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected after close", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ps := newProtocolServer(t, "good-token")

	channel := NewChannel(fastConfig(ps.url()), staticSource("good-token", time.Hour, nil), clockwork.NewRealClock())

	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Two closers racing each other and the live read loop.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			channel.Close()
		}()
	}
	wg.Wait()
	channel.Close()

	if status := channel.Status(); status.Connected || status.Authenticated {
		t.Fatalf("status = %+v after close", status)
	}

	event, err := events.Marshal("", "", events.TypeHostCommand, time.Now(), events.HostCommandPayload{Command: events.CommandCloseAnswers})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := channel.Send(event); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected after close", err)
	}
}
