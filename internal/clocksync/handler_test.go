package clocksync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestEchoHandlerReturnsServerTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	handler := NewHandler(clock)

	body, _ := json.Marshal(EchoRequest{ClientSendTime: 12345})
	req := httptest.NewRequest(http.MethodPost, "/time/echo", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp EchoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ServerTime != 1_700_000_000_000 {
		t.Fatalf("serverTime = %d, want 1700000000000", resp.ServerTime)
	}
}

func TestEchoHandlerRejectsNonPost(t *testing.T) {
	handler := NewHandler(clockwork.NewFakeClock())

	req := httptest.NewRequest(http.MethodGet, "/time/echo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestEchoHandlerRejectsMalformedBody(t *testing.T) {
	handler := NewHandler(clockwork.NewFakeClock())

	req := httptest.NewRequest(http.MethodPost, "/time/echo", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHTTPPingerAgainstEchoEndpoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	mux := http.NewServeMux()
	NewHandler(clock).RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	defer server.Close()

	pinger := NewHTTPPinger(server.URL)
	serverTime, err := pinger.Ping(context.Background(), 999)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if serverTime != 1_700_000_000_000 {
		t.Fatalf("serverTime = %d, want 1700000000000", serverTime)
	}
}
