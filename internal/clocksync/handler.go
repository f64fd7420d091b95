package clocksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// EchoRequest is the ping body sent by clients.
type EchoRequest struct {
	ClientSendTime int64 `json:"clientSendTime"`
}

// EchoResponse carries the server-observed instant at receipt.
type EchoResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// Handler serves the time-echo endpoint. It is side-effect-free and
// must stay cheap: the instant is captured before any decoding.
type Handler struct {
	clock clockwork.Clock
}

// NewHandler returns a time-echo handler on the given clock.
func NewHandler(clock clockwork.Clock) *Handler {
	return &Handler{clock: clock}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.clock.Now()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EchoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid echo request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(EchoResponse{ServerTime: receivedAt.UnixMilli()}); err != nil {
		log.Error().Err(err).Msg("write time echo response")
	}
}

// RegisterRoutes registers the echo endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/time/echo", h)
}

// HTTPPinger implements Pinger against a time-echo endpoint.
type HTTPPinger struct {
	url    string
	client *http.Client
}

// NewHTTPPinger returns a pinger for the echo endpoint at baseURL.
func NewHTTPPinger(baseURL string) *HTTPPinger {
	return &HTTPPinger{
		url:    baseURL + "/time/echo",
		client: &http.Client{},
	}
}

func (p *HTTPPinger) Ping(ctx context.Context, clientSendTimeMs int64) (int64, error) {
	body, err := json.Marshal(EchoRequest{ClientSendTime: clientSendTimeMs})
	if err != nil {
		return 0, fmt.Errorf("marshal echo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create echo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("echo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("echo endpoint returned status %d", resp.StatusCode)
	}

	var echo EchoResponse
	if err := json.NewDecoder(resp.Body).Decode(&echo); err != nil {
		return 0, fmt.Errorf("decode echo response: %w", err)
	}
	return echo.ServerTime, nil
}
