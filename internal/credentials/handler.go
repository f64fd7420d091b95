package credentials

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Handler serves the credential issuance endpoint:
// POST /auth/token with header X-API-Key.
type Handler struct {
	broker      *Broker
	defaultRole string
}

// NewHandler returns the issuance handler. Requests that do not name a
// role get defaultRole.
func NewHandler(broker *Broker, defaultRole string) *Handler {
	return &Handler{broker: broker, defaultRole: defaultRole}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	UID       string `json:"uid"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		role = h.defaultRole
	}

	cred, err := h.broker.IssueToken(r.Context(), r.Header.Get("X-API-Key"), role)
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrTokenIssuance):
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "token issuance failed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "token issuance failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		Token:     cred.Token,
		ExpiresAt: cred.ExpiresAt.UnixMilli(),
		UID:       cred.SubjectID,
	}); err != nil {
		log.Error().Err(err).Msg("write token response")
	}
}

// RegisterRoutes registers the issuance endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/auth/token", h)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Error:      kind,
		Message:    message,
		StatusCode: status,
	}); err != nil {
		log.Error().Err(err).Msg("write error response")
	}
}
