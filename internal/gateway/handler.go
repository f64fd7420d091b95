package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler exposes one upgrade endpoint per client role.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler returns the handler for the role namespaces.
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm}
}

func (h *WebSocketHandler) handleRole(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.connectionManager.UpgradeConnection(w, r, role); err != nil {
			log.Error().Err(err).Str("role", string(role)).Msg("failed to upgrade WebSocket connection")
			http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		}
	}
}

// HandleConnectionStats reports the current connection population.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetStats()); err != nil {
		log.Error().Err(err).Msg("write connection stats")
	}
}

// RegisterRoutes registers one namespace per role plus the stats
// endpoint.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/host", h.handleRole(RoleHost))
	mux.HandleFunc("/ws/projector", h.handleRole(RoleProjector))
	mux.HandleFunc("/ws/participant", h.handleRole(RoleParticipant))
	mux.HandleFunc("/ws/admin", h.handleRole(RoleAdmin))
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
