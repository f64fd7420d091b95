package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/events"
)

// EventSource delivers committed game events in order, typically the
// JetStream backbone.
type EventSource interface {
	Consume(ctx context.Context, handler func(ctx context.Context, event *events.Event)) error
}

// Service ties the connection manager, the role namespaces and the
// event backbone together: every event the source delivers is fanned
// out to the broadcast room.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	source            EventSource
}

// NewService creates the gateway service.
func NewService(config ConnectionConfig, verifier TokenVerifier, commands CommandHandler, answers AnswerSink, source EventSource) *Service {
	cm := NewConnectionManager(config, verifier, commands, answers)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm),
		source:            source,
	}
}

// Start runs the gateway until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting quiz gateway service")

	go s.connectionManager.Start(ctx)

	go func() {
		if err := s.source.Consume(ctx, func(_ context.Context, event *events.Event) {
			s.connectionManager.Broadcast(event)
		}); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("event source consumer failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("quiz gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket routes on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("quiz gateway routes registered")
}

// Broadcast exposes manual fan-out, useful in tests.
func (s *Service) Broadcast(event *events.Event) {
	s.connectionManager.Broadcast(event)
}

// Stats returns connection statistics.
func (s *Service) Stats() Stats {
	return s.connectionManager.GetStats()
}
