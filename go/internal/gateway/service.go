package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// App bundles what the gateway consumes from the session layer. The
// session app satisfies it.
type App interface {
	CanvasApp
	SnapshotProvider
}

// Service wires the canvas gateway together: the WebSocket transport plus
// the read-side HTTP surface.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	snapshotHandler   *SnapshotHandler
}

// Config holds gateway service configuration
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new gateway service
func NewService(app App, config Config) *Service {
	cm := NewConnectionManager(app, config.ConnectionConfig)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm),
		snapshotHandler:   NewSnapshotHandler(app),
	}
}

// Start blocks until ctx is cancelled, then drops every connection.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("Starting canvas gateway service")
	<-ctx.Done()
	log.Info().Msg("Canvas gateway service shutting down")
	s.Stop()
	return ctx.Err()
}

// Stop closes every open WebSocket connection.
func (s *Service) Stop() {
	s.connectionManager.CloseAll()
}

// RegisterRoutes registers the gateway's HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/canvas", s.wsHandler.HandleCanvasConnection)
	s.snapshotHandler.RegisterRoutes(mux)
}

// GetStats returns service statistics
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "canvas-gateway"
	stats["status"] = "running"
	return stats
}
