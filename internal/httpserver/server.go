package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/httpserver/middleware"
	"github.com/threadline/threadline/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	config      config.ServerConfig
	handler     *Handler
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	handler *Handler,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		config:      cfg.Server,
		handler:     handler,
		middlewares: middlewares,
		srv:         nil,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("POST /threads", s.handler.HandleCreateThread)
	mux.HandleFunc("GET /threads/{id}/messages", s.handler.HandleListMessages)
	mux.HandleFunc("POST /threads/{id}/messages", s.handler.HandleCreateMessage)
	mux.HandleFunc("POST /threads/{id}/messages/stream", s.handler.HandleStreamMessage)
	mux.HandleFunc("GET /models", s.handler.HandleListModels)
	mux.HandleFunc("GET /attachments/{name}", s.handler.HandleDownloadAttachment)
	mux.HandleFunc("GET /health", s.handler.HandleHealth)

	// Apply middleware chain.
	handlerWithMiddleware := s.middlewares(mux)

	// Create server with timeouts. WriteTimeout stays at zero so SSE
	// streams are never cut mid-turn.
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      handlerWithMiddleware,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", observability.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
