package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func NewRouter(handlers *SyncHandlers, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/syncs", func(r chi.Router) {
			r.Post("/", handlers.HandleTrigger)
			r.Get("/", handlers.HandleList)
			r.Get("/{id}", handlers.HandleGet)
			r.Delete("/{id}", handlers.HandleCancel)
		})
	})

	return r
}

func NewServer(addr string, handlers *SyncHandlers, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: NewRouter(handlers, logger),
		},
		logger: logger,
	}
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting operator API", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping operator API")
	return s.httpServer.Shutdown(ctx)
}
