package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/unipush/internal/config"
	"github.com/shohag/unipush/internal/push"
)

type Server struct {
	cfg    config.ServerConfig
	svc    *push.Service
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, svc *push.Service, log zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		log: log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	msgHandler := NewMessageHandler(s.svc, s.log)
	statsHandler := NewStatsHandler(s.svc)

	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", msgHandler.Send)
		r.Post("/messages/batch", msgHandler.SendBatch)
		r.Get("/messages/{id}", msgHandler.Get)
		r.Get("/messages/{id}/logs", msgHandler.Logs)

		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
