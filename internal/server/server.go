// Package server wires the relay's components onto an Echo app and owns
// the process lifecycle.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/newrelic/go-agent/v3/integrations/nrecho-v4"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/config"
	"github.com/tokenflow/tokenbridge/internal/handler"
	"github.com/tokenflow/tokenbridge/internal/history"
	"github.com/tokenflow/tokenbridge/internal/hub"
	"github.com/tokenflow/tokenbridge/internal/store"
)

// Server holds the Echo app and dependencies.
type Server struct {
	Echo    *echo.Echo
	Config  *config.Config
	history *history.Writer
	hub     *hub.Hub
	logger  zerolog.Logger
}

// New builds the Echo server, constructs the relay components, and
// registers routes.
func New(cfg *config.Config, logger zerolog.Logger, nrApp *newrelic.Application) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover(), middleware.Logger())
	if nrApp != nil {
		e.Use(nrecho.Middleware(nrApp))
	}
	e.Use(middleware.Secure())
	e.Use(middleware.Gzip())
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		// Authorization is allowed through for producers that send it,
		// but the relay never validates it: writes are unauthenticated.
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	snapshots := store.NewMemoryStore()
	writer := history.NewWriter(cfg.Storage.DataDir, logger)
	broadcast := hub.NewHub(snapshots, logger)
	tokens := handler.NewTokenHandler(snapshots, writer, broadcast, cfg.Storage.HistoryLimit, logger)

	e.GET("/health", tokens.Health)
	e.GET("/test", tokens.Test)

	e.GET("/api/tokens", tokens.GetTokens)
	e.POST("/api/tokens", tokens.Ingest)
	e.GET("/api/projects", tokens.ListProjects)
	e.GET("/api/tokens/history", tokens.ListHistory)
	e.GET("/api/tokens/history/:filename", tokens.GetHistoryEntry)

	e.GET("/ws", tokens.Subscribe)

	return &Server{Echo: e, Config: cfg, history: writer, hub: broadcast, logger: logger}
}

// Start starts the HTTP server. Blocks until the context is cancelled or
// the server fails. On context cancel, Shutdown runs so pending history
// writes reach disk.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("shutdown failed")
		}
	}()
	s.Echo.Server.ReadTimeout = time.Duration(s.Config.Server.ReadTimeout) * time.Second
	s.Echo.Server.WriteTimeout = time.Duration(s.Config.Server.WriteTimeout) * time.Second
	s.Echo.Server.IdleTimeout = time.Duration(s.Config.Server.IdleTimeout) * time.Second
	addr := ":" + s.Config.Server.Port
	s.logger.Info().Str("addr", addr).Msg("token bridge listening")
	return s.Echo.Start(addr)
}

// Shutdown stops the HTTP server first so in-flight ingestions finish
// against a live hub and history writer, then closes subscriber
// connections and drains pending history writes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.hub.Close()
	s.history.Close()
	return err
}
