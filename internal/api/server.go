// Package api serves the admin HTTP surface: health, metrics, tenants and positions.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"pump-signal-engine/internal/observability"
)

// Config holds HTTP server settings.
type Config struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Addr            string        `yaml:"addr" default:":8080" validate:"required_if=Enabled true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"5s"`
}

// Options contains dependencies for creating a Server.
type Options struct {
	Config  Config
	Tenants TenantService
	Feed    FeedStatus   // optional
	Engine  EngineStatus // optional
	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// Server wraps an Echo instance.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger zerolog.Logger
}

// NewServer creates the admin server and registers all routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Tenants == nil {
		return nil, fmt.Errorf("tenant service is required")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "api").Logger()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.Config.ReadTimeout
	e.Server.WriteTimeout = opts.Config.WriteTimeout

	e.Use(recoverer(logger))
	e.Use(requestLogging(logger))

	h := &handler{
		tenants: opts.Tenants,
		feed:    opts.Feed,
		engine:  opts.Engine,
		logger:  logger,
	}
	h.registerRoutes(e)

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	return &Server{cfg: opts.Config, echo: e, logger: logger}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
