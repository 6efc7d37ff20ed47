package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/sweetlink/sweetlink/internal/codename"
	"github.com/sweetlink/sweetlink/internal/config"
	"github.com/sweetlink/sweetlink/internal/protocol"
)

// Options configures a Server.
type Options struct {
	Config    *config.Config
	Secret    string
	Codenames *codename.Cache
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Server is the SweetLink daemon.
type Server struct {
	cfg       *config.Config
	secret    string
	echo      *echo.Echo
	registry  *Registry
	metrics   *Metrics
	codenames *codename.Cache
	janitor   *Janitor
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a server. The secret must already be resolved.
func New(opts Options) (*Server, error) {
	if opts.Secret == "" {
		return nil, errors.New("broker secret is required")
	}
	if opts.Config == nil {
		return nil, errors.New("broker config is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Codenames == nil {
		opts.Codenames = codename.NewCache(nil, opts.Logger)
	}
	logger := opts.Logger.With().Str("component", "broker").Logger()

	metrics := NewMetrics()
	registry := NewRegistry(RegistryOptions{
		Secret:             opts.Secret,
		Codenames:          opts.Codenames,
		HeartbeatTolerance: opts.Config.Session.HeartbeatTolerance(),
		Grace:              opts.Config.Session.Grace(),
		Metrics:            metrics,
		Logger:             logger,
		Now:                opts.Now,
	})
	janitor, err := NewJanitor(registry, DefaultSweepInterval, logger)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = CustomValidator{}
	e.HTTPErrorHandler = jsonErrorHandler(logger)

	s := &Server{
		cfg:       opts.Config,
		secret:    opts.Secret,
		echo:      e,
		registry:  registry,
		metrics:   metrics,
		codenames: opts.Codenames,
		janitor:   janitor,
		logger:    logger,
		now:       opts.Now,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// Registry exposes the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURIPath: true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request")
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.RateLimitMiddleware())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, tokenHeader},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET(s.cfg.Daemon.WSPath, s.handleBridge)

	api := s.echo.Group("", s.AuthMiddleware)
	api.POST("/handshake", s.handleHandshake)
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:id", s.handleSession)
	api.POST("/sessions/:id/command", s.handleCommand)
	api.GET("/sessions/:id/console", s.handleConsole)
	api.GET("/metrics", s.handleMetrics)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("broker already running")
	}
	s.running = true
	s.startTime = s.now()
	s.mu.Unlock()

	if err := s.codenames.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load codenames, starting empty")
	}
	s.janitor.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.cfg.Daemon.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Daemon.Addr()).
		Str("socket", s.cfg.Daemon.SocketURL()).
		Msg("SweetLink daemon listening")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info().Msg("Shutting down SweetLink daemon...")
	s.janitor.Stop()
	s.registry.Close("daemon shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info().Msg("Server stopped")
	return serveErr
}

// Uptime returns how long the daemon has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return s.now().Sub(s.startTime)
}

func jsonErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		if code >= 500 {
			logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Request failed")
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, protocol.ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Debug().Err(err).Msg("Failed to write error response")
		}
	}
}
