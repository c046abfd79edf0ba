// Package httpapi serves the cog-compatible prediction API over gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"flux_backend/db"
	"flux_backend/logging"
	"flux_backend/metrics"
	"flux_backend/predictor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Predictor is the part of *predictor.Predictor the routes need.
type Predictor interface {
	Predict(ctx context.Context, id string, req predictor.Request) (*predictor.Result, error)
	QueueDepth() int
	Busy() bool
}

// History answers prediction lookups. *db.Repository implements it.
type History interface {
	GetPrediction(ctx context.Context, id string) (*db.PredictionRecord, error)
	ListPredictions(ctx context.Context, limit int) ([]db.PredictionRecord, error)
}

// DefaultMaxBodyBytes fits a base64 data URI of the largest accepted seed
// image plus the rest of the request.
const DefaultMaxBodyBytes = int64(predictor.MaxInputImageBytes)*4/3 + 1<<20

// ServerConfig configures the Server.
type ServerConfig struct {
	// Addr to listen on (default: ":5000")
	Addr string

	ReadTimeout time.Duration
	// WriteTimeout bounds a whole prediction round trip, queue wait included
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxBodyBytes caps a prediction request body; zero means
	// DefaultMaxBodyBytes and a negative value disables the cap
	MaxBodyBytes int64

	// TokenHash is a bcrypt hash; empty disables bearer authentication
	TokenHash string

	// LogSkipPaths are not request-logged
	LogSkipPaths []string

	Debug bool
}

// DefaultServerConfig returns a ServerConfig with the serving defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":5000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		LogSkipPaths:    []string{"/health-check", "/metrics"},
	}
}

// Server wires the routes, middleware and http.Server together.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     ServerConfig
	logger     *logging.Logger

	predictor Predictor
	history   History
	metrics   *metrics.Metrics
	auth      *TokenAuth
}

// NewServer builds a Server. history and m may be nil; the history routes
// then answer 503 and /metrics is not mounted.
func NewServer(config ServerConfig, p Predictor, history History, m *metrics.Metrics, logger *logging.Logger) (*Server, error) {
	if p == nil {
		return nil, errors.New("httpapi: predictor is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.Addr == "" {
		config.Addr = DefaultServerConfig().Addr
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		config:    config,
		logger:    logger.Named("http"),
		predictor: p,
		history:   history,
		metrics:   m,
	}
	if config.TokenHash != "" {
		auth, err := NewTokenAuth(config.TokenHash, DefaultRateLimitConfig(), s.logger)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}

	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(
		recoveryMiddleware(s.logger),
		NewLoggingMiddleware(s.logger, config.LogSkipPaths).Handler(),
	)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	s.logger.Info("HTTP server created",
		zap.String("addr", config.Addr),
		zap.Bool("auth_enabled", s.auth != nil),
		zap.Bool("history_enabled", history != nil),
	)
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health-check", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.engine.Group("/predictions")
	if s.auth != nil {
		api.Use(s.auth.Middleware())
	}
	api.POST("", s.handlePredict)
	api.GET("", s.handleList)
	api.GET("/:id", s.handleGet)
}

// Handler exposes the gin engine, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until Shutdown is called. It blocks.
func (s *Server) Start(ctx context.Context) error {
	if s.auth != nil {
		s.auth.limiter.StartCleanupTicker(ctx, 5*time.Minute)
	}

	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
