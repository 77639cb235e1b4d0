// Package api exposes the camera over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unklstewy/indicam/internal/camera"
	"github.com/unklstewy/indicam/internal/catalog"
	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"go.uber.org/zap"
)

// Camera is the camera surface served by the API. *camera.Camera satisfies it.
type Camera interface {
	Device() string
	Devices() []string
	Properties() []camera.PropertyInfo
	Format() camera.CaptureFormat
	Expose(ctx context.Context, seconds float64) (*frame.Frame, error)
	SetGain(ctx context.Context, gain float64) error
	SetCaptureFormat(ctx context.Context, format camera.CaptureFormat) error
}

// FrameLister lists catalogued frames. *catalog.Store satisfies it.
type FrameLister interface {
	List(ctx context.Context, opts catalog.ListOptions) ([]catalog.Entry, error)
}

// Config holds HTTP server settings.
type Config struct {
	// Listen is the TCP address, e.g. ":8080"
	Listen string
	// JWTSecret protects mutating routes when set
	JWTSecret       string
	ShutdownTimeout time.Duration
}

// Server serves the REST API.
type Server struct {
	config   Config
	camera   Camera
	consumer frame.Consumer
	frames   FrameLister
	health   *healthcheck.Engine
	logger   *zap.Logger
}

// NewServer creates a server. consumer receives frames taken through the API
// and frames may be nil when no catalog is configured.
func NewServer(config Config, cam Camera, consumer frame.Consumer, frames FrameLister, health *healthcheck.Engine, logger *zap.Logger) (*Server, error) {
	if cam == nil {
		return nil, fmt.Errorf("camera is required")
	}
	if health == nil {
		return nil, fmt.Errorf("health engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Listen == "" {
		config.Listen = ":8080"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &Server{
		config:   config,
		camera:   cam,
		consumer: consumer,
		frames:   frames,
		health:   health,
		logger:   logger.With(zap.String("component", "api")),
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(s.logger))

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	v1.GET("/devices", s.handleDevices)
	v1.GET("/camera/properties", s.handleProperties)
	v1.GET("/frames", s.handleFrames)

	protected := v1.Group("", AuthMiddleware(s.config.JWTSecret))
	protected.POST("/camera/exposures", s.handleExpose)
	protected.PUT("/camera/gain", s.handleGain)
	protected.PUT("/camera/format", s.handleFormat)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting",
			zap.String("address", httpServer.Addr),
			zap.Bool("auth_enabled", s.config.JWTSecret != ""))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Warn("Request returned client error", fields...)
		default:
			logger.Debug("Request completed", fields...)
		}
	}
}
