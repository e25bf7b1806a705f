// Package http is the gateway's ingress: one listener speaking the three
// client wire protocols plus health, readiness and metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/monitoring"
	"github.com/routecodex/routecodex/internal/infrastructure/pipeline"
	"github.com/routecodex/routecodex/internal/infrastructure/snapshot"
	"github.com/routecodex/routecodex/internal/interfaces/http/handlers"
)

// Server wraps the HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the gin router and handlers.
func NewServer(cfg config.HTTPServerConfig, engine *pipeline.Engine, sink *snapshot.Sink, metrics *monitoring.Metrics, providers func() map[string]config.ProviderConfig, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLog(logger))
	if metrics != nil {
		router.Use(metricsMiddleware(metrics))
	}

	gw := handlers.NewGatewayHandler(engine, sink, metrics, cfg.BodyBufferLimit, logger)
	modelsHandler := handlers.NewModelsHandler(providers)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	v1 := router.Group("/v1")
	v1.Use(serverKeyAuth(cfg.APIKey))
	{
		v1.POST("/chat/completions", gw.ChatCompletions)
		v1.POST("/responses", gw.Responses)
		v1.POST("/responses/:id/submit_tool_outputs", gw.SubmitToolOutputs)
		v1.POST("/messages", gw.Messages)
		v1.GET("/models", modelsHandler.List)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger.With(zap.String("component", "http-server")),
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// requestIDMiddleware assigns the gateway request id unless the client sent
// one, and reflects it in the response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = entity.NewRequestID()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// serverKeyAuth validates the configured gateway key on x-api-key or
// Authorization: Bearer. An unset key disables client auth.
func serverKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("x-api-key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			provided = strings.TrimPrefix(auth, "Bearer ")
		}
		if provided != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "invalid or missing api key",
					"type":    "authentication_error",
				},
			})
			return
		}
		c.Next()
	}
}

// accessLog emits one structured line per request.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// metricsMiddleware records request counts and latency.
func metricsMiddleware(m *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		proto := "other"
		switch c.Request.URL.Path {
		case "/v1/chat/completions":
			proto = string(entity.ProtocolOpenAIChat)
		case "/v1/messages":
			proto = string(entity.ProtocolAnthropic)
		default:
			if strings.HasPrefix(c.Request.URL.Path, "/v1/responses") {
				proto = string(entity.ProtocolOpenAIResponses)
			}
		}
		m.RequestsTotal.WithLabelValues(proto, fmt.Sprint(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(proto).Observe(time.Since(start).Seconds())
	}
}
