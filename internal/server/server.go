// Package server exposes the gateway over HTTP: operation submission,
// status and health endpoints, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/bridge"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/circuitbreaker"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/config"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/health"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/interfaces"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/metrics"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/selector"
)

const requestTimeout = 60 * time.Second

// BridgeStatus is the slice of the bridge the status endpoint needs.
type BridgeStatus interface {
	Status() bridge.Status
	Reconnect(ctx context.Context) error
}

// PoolStatus is the slice of the pool the status endpoint needs.
type PoolStatus interface {
	QueuedCount() int
	RunningCount() int
	ShuttingDown() bool
	BreakerState() circuitbreaker.Status
}

// OperationRouter executes routed operations. Implemented by the selector.
type OperationRouter interface {
	Execute(ctx context.Context, req selector.Request) (json.RawMessage, error)
	ExecuteMutation(ctx context.Context, req selector.Request) (json.RawMessage, error)
}

// Dependencies holds everything the server needs.
type Dependencies struct {
	Logger  interfaces.SimpleLogger
	Router  OperationRouter
	Bridge  BridgeStatus
	Pool    PoolStatus
	Health  *health.Manager
	Metrics *metrics.Metrics
}

// Server is the gateway's HTTP surface.
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	logger     interfaces.SimpleLogger
	operations OperationRouter
	bridge     BridgeStatus
	pool       PoolStatus
	health     *health.Manager
	metrics    *metrics.Metrics
}

func New(cfg *config.Config, deps *Dependencies) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	s := &Server{
		config:     cfg,
		router:     router,
		logger:     deps.Logger,
		operations: deps.Router,
		bridge:     deps.Bridge,
		pool:       deps.Pool,
		health:     deps.Health,
		metrics:    deps.Metrics,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Start runs the HTTP server until Shutdown. It also starts the background
// health manager.
func (s *Server) Start() error {
	if s.health != nil {
		s.health.Start()
	}

	s.logger.LogInfo(context.Background(), "HTTP server starting", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown drains in-flight HTTP requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.panicRecovery())
	s.router.Use(s.requestLogger())
	s.router.Use(s.setupCORS())
	s.router.Use(s.setupRateLimit())
	s.router.Use(s.setupRequestTimeout())
}

func (s *Server) setupCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func (s *Server) setupRateLimit() gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Every(time.Second/50), 100)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "Rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRequestTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) panicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.LogError(c.Request.Context(), "Handler panic recovered", map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
					"path":  c.Request.URL.Path,
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"message": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.LogInfo(c.Request.Context(), "Request handled", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/readyz", s.readinessCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/operations", s.handleOperation)
		v1.GET("/status", s.handleStatus)
		v1.POST("/bridge/reconnect", s.handleReconnect)
	}
}
