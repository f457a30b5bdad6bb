package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/orchestrator"
	"golang.org/x/time/rate"
)

// Server is the orchestrator's HTTP surface: the node and client JSON
// API, the SSE event stream, and the Prometheus scrape endpoint.
type Server struct {
	orch   *orchestrator.Orchestrator
	cfg    *config.Config
	router *gin.Engine
	http   *http.Server

	submitLimiter *rate.Limiter
	logger        zerolog.Logger
}

// NewServer builds the router.
func NewServer(orch *orchestrator.Orchestrator, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		orch:   orch,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}

	snap := cfg.Snapshot()
	if snap.API.SubmitRatePerS > 0 {
		burst := snap.API.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.submitLimiter = rate.NewLimiter(rate.Limit(snap.API.SubmitRatePerS), burst)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if snap.API.APIKey != "" {
		v1.Use(s.requireAPIKey(snap.API.APIKey))
	}

	v1.POST("/nodes/register", s.handleRegisterNode)
	v1.POST("/nodes/:id/heartbeat", s.handleHeartbeat)
	v1.DELETE("/nodes/:id", s.handleUnregisterNode)
	v1.GET("/nodes", s.handleListNodes)
	v1.GET("/nodes/:id", s.handleGetNode)
	v1.PUT("/nodes/:id/status", s.handleSetNodeStatus)
	v1.GET("/agents", s.handleListAgents)

	v1.POST("/tasks", s.handleSubmitTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)
	v1.DELETE("/tasks/:id", s.handleCancelTask)
	v1.POST("/tasks/:id/result", s.handleTaskResult)

	v1.GET("/status", s.handleStatus)
	v1.GET("/metrics", s.handleMetricsSnapshot)
	v1.GET("/config", s.handleGetConfig)
	v1.PATCH("/config", s.handlePatchConfig)
	v1.GET("/events", s.handleEvents)

	s.router = r
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	snap := s.cfg.Snapshot()
	s.http = &http.Server{
		Addr:              snap.API.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("listen", snap.API.Listen).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) requireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
