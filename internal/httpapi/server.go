// Package httpapi serves the read-oriented REST surface for the dashboard,
// plus the websocket event feed and the human message-post endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/channel"
	"github.com/swarmhq/swarm/internal/common/httpmw"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/epic"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/inbox"
	"github.com/swarmhq/swarm/internal/schedule"
	"github.com/swarmhq/swarm/internal/services"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port    int
	APIKey  string
	Version string
}

// Deps are the domain services the handlers read from.
type Deps struct {
	DB        *store.DB
	Agents    *agent.Service
	Tasks     *task.Service
	Channels  *channel.Service
	Services  *services.Registry
	Schedules *schedule.Service
	Epics     *epic.Service
	Inbox     *inbox.Service
	Events    *eventlog.Log
	Bus       bus.EventBus
}

// Server is the dashboard-facing HTTP server.
type Server struct {
	cfg        Config
	deps       Deps
	httpServer *http.Server
	logger     *logger.Logger
}

// New creates the server and builds its routes.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{cfg: cfg, deps: deps, logger: log}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log))
	engine.Use(httpmw.Tracing("swarm-http"))

	engine.GET("/health", s.handleHealth)

	api := engine.Group("/api/v1")
	api.Use(s.requireAPIKey())
	{
		api.GET("/agents", s.handleListAgents)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.GET("/channels", s.handleListChannels)
		api.GET("/channels/:id/messages", s.handleListMessages)
		api.POST("/channels/:id/messages", s.handlePostMessage)
		api.GET("/services", s.handleListServices)
		api.GET("/schedules", s.handleListSchedules)
		api.GET("/epics", s.handleListEpics)
		api.GET("/events", s.handleListEvents)
		api.GET("/stats", s.handleStats)
	}

	engine.GET("/ws", s.requireAPIKey(), s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// requireAPIKey enforces the optional bearer token. With no key configured
// every request passes.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if token != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
		c.Next()
	}
}

// Start begins serving in a goroutine and returns once the listener is
// bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
