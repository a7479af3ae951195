// Package mcpserver exposes the coordination engine as MCP tools over SSE
// and Streamable HTTP transports. Caller identity travels in the X-Agent-ID
// header and is lifted into the request context before tool dispatch.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/channel"
	"github.com/swarmhq/swarm/internal/common/capability"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/epic"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/inbox"
	"github.com/swarmhq/swarm/internal/schedule"
	"github.com/swarmhq/swarm/internal/services"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Deps are the domain services the tools call into.
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
	Caps      *capability.Set
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle
// management. Both transports share one MCP server and one port:
// - SSE transport (/sse, /message) for Claude Desktop, Cursor, etc.
// - Streamable HTTP transport (/mcp) for Codex
type Server struct {
	cfg                  Config
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new MCP server.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, logger: log}
}

type ctxKey int

const agentIDKey ctxKey = iota

// withAgentID lifts the X-Agent-ID header into the request context so tool
// handlers can identify the caller.
func withAgentID(ctx context.Context, r *http.Request) context.Context {
	if id := r.Header.Get("X-Agent-ID"); id != "" {
		return context.WithValue(ctx, agentIDKey, id)
	}
	return ctx
}

// callerID returns the caller's agent id, or "" when the transport supplied
// none.
func callerID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// Start starts the MCP server in a goroutine and returns when it's
// listening. Both transports are served on the same port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"swarm-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.deps, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer,
		server.WithSSEContextFunc(withAgentID),
	)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(withAgentID),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}
