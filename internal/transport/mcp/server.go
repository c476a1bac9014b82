package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/router"
)

// Server wraps the mark3labs/mcp-go MCPServer and its StreamableHTTPServer.
// [SRP] HTTP server lifecycle only (start, stop, session open/close).
//
//	Tools are registered in tools.go, session state lives in registry.go.
type Server struct {
	mcpSrv  *mcpserver.MCPServer
	httpSrv *mcpserver.StreamableHTTPServer
	reg     *SessionRegistry
	agents  *registry.Service
}

// New creates the MCP transport server. reg is built before the router in
// the wire, since it is one of the router's delivery endpoints.
func New(
	reg *SessionRegistry,
	agents *registry.Service,
	rt *router.Service,
	orch *orchestrator.Service,
	coord *coordinator.Service,
) *Server {
	s := &Server{
		reg:    reg,
		agents: agents,
	}

	hooks := &mcpserver.Hooks{}
	hooks.OnUnregisterSession = append(hooks.OnUnregisterSession, s.onSessionClose)

	s.mcpSrv = mcpserver.NewMCPServer(
		"agent-coordinator",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithHooks(hooks),
	)

	reg.SetMCPServer(s.mcpSrv)
	RegisterTools(s.mcpSrv, reg, agents, rt, orch, coord)

	s.httpSrv = mcpserver.NewStreamableHTTPServer(s.mcpSrv)
	return s
}

// Handler returns an http.Handler that serves the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}

func (s *Server) Registry() *SessionRegistry {
	return s.reg
}

// onSessionClose unregisters the agent that was bound to the session.
func (s *Server) onSessionClose(ctx context.Context, session mcpserver.ClientSession) {
	agentID, ok := s.reg.Unregister(session.SessionID())
	if !ok {
		return
	}
	slog.InfoContext(ctx, "mcp: session closed, unregistering agent", "session_id", session.SessionID(), "agent_id", agentID)
	s.agents.Unregister(context.WithoutCancel(ctx), agentID)
}
