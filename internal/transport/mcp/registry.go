package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/agent-coordinator/internal/domain/message"
)

// NotificationMethod carries routed messages to MCP clients.
const NotificationMethod = "notifications/message"

var ErrNotConnected = errors.New("agent has no mcp session")

// SessionRegistry is the in-memory map of MCP sessions to the agents that
// registered over them. It is a delivery endpoint for those agents.
//
// [SRP] Session storage and notification dispatch only.
// [LSP] Satisfies port/deliverer.Endpoint alongside the local dispatcher and bus inbox.
type SessionRegistry struct {
	mu        sync.RWMutex
	bySession map[string]string // sessionID → agentID
	byAgent   map[string]string // agentID → sessionID

	// mcpSrv is set after the MCP server is constructed (avoids circular init dependency).
	mcpMu  sync.RWMutex
	mcpSrv *mcpserver.MCPServer
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		bySession: make(map[string]string),
		byAgent:   make(map[string]string),
	}
}

// SetMCPServer injects the mcp-go server after construction (breaks the init cycle).
func (r *SessionRegistry) SetMCPServer(s *mcpserver.MCPServer) {
	r.mcpMu.Lock()
	r.mcpSrv = s
	r.mcpMu.Unlock()
}

// Register binds agentID to sessionID. An agent re-registering from a new
// session moves there; a session re-registering as another agent drops the
// old binding.
func (r *SessionRegistry) Register(sessionID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldSession, ok := r.byAgent[agentID]; ok {
		delete(r.bySession, oldSession)
	}
	if oldAgent, ok := r.bySession[sessionID]; ok {
		delete(r.byAgent, oldAgent)
	}
	r.bySession[sessionID] = agentID
	r.byAgent[agentID] = sessionID
}

// Unregister removes a session when it closes and returns the agent it carried.
func (r *SessionRegistry) Unregister(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.bySession[sessionID]
	if !ok {
		return "", false
	}
	delete(r.bySession, sessionID)
	delete(r.byAgent, agentID)
	return agentID, true
}

func (r *SessionRegistry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAgent[agentID]
	return ok
}

func (r *SessionRegistry) Reaches(agentID string) bool { return r.IsConnected(agentID) }

// Deliver pushes msg to the agent's session as a notification.
func (r *SessionRegistry) Deliver(_ context.Context, agentID string, msg message.RoutedMessage) error {
	r.mu.RLock()
	sessionID, ok := r.byAgent[agentID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("deliver %s to %s: %w", msg.ID, agentID, ErrNotConnected)
	}

	r.mcpMu.RLock()
	srv := r.mcpSrv
	r.mcpMu.RUnlock()
	if srv == nil {
		return fmt.Errorf("mcp server not initialized")
	}

	params, err := toParams(msg)
	if err != nil {
		return fmt.Errorf("serialize notification: %w", err)
	}
	return srv.SendNotificationToSpecificClient(sessionID, NotificationMethod, params)
}

func toParams(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"data": v}, nil
	}
	return params, nil
}
