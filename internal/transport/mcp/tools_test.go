package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-coordinator/internal/adapter/inbox"
	"github.com/alanyang/agent-coordinator/internal/adapter/local"
	"github.com/alanyang/agent-coordinator/internal/adapter/memory"
	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/collaboration"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/router"
	"github.com/alanyang/agent-coordinator/internal/service/stats"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type stack struct {
	server     *Server
	sessions   *SessionRegistry
	agents     *registry.Service
	router     *router.Service
	orch       *orchestrator.Service
	coord      *coordinator.Service
	dispatcher *local.Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	bus := memory.NewBus(16)
	t.Cleanup(func() { _ = bus.Close() })

	counters := &stats.Counters{}
	s := &stack{
		sessions:   NewSessionRegistry(),
		agents:     registry.NewService(nil, counters),
		dispatcher: local.NewDispatcher(nil),
	}
	chain := inbox.NewChain(s.dispatcher, s.sessions, inbox.NewBus(bus))
	s.router = router.NewService(s.agents, chain, counters)
	s.dispatcher.SetSink(s.router)
	s.orch = orchestrator.NewService(s.router, s.agents, orchestrator.Config{
		PollInterval:     5 * time.Millisecond,
		ReviewTimeout:    time.Second,
		ConsensusTimeout: time.Second,
	})
	s.coord = coordinator.NewService(bus, s.agents, s.router, s.orch, chain, counters, nil)
	s.server = New(s.sessions, s.agents, s.router, s.orch, s.coord)
	t.Cleanup(s.coord.Stop)
	t.Cleanup(s.dispatcher.Wait)
	return s
}

// localAgent registers an in-process agent backed by h.
func (s *stack) localAgent(t *testing.T, id string, h interface {
	Handle(context.Context, message.RoutedMessage) (*message.RoutedMessage, error)
}) {
	t.Helper()
	_, err := s.agents.Register(context.Background(), domainagent.New(id, "technical", []string{"analysis"}))
	require.NoError(t, err)
	s.dispatcher.Register(id, h)
}

type echo struct{ id string }

func (e echo) Handle(_ context.Context, msg message.RoutedMessage) (*message.RoutedMessage, error) {
	if !msg.RequiresResponse {
		return nil, nil
	}
	resp := message.NewResponse(msg, e.id, map[string]any{"echo": msg.Payload["text"]})
	return &resp, nil
}

type fakeSession struct {
	id string
	ch chan mcpmcp.JSONRPCNotification
}

func (f *fakeSession) Initialize()       {}
func (f *fakeSession) Initialized() bool { return true }
func (f *fakeSession) SessionID() string { return f.id }
func (f *fakeSession) NotificationChannel() chan<- mcpmcp.JSONRPCNotification {
	return f.ch
}

// connect opens an MCP session and returns a context carrying it.
func (s *stack) connect(t *testing.T, id string) (context.Context, *fakeSession) {
	t.Helper()
	session := &fakeSession{id: id, ch: make(chan mcpmcp.JSONRPCNotification, 8)}
	require.NoError(t, s.server.mcpSrv.RegisterSession(context.Background(), session))
	return s.server.mcpSrv.WithContext(context.Background(), session), session
}

func makeReq(args map[string]any) mcpmcp.CallToolRequest {
	var req mcpmcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(r *mcpmcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	b, _ := json.Marshal(r.Content[0])
	var m map[string]interface{}
	json.Unmarshal(b, &m) //nolint:errcheck
	if t, ok := m["text"].(string); ok {
		return t
	}
	return ""
}

func call(t *testing.T, ctx context.Context, h mcpserver.ToolHandlerFunc, args map[string]any) string {
	t.Helper()
	res, err := h(ctx, makeReq(args))
	require.NoError(t, err)
	return resultText(res)
}

func decodeResult(t *testing.T, text string, v any) {
	t.Helper()
	require.False(t, strings.HasPrefix(text, "error:"), text)
	require.NoError(t, json.Unmarshal([]byte(text), v))
}

// ── register_agent / session lifecycle ────────────────────────────────────────

func TestRegisterAgentHandler_BindsSession(t *testing.T) {
	s := newStack(t)
	ctx, _ := s.connect(t, "session-1")

	text := call(t, ctx, registerAgentHandler(s.sessions, s.agents), map[string]any{
		"agent_id":         "tech-1",
		"agent_type":       "technical",
		"capabilities":     []any{"rsi", "macd"},
		"reputation_score": 0.8,
	})

	var got domainagent.Profile
	decodeResult(t, text, &got)
	assert.Equal(t, "tech-1", got.ID)
	assert.Equal(t, []string{"rsi", "macd"}, got.Capabilities)
	assert.InDelta(t, 0.8, got.ReputationScore, 1e-9)
	assert.Equal(t, "mcp:session-1", got.Endpoint)
	assert.True(t, s.sessions.IsConnected("tech-1"))
}

func TestSessionClose_UnregistersAgent(t *testing.T) {
	s := newStack(t)
	ctx, _ := s.connect(t, "session-1")
	call(t, ctx, registerAgentHandler(s.sessions, s.agents), map[string]any{
		"agent_id": "tech-1", "agent_type": "technical",
	})

	s.server.mcpSrv.UnregisterSession(context.Background(), "session-1")

	assert.False(t, s.sessions.IsConnected("tech-1"))
	_, ok := s.agents.Get("tech-1")
	assert.False(t, ok, "closing the session should unregister the agent")
}

func TestRegisterAgentHandler_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing id", map[string]any{"agent_type": "technical"}},
		{"missing type", map[string]any{"agent_id": "a1"}},
		{"reputation out of range", map[string]any{"agent_id": "a1", "agent_type": "technical", "reputation_score": 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t)
			text := call(t, context.Background(), registerAgentHandler(s.sessions, s.agents), tt.args)
			assert.Contains(t, text, "error:")
		})
	}
}

// ── heartbeat / list_agents ───────────────────────────────────────────────────

func TestHeartbeatHandler(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "a1", echo{"a1"})
	h := heartbeatHandler(s.agents)

	assert.Equal(t, `{"ok":true}`, call(t, context.Background(), h, map[string]any{"agent_id": "a1", "load_factor": 0.3}))
	p, _ := s.agents.Get("a1")
	assert.InDelta(t, 0.3, p.LoadFactor, 1e-9)

	assert.Contains(t, call(t, context.Background(), h, map[string]any{"agent_id": "ghost"}), "error: agent not registered")
	assert.Contains(t, call(t, context.Background(), h, map[string]any{"agent_id": "a1", "status": "sleepy"}), "error: invalid status")
}

func TestListAgentsHandler(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "a1", echo{"a1"})
	_, err := s.agents.Register(context.Background(), domainagent.New("s1", "sentiment", []string{"news"}))
	require.NoError(t, err)

	var got []domainagent.Profile
	decodeResult(t, call(t, context.Background(), listAgentsHandler(s.agents), map[string]any{"capability": "news"}), &got)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
}

// ── route_message / submit_response / broadcast_message ───────────────────────

func TestRouteMessageHandler_WaitsForLocalReply(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "a1", echo{"a1"})

	text := call(t, context.Background(), routeMessageHandler(s.router, s.coord), map[string]any{
		"sender_id":         "client",
		"destination_id":    "a1",
		"payload":           map[string]any{"text": "ping"},
		"requires_response": true,
		"response_timeout":  1.0,
		"wait":              true,
	})

	var out struct {
		AgentID  string                `json:"agent_id"`
		Response message.RoutedMessage `json:"response"`
	}
	decodeResult(t, text, &out)
	assert.Equal(t, "a1", out.AgentID)
	assert.Equal(t, "ping", out.Response.Payload["echo"])
}

func TestRouteMessageHandler_NotifiesSessionAgent(t *testing.T) {
	s := newStack(t)
	ctx, session := s.connect(t, "session-1")
	call(t, ctx, registerAgentHandler(s.sessions, s.agents), map[string]any{
		"agent_id": "remote-1", "agent_type": "technical", "capabilities": []any{"rsi"},
	})

	text := call(t, context.Background(), routeMessageHandler(s.router, s.coord), map[string]any{
		"sender_id":         "client",
		"capability":        "rsi",
		"payload":           map[string]any{"symbol": "ETH"},
		"requires_response": true,
	})
	var out map[string]any
	decodeResult(t, text, &out)
	assert.Equal(t, true, out["pending"])
	messageID, _ := out["message_id"].(string)

	select {
	case n := <-session.ch:
		assert.Equal(t, NotificationMethod, n.Method)
		assert.Equal(t, messageID, n.Params.AdditionalFields["message_id"])
	case <-time.After(time.Second):
		t.Fatal("session did not receive the routed message")
	}

	submit := submitResponseHandler(s.router)
	args := map[string]any{"sender_id": "remote-1", "correlation_id": messageID, "payload": map[string]any{"signal": "hold"}}
	assert.Equal(t, `{"ok":true}`, call(t, context.Background(), submit, args))
	assert.Contains(t, call(t, context.Background(), submit, args), router.ErrNoPendingResponse.Error())
}

func TestRouteMessageHandler_Errors(t *testing.T) {
	s := newStack(t)
	h := routeMessageHandler(s.router, s.coord)

	assert.Contains(t, call(t, context.Background(), h, map[string]any{"sender_id": "c", "capability": "none"}),
		router.ErrNoDestination.Error())
	assert.Contains(t, call(t, context.Background(), h, map[string]any{"sender_id": "c", "priority": 7}),
		"error: priority")
}

func TestSubmitResponseHandler_RequiresCorrelation(t *testing.T) {
	s := newStack(t)
	assert.Contains(t, call(t, context.Background(), submitResponseHandler(s.router), map[string]any{"sender_id": "a1"}),
		"error: correlation_id is required")
}

func TestBroadcastMessageHandler(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "a1", echo{"a1"})
	s.localAgent(t, "a2", echo{"a2"})

	var out map[string]any
	decodeResult(t, call(t, context.Background(), broadcastMessageHandler(s.router), map[string]any{
		"sender_id":   "a1",
		"agent_types": []any{"technical"},
		"payload":     map[string]any{"halt": true},
	}), &out)
	assert.InDelta(t, 1, out["delivered"], 0)

	assert.Contains(t, call(t, context.Background(), broadcastMessageHandler(s.router), map[string]any{}),
		"error: sender_id is required")
}

// ── build_consensus / request_peer_review / get_stats ─────────────────────────

func TestBuildConsensusHandler(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "bull", local.NewScoringAgent("bull", local.StaticScorer{"trend": 0.9}))
	s.localAgent(t, "bear", local.NewScoringAgent("bear", local.StaticScorer{"trend": 0.1}))
	s.localAgent(t, "bull-2", local.NewScoringAgent("bull-2", local.StaticScorer{"trend": 0.8}))

	var res collaboration.ConsensusResult
	decodeResult(t, call(t, context.Background(), buildConsensusHandler(s.orch), map[string]any{
		"topic":           "ETH",
		"participants":    []any{"bull", "bear", "bull-2"},
		"timeout_seconds": 1.0,
	}), &res)

	assert.True(t, res.ConsensusAchieved)
	require.NotNil(t, res.FinalDecision)
	assert.Equal(t, local.DecisionBullish, *res.FinalDecision)
	assert.Equal(t, map[string]int{local.DecisionBullish: 2, local.DecisionBearish: 1}, res.Votes)

	assert.Contains(t, call(t, context.Background(), buildConsensusHandler(s.orch), map[string]any{"topic": "ETH"}), "error:")
}

func TestPeerReviewHandler(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "subject", local.NewScoringAgent("subject", local.StaticScorer{"accuracy": 1}))
	s.localAgent(t, "r1", local.NewScoringAgent("r1", local.StaticScorer{"accuracy": 0.9}))

	var res collaboration.ReviewResult
	decodeResult(t, call(t, context.Background(), peerReviewHandler(s.orch), map[string]any{
		"subject_agent":   "subject",
		"review_criteria": []any{"accuracy"},
		"num_reviewers":   2,
	}), &res)

	assert.Equal(t, 1, res.ReviewerCount)
	assert.Equal(t, []string{"r1"}, res.Reviewers)
	assert.InDelta(t, 0.9, res.OverallScore, 1e-9)

	assert.Contains(t, call(t, context.Background(), peerReviewHandler(s.orch), map[string]any{"subject_agent": "subject"}), "error:")
}

func TestGetStatsHandler(t *testing.T) {
	s := newStack(t)
	s.localAgent(t, "a1", echo{"a1"})

	var got event.Stats
	decodeResult(t, call(t, context.Background(), getStatsHandler(s.coord), nil), &got)
	assert.Equal(t, 1, got.AgentCount)
	assert.Equal(t, 1, got.HealthyAgents)
	assert.Equal(t, int64(1), got.AgentsRegistered)
}
