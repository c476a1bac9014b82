package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/router"
)

// RegisterTools registers all MCP tools on the server.
// [OCP] A new tool is one more AddTool call here; server.go never changes.
func RegisterTools(
	s *mcpserver.MCPServer,
	reg *SessionRegistry,
	agents *registry.Service,
	rt *router.Service,
	orch *orchestrator.Service,
	coord *coordinator.Service,
) {
	s.AddTool(mcpmcp.NewTool("register_agent",
		mcpmcp.WithDescription("Register this agent with the coordinator. Routed messages for it arrive as notifications on this session; closing the session unregisters it."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Unique agent id")),
		mcpmcp.WithString("agent_type", mcpmcp.Required(), mcpmcp.Description("Agent type, e.g. technical or sentiment")),
		mcpmcp.WithArray("capabilities", mcpmcp.WithStringItems(), mcpmcp.Description("Capabilities the agent serves")),
		mcpmcp.WithNumber("reputation_score", mcpmcp.Description("Initial reputation in [0,1], default 1")),
		mcpmcp.WithNumber("service_level", mcpmcp.Description("Service level in [0,1], default 1")),
		mcpmcp.WithString("version", mcpmcp.Description("Agent version")),
	), registerAgentHandler(reg, agents))

	s.AddTool(mcpmcp.NewTool("heartbeat",
		mcpmcp.WithDescription("Report liveness and current load. Agents that stop sending heartbeats are degraded, then taken offline, then evicted."),
		mcpmcp.WithString("agent_id", mcpmcp.Required(), mcpmcp.Description("Agent id")),
		mcpmcp.WithNumber("load_factor", mcpmcp.Description("Current load in [0,1]")),
		mcpmcp.WithString("status", mcpmcp.Description("Optional status: healthy, degraded, unhealthy")),
	), heartbeatHandler(agents))

	s.AddTool(mcpmcp.NewTool("list_agents",
		mcpmcp.WithDescription("List registered agents, optionally filtered by type, capability or status."),
		mcpmcp.WithString("agent_type", mcpmcp.Description("Filter by agent type")),
		mcpmcp.WithString("capability", mcpmcp.Description("Filter by capability")),
		mcpmcp.WithString("status", mcpmcp.Description("Filter by status")),
	), listAgentsHandler(agents))

	s.AddTool(mcpmcp.NewTool("route_message",
		mcpmcp.WithDescription("Route a message to one agent chosen by id, type or capability. With requires_response and wait the reply is returned; without wait it arrives later as a notification."),
		mcpmcp.WithString("sender_id", mcpmcp.Required(), mcpmcp.Description("Sending agent id")),
		mcpmcp.WithString("destination_id", mcpmcp.Description("Exact destination agent")),
		mcpmcp.WithString("destination_type", mcpmcp.Description("Any agent of this type")),
		mcpmcp.WithString("capability", mcpmcp.Description("Any agent with this capability")),
		mcpmcp.WithString("strategy", mcpmcp.Description("round_robin, least_loaded or random")),
		mcpmcp.WithObject("payload", mcpmcp.Description("Message payload")),
		mcpmcp.WithNumber("priority", mcpmcp.Description("1 (critical) to 5 (background), default 3")),
		mcpmcp.WithBoolean("requires_response", mcpmcp.Description("Open a pending response slot")),
		mcpmcp.WithNumber("response_timeout", mcpmcp.Description("Seconds to wait for the response, default 30")),
		mcpmcp.WithBoolean("wait", mcpmcp.Description("Block until the response arrives")),
	), routeMessageHandler(rt, coord))

	s.AddTool(mcpmcp.NewTool("broadcast_message",
		mcpmcp.WithDescription("Deliver a message to every matching agent except the sender. Returns how many accepted it."),
		mcpmcp.WithString("sender_id", mcpmcp.Required(), mcpmcp.Description("Sending agent id")),
		mcpmcp.WithObject("payload", mcpmcp.Description("Message payload")),
		mcpmcp.WithArray("agent_types", mcpmcp.WithStringItems(), mcpmcp.Description("Only these agent types")),
		mcpmcp.WithString("capability", mcpmcp.Description("Only agents with this capability")),
	), broadcastMessageHandler(rt))

	s.AddTool(mcpmcp.NewTool("submit_response",
		mcpmcp.WithDescription("Answer a message that required a response."),
		mcpmcp.WithString("sender_id", mcpmcp.Required(), mcpmcp.Description("Responding agent id")),
		mcpmcp.WithString("correlation_id", mcpmcp.Required(), mcpmcp.Description("message_id of the request being answered")),
		mcpmcp.WithObject("payload", mcpmcp.Description("Response payload")),
	), submitResponseHandler(rt))

	s.AddTool(mcpmcp.NewTool("build_consensus",
		mcpmcp.WithDescription("Ask participants for a decision on a topic and tally the votes that arrive before the timeout."),
		mcpmcp.WithString("topic", mcpmcp.Required(), mcpmcp.Description("What is being decided")),
		mcpmcp.WithArray("participants", mcpmcp.Required(), mcpmcp.WithStringItems(), mcpmcp.Description("Agent ids to ask")),
		mcpmcp.WithObject("decision_data", mcpmcp.Description("Context sent to every participant")),
		mcpmcp.WithNumber("timeout_seconds", mcpmcp.Description("Collection window, default 60")),
	), buildConsensusHandler(orch))

	s.AddTool(mcpmcp.NewTool("request_peer_review",
		mcpmcp.WithDescription("Have the best-reputed other agents score an analysis against the given criteria."),
		mcpmcp.WithString("subject_agent", mcpmcp.Required(), mcpmcp.Description("Agent whose analysis is reviewed")),
		mcpmcp.WithObject("analysis_data", mcpmcp.Description("The analysis under review")),
		mcpmcp.WithArray("review_criteria", mcpmcp.Required(), mcpmcp.WithStringItems(), mcpmcp.Description("Criteria to score")),
		mcpmcp.WithNumber("num_reviewers", mcpmcp.Description("Reviewers to ask, default 3")),
	), peerReviewHandler(orch))

	s.AddTool(mcpmcp.NewTool("get_stats",
		mcpmcp.WithDescription("Current coordination statistics."),
	), getStatsHandler(coord))
}

// ── Tool handlers ─────────────────────────────────────────────────────────

func jsonResult(v any) *mcpmcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err))
	}
	return mcpmcp.NewToolResultText(string(data))
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func registerAgentHandler(reg *SessionRegistry, agents *registry.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		p := domainagent.New(
			mcpmcp.ParseString(req, "agent_id", ""),
			mcpmcp.ParseString(req, "agent_type", ""),
			req.GetStringSlice("capabilities", []string{}),
		)
		p.ReputationScore = mcpmcp.ParseFloat64(req, "reputation_score", p.ReputationScore)
		p.ServiceLevel = mcpmcp.ParseFloat64(req, "service_level", p.ServiceLevel)
		p.Version = mcpmcp.ParseString(req, "version", "")

		session := mcpserver.ClientSessionFromContext(ctx)
		if session != nil {
			p.Endpoint = "mcp:" + session.SessionID()
		}

		registered, err := agents.Register(ctx, p)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		if session != nil {
			reg.Register(session.SessionID(), registered.ID)
		}
		return jsonResult(registered), nil
	}
}

func heartbeatHandler(agents *registry.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		agentID := mcpmcp.ParseString(req, "agent_id", "")
		status := domainagent.Status(mcpmcp.ParseString(req, "status", ""))
		if status != "" && !status.Valid() {
			return mcpmcp.NewToolResultText("error: invalid status"), nil
		}

		if !agents.Heartbeat(ctx, agentID, mcpmcp.ParseFloat64(req, "load_factor", 0), status) {
			return mcpmcp.NewToolResultText("error: agent not registered"), nil
		}
		return mcpmcp.NewToolResultText(`{"ok":true}`), nil
	}
}

func listAgentsHandler(agents *registry.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		var filters domainagent.ListFilters
		if v := mcpmcp.ParseString(req, "agent_type", ""); v != "" {
			filters.Type = &v
		}
		if v := mcpmcp.ParseString(req, "capability", ""); v != "" {
			filters.Capability = &v
		}
		if v := mcpmcp.ParseString(req, "status", ""); v != "" {
			s := domainagent.Status(v)
			filters.Status = &s
		}
		return jsonResult(agents.List(filters)), nil
	}
}

func routeMessageHandler(rt *router.Service, coord *coordinator.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		msg := message.New(mcpmcp.ParseString(req, "sender_id", ""), "", message.TypeRequest,
			mcpmcp.ParseStringMap(req, "payload", map[string]any{}))
		msg.Priority = message.Priority(mcpmcp.ParseInt(req, "priority", int(message.PriorityNormal)))
		if !msg.Priority.Valid() {
			return mcpmcp.NewToolResultText("error: priority must be between 1 and 5"), nil
		}
		msg.RequiresResponse = mcpmcp.ParseBoolean(req, "requires_response", false)
		if t := mcpmcp.ParseFloat64(req, "response_timeout", 0); t > 0 {
			msg = msg.WithTimeout(seconds(t), time.Now().UTC())
		}
		target := router.Target{
			DestinationID:   mcpmcp.ParseString(req, "destination_id", ""),
			DestinationType: mcpmcp.ParseString(req, "destination_type", ""),
			Capability:      mcpmcp.ParseString(req, "capability", ""),
			Strategy:        message.ParseStrategy(mcpmcp.ParseString(req, "strategy", "")),
		}

		receipt, err := rt.Route(ctx, msg, target)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		out := map[string]any{"message_id": msg.ID, "agent_id": receipt.AgentID}
		if receipt.Pending == nil {
			return jsonResult(out), nil
		}

		if !mcpmcp.ParseBoolean(req, "wait", false) {
			coord.Relay(ctx, msg, receipt.Pending)
			out["pending"] = true
			return jsonResult(out), nil
		}
		resp, err := receipt.Pending.Wait(ctx)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		out["response"] = resp
		return jsonResult(out), nil
	}
}

func broadcastMessageHandler(rt *router.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		senderID := mcpmcp.ParseString(req, "sender_id", "")
		if senderID == "" {
			return mcpmcp.NewToolResultText("error: sender_id is required"), nil
		}
		msg := message.New(senderID, "", message.TypeBroadcast,
			mcpmcp.ParseStringMap(req, "payload", map[string]any{}))
		filter := router.BroadcastFilter{
			AgentTypes: req.GetStringSlice("agent_types", nil),
			Capability: mcpmcp.ParseString(req, "capability", ""),
		}

		n := rt.Broadcast(ctx, msg, filter)
		return jsonResult(map[string]any{"message_id": msg.ID, "delivered": n}), nil
	}
}

func submitResponseHandler(rt *router.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		correlationID := mcpmcp.ParseString(req, "correlation_id", "")
		if correlationID == "" {
			return mcpmcp.NewToolResultText("error: correlation_id is required"), nil
		}
		resp := message.New(mcpmcp.ParseString(req, "sender_id", ""), "", message.TypeResponse,
			mcpmcp.ParseStringMap(req, "payload", map[string]any{}))
		resp.CorrelationID = correlationID

		if !rt.Resolve(resp) {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", router.ErrNoPendingResponse)), nil
		}
		return mcpmcp.NewToolResultText(`{"ok":true}`), nil
	}
}

func buildConsensusHandler(orch *orchestrator.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		topic := mcpmcp.ParseString(req, "topic", "")
		participants := req.GetStringSlice("participants", nil)
		if topic == "" || len(participants) == 0 {
			return mcpmcp.NewToolResultText("error: topic and participants are required"), nil
		}

		res := orch.BuildConsensus(ctx, topic, participants,
			mcpmcp.ParseStringMap(req, "decision_data", map[string]any{}),
			seconds(mcpmcp.ParseFloat64(req, "timeout_seconds", 0)))
		return jsonResult(res), nil
	}
}

func peerReviewHandler(orch *orchestrator.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		subject := mcpmcp.ParseString(req, "subject_agent", "")
		criteria := req.GetStringSlice("review_criteria", nil)
		if subject == "" || len(criteria) == 0 {
			return mcpmcp.NewToolResultText("error: subject_agent and review_criteria are required"), nil
		}

		res := orch.PeerReview(ctx, subject,
			mcpmcp.ParseStringMap(req, "analysis_data", map[string]any{}),
			criteria, mcpmcp.ParseInt(req, "num_reviewers", 0))
		return jsonResult(res), nil
	}
}

func getStatsHandler(coord *coordinator.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		return jsonResult(coord.Stats()), nil
	}
}
