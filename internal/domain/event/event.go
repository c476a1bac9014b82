package event

import (
	"time"
)

type Type string

const (
	TypeAgentRegistered   Type = "registered"
	TypeAgentUnregistered Type = "unregistered"
	TypeAgentEvicted      Type = "evicted"
	TypeAgentStatus       Type = "status_changed"
	TypeStats             Type = "stats"
)

// Topic is a bus subject. All coordination traffic shares one namespace
// regardless of which transport carries it.
type Topic string

const (
	TopicRegister     Topic = "router.agent.register"
	TopicHeartbeat    Topic = "router.agent.heartbeat"
	TopicUnregister   Topic = "router.agent.unregister"
	TopicRoute        Topic = "router.message.route"
	TopicBroadcast    Topic = "router.message.broadcast"
	TopicResponse     Topic = "router.message.response"
	TopicAgentUpdates Topic = "router.agent.updates"
	TopicStats        Topic = "router.stats"
)

// InboxTopic is the subject an agent listens on for routed messages.
func InboxTopic(agentID string) Topic {
	return Topic("agent." + agentID + ".messages")
}

// RegistryChange is published on TopicAgentUpdates whenever the set of
// registered agents or their health changes.
type RegistryChange struct {
	Type         Type      `json:"event"`
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewRegistryChange(t Type, agentID, agentType string, capabilities []string, status string) RegistryChange {
	return RegistryChange{
		Type:         t,
		AgentID:      agentID,
		AgentType:    agentType,
		Capabilities: capabilities,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	}
}

// Stats is the periodic snapshot published on TopicStats.
type Stats struct {
	Type                 Type      `json:"event"`
	Timestamp            time.Time `json:"timestamp"`
	AgentCount           int       `json:"agent_count"`
	HealthyAgents        int       `json:"healthy_agents"`
	AgentsRegistered     int64     `json:"agents_registered"`
	AgentsEvicted        int64     `json:"agents_evicted"`
	MessagesRouted       int64     `json:"messages_routed"`
	RoutingErrors        int64     `json:"routing_errors"`
	BreakerTrips         int64     `json:"circuit_breaker_trips"`
	ResponsesTimedOut    int64     `json:"responses_timed_out"`
	LateResponses        int64     `json:"late_responses"`
	PendingResponses     int       `json:"pending_responses"`
	ActiveCollaborations int       `json:"active_collaborations"`
}
