package message

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeBroadcast    Type = "broadcast"
	TypeHeartbeat    Type = "heartbeat"
	TypeError        Type = "error"
)

// Priority runs from 1 (critical) to 5 (background).
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityBackground }

type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
)

// ParseStrategy maps unknown names (including sticky_session and
// priority_based, which were never implemented) to round robin.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyLeastLoaded, StrategyRandom:
		return Strategy(s)
	default:
		return StrategyRoundRobin
	}
}

const DefaultResponseTimeout = 30 * time.Second

type RoutedMessage struct {
	ID                 string         `json:"message_id"`
	SenderID           string         `json:"sender_id"`
	ReceiverID         string         `json:"receiver_id,omitempty"`
	Type               Type           `json:"message_type"`
	Priority           Priority       `json:"priority"`
	Payload            map[string]any `json:"payload"`
	CreatedAt          time.Time      `json:"created_at"`
	TTL                *time.Time     `json:"ttl,omitempty"`
	RequiresResponse   bool           `json:"requires_response"`
	ResponseTimeoutSec float64        `json:"response_timeout,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	RoutingPath        []string       `json:"routing_path,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	RoutedBy         string     `json:"routed_by,omitempty"`
	RoutedAt         *time.Time `json:"routed_at,omitempty"`
	DestinationAgent string     `json:"destination_agent,omitempty"`
}

func New(senderID, receiverID string, typ Type, payload map[string]any) RoutedMessage {
	if payload == nil {
		payload = map[string]any{}
	}
	return RoutedMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       typ,
		Priority:   PriorityNormal,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewResponse builds the reply to req. The correlation id ties it to the
// pending slot opened when req was routed.
func NewResponse(req RoutedMessage, senderID string, payload map[string]any) RoutedMessage {
	resp := New(senderID, req.SenderID, TypeResponse, payload)
	resp.CorrelationID = req.ID
	resp.Priority = req.Priority
	return resp
}

// Expired reports whether the message is past its TTL at now. Messages
// without a TTL never expire.
func (m RoutedMessage) Expired(now time.Time) bool {
	return m.TTL != nil && now.After(*m.TTL)
}

// ResponseTimeout returns the requested wait, or DefaultResponseTimeout when
// the sender left it unset.
func (m RoutedMessage) ResponseTimeout() time.Duration {
	if m.ResponseTimeoutSec <= 0 {
		return DefaultResponseTimeout
	}
	return time.Duration(m.ResponseTimeoutSec * float64(time.Second))
}

// ResponseKey is the pending slot a response message resolves.
func (m RoutedMessage) ResponseKey() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// Stamp returns a copy of m annotated with routing metadata. The routing
// path of the original is not mutated.
func (m RoutedMessage) Stamp(router, destination string, at time.Time) RoutedMessage {
	out := m
	out.RoutedBy = router
	out.RoutedAt = &at
	out.DestinationAgent = destination
	out.ReceiverID = destination
	out.RoutingPath = append(slices.Clone(m.RoutingPath), router)
	return out
}

// WithTimeout sets both the response wait and an absolute TTL of d from now.
func (m RoutedMessage) WithTimeout(d time.Duration, now time.Time) RoutedMessage {
	ttl := now.Add(d)
	m.TTL = &ttl
	m.ResponseTimeoutSec = d.Seconds()
	return m
}
