package deliverer

import (
	"context"

	"github.com/alanyang/agent-coordinator/internal/domain/message"
)

// Deliverer hands a stamped message to one agent. A nil error means the
// transport accepted it, not that the agent processed it.
type Deliverer interface {
	Deliver(ctx context.Context, agentID string, msg message.RoutedMessage) error
}

// Endpoint is a Deliverer that can only reach some agents.
// [ISP] The router needs only Deliverer; the delivery chain needs Reaches.
type Endpoint interface {
	Deliverer
	Reaches(agentID string) bool
}
