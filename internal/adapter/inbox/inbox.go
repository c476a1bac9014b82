// Package inbox delivers routed messages to agents. Bus publishes to the
// agent's inbox topic; Chain picks the first endpoint able to reach an agent.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	portdeliverer "github.com/alanyang/agent-coordinator/internal/port/deliverer"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

var ErrUnreachable = errors.New("no endpoint reaches agent")

// Bus publishes each message as JSON on agent.<id>.messages. Any agent may
// be listening, so it reaches everyone.
type Bus struct {
	bus porteventbus.EventBus
}

func NewBus(bus porteventbus.EventBus) *Bus { return &Bus{bus: bus} }

func (b *Bus) Deliver(ctx context.Context, agentID string, msg message.RoutedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message %s: %w", msg.ID, err)
	}
	if err := b.bus.Publish(ctx, event.InboxTopic(agentID), data); err != nil {
		return fmt.Errorf("delivering %s to %s: %w", msg.ID, agentID, err)
	}
	return nil
}

func (b *Bus) Reaches(string) bool { return true }

// Chain tries endpoints in order and delivers through the first that
// reaches the agent. A failure there is returned as is; the router decides
// whether to retry elsewhere.
type Chain []portdeliverer.Endpoint

func NewChain(endpoints ...portdeliverer.Endpoint) Chain { return Chain(endpoints) }

func (c Chain) Deliver(ctx context.Context, agentID string, msg message.RoutedMessage) error {
	for _, ep := range c {
		if ep.Reaches(agentID) {
			return ep.Deliver(ctx, agentID, msg)
		}
	}
	return fmt.Errorf("deliver %s: %w: %s", msg.ID, ErrUnreachable, agentID)
}

func (c Chain) Reaches(agentID string) bool {
	for _, ep := range c {
		if ep.Reaches(agentID) {
			return true
		}
	}
	return false
}
