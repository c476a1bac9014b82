package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

// BusNotifier publishes registry changes on router.agent.updates.
type BusNotifier struct {
	bus porteventbus.EventBus
}

func NewBusNotifier(bus porteventbus.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (n *BusNotifier) NotifyRegistryChange(ctx context.Context, change event.RegistryChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshaling registry change: %w", err)
	}
	if err := n.bus.Publish(ctx, event.TopicAgentUpdates, data); err != nil {
		return fmt.Errorf("publishing %s for %s: %w", change.Type, change.AgentID, err)
	}
	return nil
}
