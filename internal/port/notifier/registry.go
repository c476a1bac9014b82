package notifier

import (
	"context"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

// RegistryNotifier announces registry membership and health changes.
// [DIP] The registry depends on this abstraction, not on a bus or the WS hub.
type RegistryNotifier interface {
	NotifyRegistryChange(ctx context.Context, change event.RegistryChange) error
}
