//go:build integration

package testutil

import (
	"context"
	"sync"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

// CaptureNotifier is a test-double RegistryNotifier. It records every change
// with a mutex so it is safe for concurrent use.
type CaptureNotifier struct {
	mu      sync.Mutex
	Changes []event.RegistryChange
}

func (c *CaptureNotifier) NotifyRegistryChange(_ context.Context, change event.RegistryChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Changes = append(c.Changes, change)
	return nil
}

// Types returns the recorded change types for agentID, oldest first.
func (c *CaptureNotifier) Types(agentID string) []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Type
	for _, ch := range c.Changes {
		if ch.AgentID == agentID {
			out = append(out, ch.Type)
		}
	}
	return out
}
