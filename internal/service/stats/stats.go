package stats

import (
	"sync/atomic"
	"time"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

// Counters are the process-wide coordination counters. Every field is safe
// for concurrent use; the zero value is ready.
type Counters struct {
	AgentsRegistered  atomic.Int64
	AgentsEvicted     atomic.Int64
	MessagesRouted    atomic.Int64
	RoutingErrors     atomic.Int64
	BreakerTrips      atomic.Int64
	ResponsesTimedOut atomic.Int64
	LateResponses     atomic.Int64
}

// Gauges are point-in-time readings owned by other components.
type Gauges struct {
	AgentCount           int
	HealthyAgents        int
	PendingResponses     int
	ActiveCollaborations int
}

func (c *Counters) Snapshot(g Gauges) event.Stats {
	return event.Stats{
		Type:                 event.TypeStats,
		Timestamp:            time.Now().UTC(),
		AgentCount:           g.AgentCount,
		HealthyAgents:        g.HealthyAgents,
		AgentsRegistered:     c.AgentsRegistered.Load(),
		AgentsEvicted:        c.AgentsEvicted.Load(),
		MessagesRouted:       c.MessagesRouted.Load(),
		RoutingErrors:        c.RoutingErrors.Load(),
		BreakerTrips:         c.BreakerTrips.Load(),
		ResponsesTimedOut:    c.ResponsesTimedOut.Load(),
		LateResponses:        c.LateResponses.Load(),
		PendingResponses:     g.PendingResponses,
		ActiveCollaborations: g.ActiveCollaborations,
	}
}
