package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyang/agent-coordinator/internal/adapter/memory"
	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	portdeliverer "github.com/alanyang/agent-coordinator/internal/port/deliverer"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/router"
	"github.com/alanyang/agent-coordinator/internal/service/stats"
)

// RouteCommand is the payload of router.message.route: a message plus the
// optional routing target, flattened into one JSON object.
type RouteCommand struct {
	message.RoutedMessage
	router.Target
}

// BroadcastCommand is the payload of router.message.broadcast.
type BroadcastCommand struct {
	message.RoutedMessage
	router.BroadcastFilter
}

// HeartbeatCommand is the payload of router.agent.heartbeat.
type HeartbeatCommand struct {
	AgentID    string             `json:"agent_id"`
	LoadFactor float64            `json:"load_factor"`
	Status     domainagent.Status `json:"status,omitempty"`
}

// UnregisterCommand is the payload of router.agent.unregister.
type UnregisterCommand struct {
	AgentID string `json:"agent_id"`
}

// LocalHost runs agents inside this process. They never heartbeat over
// the bus, so the coordinator does it for them.
// [ISP] Implemented by *local.Dispatcher.
type LocalHost interface {
	Loads() map[string]float64
	Remove(agentID string)
}

// Service drives the registry, router and orchestrator from bus traffic
// and publishes their state back onto the bus.
type Service struct {
	bus       porteventbus.EventBus
	registry  *registry.Service
	router    *router.Service
	orch      *orchestrator.Service
	deliverer portdeliverer.Deliverer
	counters  *stats.Counters
	seen      *memory.Cache
	local     LocalHost

	mu   sync.Mutex
	subs []porteventbus.Subscription
	wg   sync.WaitGroup
}

func NewService(
	bus porteventbus.EventBus,
	reg *registry.Service,
	rt *router.Service,
	orch *orchestrator.Service,
	deliverer portdeliverer.Deliverer,
	counters *stats.Counters,
	seen *memory.Cache,
) *Service {
	if counters == nil {
		counters = &stats.Counters{}
	}
	if seen == nil {
		seen = memory.NewCache(memory.DefaultDedupeTTL)
	}
	if reg != nil && rt != nil {
		reg.OnRemove(rt.Forget)
	}
	return &Service{
		bus:       bus,
		registry:  reg,
		router:    rt,
		orch:      orch,
		deliverer: deliverer,
		counters:  counters,
		seen:      seen,
	}
}

// HostLocal hands the coordinator an in-process agent host. Its agents are
// heartbeated by the local_heartbeat job and lose their handler when the
// registry drops them. Call before ScheduleJobs.
func (s *Service) HostLocal(h LocalHost) {
	s.local = h
	s.registry.OnRemove(h.Remove)
}

// Start subscribes to every control topic. A failed subscription undoes
// the ones already made.
func (s *Service) Start(ctx context.Context) error {
	handlers := map[event.Topic]porteventbus.Handler{
		event.TopicRegister:   s.handleRegister,
		event.TopicHeartbeat:  s.handleHeartbeat,
		event.TopicUnregister: s.handleUnregister,
		event.TopicRoute:      s.handleRoute,
		event.TopicBroadcast:  s.handleBroadcast,
		event.TopicResponse:   s.handleResponse,
	}
	for _, topic := range []event.Topic{
		event.TopicRegister, event.TopicHeartbeat, event.TopicUnregister,
		event.TopicRoute, event.TopicBroadcast, event.TopicResponse,
	} {
		sub, err := s.bus.Subscribe(ctx, topic, handlers[topic])
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	slog.InfoContext(ctx, "coordinator listening", "topics", len(handlers))
	return nil
}

// Stop drops every subscription and waits for in-flight response relays.
func (s *Service) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
}

// Stats is the current snapshot of counters and gauges.
func (s *Service) Stats() event.Stats {
	return s.counters.Snapshot(s.Gauges())
}

func (s *Service) Gauges() stats.Gauges {
	total, healthy := s.registry.Counts()
	g := stats.Gauges{
		AgentCount:       total,
		HealthyAgents:    healthy,
		PendingResponses: s.router.PendingCount(),
	}
	if s.orch != nil {
		g.ActiveCollaborations = s.orch.Active()
	}
	return g
}

// ── periodic jobs ─────────────────────────────────────────────────────────────

func (s *Service) AgeHealth(ctx context.Context) error {
	if n := s.registry.AgeHealth(ctx); n > 0 {
		slog.InfoContext(ctx, "health aging changed agents", "count", n)
	}
	return nil
}

func (s *Service) EvictStale(ctx context.Context) error {
	s.registry.EvictStale(ctx)
	s.seen.Sweep()
	return nil
}

// HeartbeatLocal reports every hosted agent alive with its current load.
func (s *Service) HeartbeatLocal(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	for id, load := range s.local.Loads() {
		if !s.registry.Heartbeat(ctx, id, load, "") {
			slog.WarnContext(ctx, "local agent no longer registered", "agent_id", id)
		}
	}
	return nil
}

func (s *Service) PublishStats(ctx context.Context) error {
	data, err := json.Marshal(s.Stats())
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	if err := s.bus.Publish(ctx, event.TopicStats, data); err != nil {
		return fmt.Errorf("publishing stats: %w", err)
	}
	return nil
}

// ── handlers ──────────────────────────────────────────────────────────────────

func (s *Service) handleRegister(ctx context.Context, m porteventbus.Message) {
	var p domainagent.Profile
	if !decode(ctx, m, &p) {
		return
	}
	if _, err := s.registry.Register(ctx, p); err != nil {
		slog.WarnContext(ctx, "rejecting registration", "agent_id", p.ID, "error", err)
	}
}

func (s *Service) handleHeartbeat(ctx context.Context, m porteventbus.Message) {
	var cmd HeartbeatCommand
	if !decode(ctx, m, &cmd) {
		return
	}
	s.registry.Heartbeat(ctx, cmd.AgentID, cmd.LoadFactor, cmd.Status)
}

func (s *Service) handleUnregister(ctx context.Context, m porteventbus.Message) {
	var cmd UnregisterCommand
	if !decode(ctx, m, &cmd) {
		return
	}
	s.registry.Unregister(ctx, cmd.AgentID)
}

func (s *Service) handleRoute(ctx context.Context, m porteventbus.Message) {
	var cmd RouteCommand
	if !decode(ctx, m, &cmd) || s.duplicate(ctx, cmd.ID) {
		return
	}
	receipt, err := s.router.Route(ctx, cmd.RoutedMessage, cmd.Target)
	if err != nil {
		slog.WarnContext(ctx, "routing failed", "message_id", cmd.ID, "sender_id", cmd.SenderID, "error", err)
		return
	}
	if receipt.Pending != nil && cmd.SenderID != "" {
		s.Relay(ctx, cmd.RoutedMessage, receipt.Pending)
	}
}

func (s *Service) handleBroadcast(ctx context.Context, m porteventbus.Message) {
	var cmd BroadcastCommand
	if !decode(ctx, m, &cmd) || s.duplicate(ctx, cmd.ID) {
		return
	}
	n := s.router.Broadcast(ctx, cmd.RoutedMessage, cmd.BroadcastFilter)
	slog.InfoContext(ctx, "broadcast delivered", "message_id", cmd.ID, "delivered", n)
}

func (s *Service) handleResponse(ctx context.Context, m porteventbus.Message) {
	var resp message.RoutedMessage
	if !decode(ctx, m, &resp) {
		return
	}
	s.router.Resolve(resp)
}

// Relay forwards the outcome of a pending slot to the original sender, so
// agents on the bus get replies without polling.
func (s *Service) Relay(ctx context.Context, req message.RoutedMessage, p *router.Pending) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := p.Wait(ctx)
		if err != nil {
			resp = message.NewResponse(req, router.DefaultName, map[string]any{"error": err.Error()})
			resp.Type = message.TypeError
			if errors.Is(err, router.ErrResponseTimeout) {
				resp.Payload["timed_out"] = true
			}
		}
		if err := s.deliverer.Deliver(ctx, req.SenderID, resp); err != nil {
			slog.WarnContext(ctx, "relaying response failed", "message_id", req.ID, "sender_id", req.SenderID, "error", err)
		}
	}()
}

func (s *Service) duplicate(ctx context.Context, id string) bool {
	if id == "" || s.seen.FirstSeen(ctx, id) {
		return false
	}
	slog.DebugContext(ctx, "dropping redelivered message", "message_id", id)
	return true
}

func decode(ctx context.Context, m porteventbus.Message, v any) bool {
	if err := json.Unmarshal(m.Data, v); err != nil {
		slog.WarnContext(ctx, "dropping malformed payload", "topic", m.Topic, "error", err)
		return false
	}
	return true
}
