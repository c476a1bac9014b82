package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	portdeliverer "github.com/alanyang/agent-coordinator/internal/port/deliverer"
	"github.com/alanyang/agent-coordinator/internal/service/breaker"
	"github.com/alanyang/agent-coordinator/internal/service/stats"
	"github.com/alanyang/agent-coordinator/internal/tracing"
)

const DefaultName = "central_router"

var (
	ErrNoDestination        = errors.New("no destination agents found")
	ErrNoHealthyDestination = errors.New("no healthy destination agents")
	ErrDeliveryFailure      = errors.New("delivery failed")
	ErrResponseTimeout      = errors.New("response timed out")
	ErrMessageExpired       = errors.New("message ttl expired")
	ErrNoPendingResponse    = errors.New("no pending response for message")
	ErrDuplicateMessage     = errors.New("message already awaiting a response")
)

// Directory is the slice of the registry the router reads and updates.
// [ISP] Implemented by *registry.Service.
type Directory interface {
	Get(id string) (domainagent.Profile, bool)
	List(filters domainagent.ListFilters) []domainagent.Profile
	FindByType(agentType string) []domainagent.Profile
	FindByCapability(capability string) []domainagent.Profile
	Breaker(id string) (*breaker.Breaker, bool)
	RecordDelivery(id string)
	RecordError(id string)
}

// Target narrows the candidate set. The first non-empty of DestinationID,
// DestinationType and Capability wins; with none set the message's own
// required_capability and receiver_id are tried in that order.
type Target struct {
	DestinationID   string           `json:"destination_id,omitempty"`
	DestinationType string           `json:"destination_type,omitempty"`
	Capability      string           `json:"capability,omitempty"`
	Strategy        message.Strategy `json:"strategy,omitempty"`
}

type BroadcastFilter struct {
	AgentTypes []string `json:"agent_types,omitempty"`
	Capability string   `json:"capability,omitempty"`
}

// Receipt reports where a routed message went. Pending is nil unless the
// message requires a response.
type Receipt struct {
	AgentID string
	Pending *Pending
}

type Service struct {
	dir       Directory
	deliverer portdeliverer.Deliverer
	counters  *stats.Counters
	name      string
	pending   *pendingTable

	cursorMu sync.Mutex
	cursors  map[string]int

	randN func(n int) int
	now   func() time.Time
}

type Option func(*Service)

func WithName(name string) Option {
	return func(s *Service) { s.name = name }
}

func WithRandom(randN func(n int) int) Option {
	return func(s *Service) { s.randN = randN }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(dir Directory, deliverer portdeliverer.Deliverer, counters *stats.Counters, opts ...Option) *Service {
	if counters == nil {
		counters = &stats.Counters{}
	}
	s := &Service{
		dir:       dir,
		deliverer: deliverer,
		counters:  counters,
		name:      DefaultName,
		pending:   newPendingTable(),
		cursors:   make(map[string]int),
		randN:     rand.IntN,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route delivers msg to one healthy candidate chosen by target.Strategy,
// retrying once on a different candidate if the first delivery fails.
func (s *Service) Route(ctx context.Context, msg message.RoutedMessage, target Target) (receipt Receipt, err error) {
	ctx, span := tracing.StartSpan(ctx, "router.Route",
		attribute.String("message_id", msg.ID),
		attribute.String("strategy", string(target.Strategy)),
	)
	defer func() { tracing.End(span, err) }()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Expired(s.now()) {
		s.counters.RoutingErrors.Add(1)
		return Receipt{}, fmt.Errorf("route %s: %w", msg.ID, ErrMessageExpired)
	}

	candidates := s.resolve(msg, target)
	if len(candidates) == 0 {
		s.counters.RoutingErrors.Add(1)
		return Receipt{}, fmt.Errorf("route %s: %w", msg.ID, ErrNoDestination)
	}
	healthy := s.routable(candidates)
	if len(healthy) == 0 {
		s.counters.RoutingErrors.Add(1)
		return Receipt{}, fmt.Errorf("route %s: %w", msg.ID, ErrNoHealthyDestination)
	}

	// The slot must exist before delivery so a fast reply is never lost.
	var pending *Pending
	if msg.RequiresResponse {
		if pending, err = s.pending.open(msg.ID, msg.ResponseTimeout(), s.expire); err != nil {
			return Receipt{}, fmt.Errorf("route %s: %w", msg.ID, err)
		}
	}

	strategy := target.Strategy
	if strategy == "" {
		strategy = message.StrategyRoundRobin
	}

	first := s.pick(healthy, strategy)
	deliverErr := s.deliver(ctx, first, msg)
	if deliverErr == nil {
		span.SetAttributes(attribute.String("destination_agent", first.ID))
		return Receipt{AgentID: first.ID, Pending: pending}, nil
	}

	if alternatives := without(healthy, first.ID); len(alternatives) > 0 {
		second := s.pick(alternatives, strategy)
		slog.WarnContext(ctx, "delivery failed, retrying on alternative",
			"message_id", msg.ID, "failed_agent", first.ID, "alternative", second.ID, "error", deliverErr)
		if deliverErr = s.deliver(ctx, second, msg); deliverErr == nil {
			span.SetAttributes(attribute.String("destination_agent", second.ID))
			return Receipt{AgentID: second.ID, Pending: pending}, nil
		}
	}

	err = fmt.Errorf("route %s: %w: %w", msg.ID, ErrDeliveryFailure, deliverErr)
	if pending != nil {
		if slot, ok := s.pending.take(msg.ID); ok {
			slot.complete(message.RoutedMessage{}, err)
		}
	}
	return Receipt{}, err
}

// Broadcast delivers a copy of msg to every matching agent except the
// sender and returns how many deliveries were accepted. Health status is
// ignored; agents behind an open breaker are skipped.
func (s *Service) Broadcast(ctx context.Context, msg message.RoutedMessage, filter BroadcastFilter) int {
	ctx, span := tracing.StartSpan(ctx, "router.Broadcast", attribute.String("message_id", msg.ID))
	defer span.End()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var delivered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, target := range s.broadcastTargets(filter) {
		if target.ID == msg.SenderID {
			continue
		}
		copyMsg := msg
		copyMsg.ID = uuid.NewString()
		copyMsg.Type = message.TypeBroadcast
		copyMsg.RequiresResponse = false
		copyMsg.Metadata = maps.Clone(msg.Metadata)
		if copyMsg.Metadata == nil {
			copyMsg.Metadata = map[string]any{}
		}
		copyMsg.Metadata["broadcast_id"] = msg.ID

		g.Go(func() error {
			if err := s.deliver(gctx, target, copyMsg); err != nil {
				slog.WarnContext(gctx, "broadcast delivery failed", "broadcast_id", msg.ID, "agent_id", target.ID, "error", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	span.SetAttributes(attribute.Int("delivered", n))
	return n
}

// Resolve completes the pending slot msg answers. Late, duplicate and
// unsolicited responses are discarded.
func (s *Service) Resolve(resp message.RoutedMessage) bool {
	key := resp.ResponseKey()
	slot, ok := s.pending.take(key)
	if !ok {
		s.counters.LateResponses.Add(1)
		slog.Debug("discarding response with no pending slot", "correlation_id", key, "sender_id", resp.SenderID)
		return false
	}
	slot.complete(resp, nil)
	return true
}

// Await waits on a slot that is still open.
func (s *Service) Await(ctx context.Context, messageID string) (message.RoutedMessage, error) {
	slot, ok := s.pending.get(messageID)
	if !ok {
		return message.RoutedMessage{}, fmt.Errorf("await %s: %w", messageID, ErrNoPendingResponse)
	}
	return slot.Wait(ctx)
}

func (s *Service) PendingCount() int { return s.pending.len() }

func (s *Service) Name() string { return s.name }

// ── internals ─────────────────────────────────────────────────────────────────

func (s *Service) resolve(msg message.RoutedMessage, target Target) []domainagent.Profile {
	switch {
	case target.DestinationID != "":
		return s.byID(target.DestinationID)
	case target.DestinationType != "":
		return s.dir.FindByType(target.DestinationType)
	case target.Capability != "":
		return s.dir.FindByCapability(target.Capability)
	case msg.RequiredCapability != "":
		return s.dir.FindByCapability(msg.RequiredCapability)
	case msg.ReceiverID != "":
		return s.byID(msg.ReceiverID)
	default:
		return nil
	}
}

func (s *Service) byID(id string) []domainagent.Profile {
	if p, ok := s.dir.Get(id); ok {
		return []domainagent.Profile{p}
	}
	return nil
}

func (s *Service) routable(candidates []domainagent.Profile) []domainagent.Profile {
	out := make([]domainagent.Profile, 0, len(candidates))
	for _, c := range candidates {
		if !c.IsHealthy() {
			continue
		}
		if b, ok := s.dir.Breaker(c.ID); ok && !b.CanExecute() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Service) broadcastTargets(filter BroadcastFilter) []domainagent.Profile {
	switch {
	case filter.Capability != "":
		return s.dir.FindByCapability(filter.Capability)
	case len(filter.AgentTypes) > 0:
		seen := make(map[string]bool)
		var out []domainagent.Profile
		for _, t := range filter.AgentTypes {
			for _, p := range s.dir.FindByType(t) {
				if !seen[p.ID] {
					seen[p.ID] = true
					out = append(out, p)
				}
			}
		}
		return out
	default:
		return s.dir.List(domainagent.ListFilters{})
	}
}

// deliver makes one guarded attempt and records its outcome in the
// breaker, the registry and the counters.
func (s *Service) deliver(ctx context.Context, to domainagent.Profile, msg message.RoutedMessage) error {
	var done func(bool)
	if b, ok := s.dir.Breaker(to.ID); ok {
		d, err := b.Allow()
		if err != nil {
			return err
		}
		done = d
	}

	err := s.deliverer.Deliver(ctx, to.ID, msg.Stamp(s.name, to.ID, s.now()))
	if done != nil {
		done(err == nil)
	}
	if err != nil {
		s.counters.RoutingErrors.Add(1)
		s.dir.RecordError(to.ID)
		return err
	}
	s.counters.MessagesRouted.Add(1)
	s.dir.RecordDelivery(to.ID)
	return nil
}

func (s *Service) expire(slot *Pending) {
	s.counters.ResponsesTimedOut.Add(1)
	slog.Warn("response timed out", "message_id", slot.MessageID)
	slot.complete(message.RoutedMessage{}, fmt.Errorf("await %s: %w", slot.MessageID, ErrResponseTimeout))
}
