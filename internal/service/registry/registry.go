package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	portnotifier "github.com/alanyang/agent-coordinator/internal/port/notifier"
	"github.com/alanyang/agent-coordinator/internal/service/breaker"
	"github.com/alanyang/agent-coordinator/internal/service/stats"
)

const DefaultEvictionGrace = 5 * time.Minute

type entry struct {
	profile domainagent.Profile
	seq     uint64
	breaker *breaker.Breaker
}

// Service is the single owner of agent profiles, the capability and type
// indices, and the per-agent breaker table. Every read returns copies.
type Service struct {
	mu           sync.RWMutex
	agents       map[string]*entry
	byCapability map[string]map[string]struct{}
	byType       map[string]map[string]struct{}
	seq          uint64

	notifier      portnotifier.RegistryNotifier
	counters      *stats.Counters
	breakerCfg    breaker.Config
	thresholds    domainagent.HealthThresholds
	evictionGrace time.Duration
	now           func() time.Time
	removeHooks   []func(id string)
}

type Option func(*Service)

func WithBreakerConfig(cfg breaker.Config) Option {
	return func(s *Service) { s.breakerCfg = cfg }
}

func WithHealthThresholds(th domainagent.HealthThresholds) Option {
	return func(s *Service) { s.thresholds = th }
}

func WithEvictionGrace(d time.Duration) Option {
	return func(s *Service) { s.evictionGrace = d }
}

// WithClock replaces time.Now; tests use it to age agents without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an empty registry. notifier may be nil.
func NewService(notifier portnotifier.RegistryNotifier, counters *stats.Counters, opts ...Option) *Service {
	if counters == nil {
		counters = &stats.Counters{}
	}
	s := &Service{
		agents:        make(map[string]*entry),
		byCapability:  make(map[string]map[string]struct{}),
		byType:        make(map[string]map[string]struct{}),
		notifier:      notifier,
		counters:      counters,
		breakerCfg:    breaker.DefaultConfig(),
		thresholds:    domainagent.DefaultHealthThresholds,
		evictionGrace: DefaultEvictionGrace,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register inserts or replaces a profile. Re-registering the same id keeps
// its position in lookup order but re-indexes it and resets its breaker.
func (s *Service) Register(ctx context.Context, p domainagent.Profile) (domainagent.Profile, error) {
	if err := p.Validate(); err != nil {
		return domainagent.Profile{}, fmt.Errorf("register agent: %w", err)
	}
	if !p.Status.Valid() {
		p.Status = domainagent.StatusHealthy
	}
	p = p.Clone()
	now := s.now()
	p.LastHeartbeat = &now
	p.OfflineSince = nil
	if p.Status == domainagent.StatusOffline {
		p.OfflineSince = &now
	}
	p.RegisteredAt = now

	s.mu.Lock()
	var seq uint64
	if old, ok := s.agents[p.ID]; ok {
		seq = old.seq
		s.unindexLocked(old.profile)
	} else {
		seq = s.nextSeqLocked()
	}
	s.agents[p.ID] = &entry{
		profile: p,
		seq:     seq,
		breaker: breaker.New(p.ID, s.breakerCfg, s.onTrip),
	}
	s.indexLocked(p)
	s.mu.Unlock()

	s.counters.AgentsRegistered.Add(1)
	slog.InfoContext(ctx, "agent registered", "agent_id", p.ID, "agent_type", p.Type, "capabilities", p.Capabilities)
	s.notify(ctx, event.TypeAgentRegistered, p)
	return p.Clone(), nil
}

// OnRemove adds fn to the callbacks run after an agent leaves the registry,
// whether unregistered or evicted. fn runs without the registry lock held.
func (s *Service) OnRemove(fn func(id string)) {
	s.mu.Lock()
	s.removeHooks = append(s.removeHooks, fn)
	s.mu.Unlock()
}

// Unregister removes id from every index and the breaker table. It reports
// whether the agent was known.
func (s *Service) Unregister(ctx context.Context, id string) bool {
	p, ok := s.remove(id)
	if !ok {
		return false
	}
	slog.InfoContext(ctx, "agent unregistered", "agent_id", id)
	s.notify(ctx, event.TypeAgentUnregistered, p)
	return true
}

// Heartbeat marks a known agent healthy and records its reported load.
// Unknown ids are ignored.
func (s *Service) Heartbeat(ctx context.Context, id string, load float64, statusHint domainagent.Status) bool {
	s.mu.Lock()
	e, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		slog.DebugContext(ctx, "heartbeat from unknown agent ignored", "agent_id", id)
		return false
	}
	wasHealthy := e.profile.IsHealthy()
	e.profile.RecordHeartbeat(s.now(), load)
	if statusHint != "" {
		if e.profile.Metadata == nil {
			e.profile.Metadata = map[string]any{}
		}
		e.profile.Metadata["reported_status"] = string(statusHint)
	}
	p := e.profile.Clone()
	s.mu.Unlock()

	if !wasHealthy {
		s.notify(ctx, event.TypeAgentStatus, p)
	}
	return true
}

func (s *Service) Get(id string) (domainagent.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[id]
	if !ok {
		return domainagent.Profile{}, false
	}
	return e.profile.Clone(), true
}

// List returns every profile matching filters, in registration order.
func (s *Service) List(filters domainagent.ListFilters) []domainagent.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domainagent.Profile, 0, len(s.agents))
	for _, e := range s.orderedLocked(nil) {
		p := e.profile
		if filters.Type != nil && p.Type != *filters.Type {
			continue
		}
		if filters.Capability != nil && !p.HasCapability(*filters.Capability) {
			continue
		}
		if filters.Status != nil && p.Status != *filters.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

func (s *Service) FindByCapability(capability string) []domainagent.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clonesLocked(s.byCapability[capability])
}

func (s *Service) FindByType(agentType string) []domainagent.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clonesLocked(s.byType[agentType])
}

// BestForCapability returns the healthy agent with the highest Score. Ties
// go to the earlier registration.
func (s *Service) BestForCapability(capability string) (domainagent.Profile, bool) {
	var (
		best  domainagent.Profile
		found bool
	)
	for _, p := range s.FindByCapability(capability) {
		if !p.IsHealthy() {
			continue
		}
		if !found || p.Score() > best.Score() {
			best, found = p, true
		}
	}
	return best, found
}

func (s *Service) Breaker(id string) (*breaker.Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return e.breaker, true
}

func (s *Service) Breakers() map[string]breaker.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]breaker.Snapshot, len(s.agents))
	for id, e := range s.agents {
		out[id] = e.breaker.Snapshot()
	}
	return out
}

// RecordDelivery counts an accepted message against the agent's load.
func (s *Service) RecordDelivery(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.agents[id]; ok {
		e.profile.RecordDelivery()
	}
}

func (s *Service) RecordError(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.agents[id]; ok {
		e.profile.RecordError()
	}
}

// AgeHealth downgrades agents whose heartbeats have gone quiet and returns
// how many changed.
func (s *Service) AgeHealth(ctx context.Context) int {
	now := s.now()
	var changed []domainagent.Profile

	s.mu.Lock()
	for _, e := range s.orderedLocked(nil) {
		if e.profile.Age(now, s.thresholds) {
			changed = append(changed, e.profile.Clone())
		}
	}
	s.mu.Unlock()

	for _, p := range changed {
		slog.WarnContext(ctx, "agent health degraded", "agent_id", p.ID, "status", p.Status)
		s.notify(ctx, event.TypeAgentStatus, p)
	}
	return len(changed)
}

// EvictStale unregisters agents that have been offline longer than the
// eviction grace and returns their ids.
func (s *Service) EvictStale(ctx context.Context) []string {
	now := s.now()

	s.mu.RLock()
	var stale []string
	for _, e := range s.orderedLocked(nil) {
		if e.profile.EvictableAt(now, s.evictionGrace) {
			stale = append(stale, e.profile.ID)
		}
	}
	s.mu.RUnlock()

	evicted := make([]string, 0, len(stale))
	for _, id := range stale {
		p, ok := s.remove(id)
		if !ok {
			continue
		}
		evicted = append(evicted, id)
		s.counters.AgentsEvicted.Add(1)
		slog.InfoContext(ctx, "stale agent evicted", "agent_id", id, "offline_since", p.OfflineSince)
		s.notify(ctx, event.TypeAgentEvicted, p)
	}
	return evicted
}

// Counts returns the number of registered and healthy agents.
func (s *Service) Counts() (total, healthy int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.agents {
		if e.profile.IsHealthy() {
			healthy++
		}
	}
	return len(s.agents), healthy
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *Service) remove(id string) (domainagent.Profile, bool) {
	s.mu.Lock()
	e, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return domainagent.Profile{}, false
	}
	s.unindexLocked(e.profile)
	delete(s.agents, id)
	hooks := s.removeHooks
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	return e.profile.Clone(), true
}

func (s *Service) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Service) indexLocked(p domainagent.Profile) {
	for _, c := range p.Capabilities {
		if s.byCapability[c] == nil {
			s.byCapability[c] = make(map[string]struct{})
		}
		s.byCapability[c][p.ID] = struct{}{}
	}
	if s.byType[p.Type] == nil {
		s.byType[p.Type] = make(map[string]struct{})
	}
	s.byType[p.Type][p.ID] = struct{}{}
}

func (s *Service) unindexLocked(p domainagent.Profile) {
	for _, c := range p.Capabilities {
		delete(s.byCapability[c], p.ID)
		if len(s.byCapability[c]) == 0 {
			delete(s.byCapability, c)
		}
	}
	delete(s.byType[p.Type], p.ID)
	if len(s.byType[p.Type]) == 0 {
		delete(s.byType, p.Type)
	}
}

// orderedLocked returns entries in registration order, restricted to ids
// when ids is non-nil.
func (s *Service) orderedLocked(ids map[string]struct{}) []*entry {
	var out []*entry
	if ids == nil {
		out = make([]*entry, 0, len(s.agents))
		for _, e := range s.agents {
			out = append(out, e)
		}
	} else {
		out = make([]*entry, 0, len(ids))
		for id := range ids {
			if e, ok := s.agents[id]; ok {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Service) clonesLocked(ids map[string]struct{}) []domainagent.Profile {
	out := make([]domainagent.Profile, 0, len(ids))
	if len(ids) == 0 {
		return out
	}
	for _, e := range s.orderedLocked(ids) {
		out = append(out, e.profile.Clone())
	}
	return out
}

func (s *Service) onTrip(string) {
	s.counters.BreakerTrips.Add(1)
}

func (s *Service) notify(ctx context.Context, t event.Type, p domainagent.Profile) {
	if s.notifier == nil {
		return
	}
	change := event.NewRegistryChange(t, p.ID, p.Type, p.Capabilities, string(p.Status))
	if err := s.notifier.NotifyRegistryChange(ctx, change); err != nil {
		slog.ErrorContext(ctx, "failed to publish registry change", "agent_id", p.ID, "event_type", t, "error", err)
	}
}
