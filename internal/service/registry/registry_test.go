package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/mocks"
	"github.com/alanyang/agent-coordinator/internal/service/breaker"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/stats"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T) (*registry.Service, *mocks.MockRegistryNotifier, *fakeClock, *stats.Counters) {
	t.Helper()
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockRegistryNotifier(ctrl)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	counters := &stats.Counters{}
	svc := registry.NewService(notifier, counters,
		registry.WithClock(clock.Now),
		registry.WithBreakerConfig(breaker.Config{Threshold: 2, Cooldown: time.Minute}),
	)
	return svc, notifier, clock, counters
}

func matchChange(t event.Type, agentID string) gomock.Matcher {
	return changeMatcher{t, agentID}
}

type changeMatcher struct {
	want    event.Type
	agentID string
}

func (m changeMatcher) Matches(x interface{}) bool {
	c, ok := x.(event.RegistryChange)
	return ok && c.Type == m.want && c.AgentID == m.agentID
}
func (m changeMatcher) String() string { return "registry change " + string(m.want) + " for " + m.agentID }

func profile(id, typ string, caps ...string) domainagent.Profile {
	return domainagent.New(id, typ, caps)
}

func ids(ps []domainagent.Profile) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

// ── Register / Unregister ─────────────────────────────────────────────────────

func TestRegister_IndexesByCapabilityAndType(t *testing.T) {
	svc, notifier, clock, counters := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentRegistered, "a1")).Return(nil)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentRegistered, "a2")).Return(nil)

	_, err := svc.Register(ctx, profile("a1", "technical", "rsi", "macd"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, profile("a2", "sentiment", "rsi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2"}, ids(svc.FindByCapability("rsi")))
	assert.Equal(t, []string{"a1"}, ids(svc.FindByCapability("macd")))
	assert.Equal(t, []string{"a2"}, ids(svc.FindByType("sentiment")))
	assert.NotNil(t, svc.FindByCapability("unknown"))
	assert.Empty(t, svc.FindByCapability("unknown"))

	got, ok := svc.Get("a1")
	require.True(t, ok)
	require.NotNil(t, got.LastHeartbeat, "registration stamps the heartbeat")
	assert.Equal(t, clock.Now(), *got.LastHeartbeat)
	assert.Equal(t, int64(2), counters.AgentsRegistered.Load())

	_, ok = svc.Breaker("a1")
	assert.True(t, ok)
}

func TestRegister_IdempotentReindex(t *testing.T) {
	svc, notifier, _, _ := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	_, err := svc.Register(ctx, profile("a1", "technical", "rsi"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, profile("a2", "technical", "rsi"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, profile("a1", "fundamental", "pe_ratio"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a2"}, ids(svc.FindByCapability("rsi")))
	assert.Equal(t, []string{"a1"}, ids(svc.FindByCapability("pe_ratio")))
	assert.Equal(t, []string{"a2"}, ids(svc.FindByType("technical")))
	assert.Equal(t, []string{"a1", "a2"}, ids(svc.List(domainagent.ListFilters{})), "re-registration keeps lookup order")

	total, _ := svc.Counts()
	assert.Equal(t, 2, total)
}

func TestRegister_ResetsBreaker(t *testing.T) {
	svc, notifier, _, _ := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	_, err := svc.Register(ctx, profile("a1", "technical"))
	require.NoError(t, err)
	b, _ := svc.Breaker("a1")
	b.RecordFailure()
	b.RecordFailure()
	require.False(t, b.CanExecute())

	_, err = svc.Register(ctx, profile("a1", "technical"))
	require.NoError(t, err)
	fresh, _ := svc.Breaker("a1")
	assert.True(t, fresh.CanExecute())
}

func TestRegister_InvalidProfile(t *testing.T) {
	svc, _, _, _ := newRegistry(t)
	_, err := svc.Register(context.Background(), profile("", "technical"))
	require.ErrorIs(t, err, domainagent.ErrInvalidProfile)
}

func TestUnregister(t *testing.T) {
	svc, notifier, _, _ := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentRegistered, "a1")).Return(nil)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentUnregistered, "a1")).Return(nil)

	_, err := svc.Register(ctx, profile("a1", "technical", "rsi"))
	require.NoError(t, err)

	assert.True(t, svc.Unregister(ctx, "a1"))
	assert.False(t, svc.Unregister(ctx, "a1"), "second unregister is a no-op")

	_, ok := svc.Get("a1")
	assert.False(t, ok)
	assert.Empty(t, svc.FindByCapability("rsi"))
	assert.Empty(t, svc.FindByType("technical"))
	_, ok = svc.Breaker("a1")
	assert.False(t, ok)
}

// ── Heartbeat and health aging ────────────────────────────────────────────────

func TestHeartbeat_UnknownIgnored(t *testing.T) {
	svc, _, _, _ := newRegistry(t)
	assert.False(t, svc.Heartbeat(context.Background(), "ghost", 0.2, ""))
}

func TestHealthLifecycle(t *testing.T) {
	svc, notifier, clock, counters := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentRegistered, "a1")).Return(nil)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentStatus, "a1")).Return(nil).Times(3)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentEvicted, "a1")).Return(nil)

	_, err := svc.Register(ctx, profile("a1", "technical", "rsi"))
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, svc.AgeHealth(ctx))
	p, _ := svc.Get("a1")
	assert.Equal(t, domainagent.StatusDegraded, p.Status)

	// Heartbeat restores health.
	require.True(t, svc.Heartbeat(ctx, "a1", 0.4, domainagent.StatusDegraded))
	p, _ = svc.Get("a1")
	assert.Equal(t, domainagent.StatusHealthy, p.Status)
	assert.InDelta(t, 0.4, p.LoadFactor, 1e-9)
	assert.Equal(t, "degraded", p.Metadata["reported_status"])

	clock.Advance(61 * time.Second)
	assert.Equal(t, 1, svc.AgeHealth(ctx))
	p, _ = svc.Get("a1")
	assert.Equal(t, domainagent.StatusOffline, p.Status)

	clock.Advance(4 * time.Minute)
	assert.Empty(t, svc.EvictStale(ctx), "still inside the grace period")

	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, []string{"a1"}, svc.EvictStale(ctx))
	_, ok := svc.Get("a1")
	assert.False(t, ok)
	assert.Equal(t, int64(1), counters.AgentsEvicted.Load())
}

func TestRegisteredOfflineIsEvicted(t *testing.T) {
	svc, notifier, clock, _ := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentRegistered, "a1")).Return(nil)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), matchChange(event.TypeAgentEvicted, "a1")).Return(nil)

	p := profile("a1", "technical", "rsi")
	p.Status = domainagent.StatusOffline
	_, err := svc.Register(ctx, p)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	assert.Zero(t, svc.AgeHealth(ctx), "already offline, no status change to report")
	assert.Equal(t, []string{"a1"}, svc.EvictStale(ctx))
	_, ok := svc.Get("a1")
	assert.False(t, ok)
}

func TestRemovalHooks(t *testing.T) {
	svc, notifier, clock, _ := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var removed []string
	svc.OnRemove(func(id string) {
		// Hooks run outside the lock, so reading back is safe.
		_, ok := svc.Get(id)
		assert.False(t, ok)
		removed = append(removed, id)
	})

	_, err := svc.Register(ctx, profile("a1", "technical", "rsi"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, profile("a2", "technical", "rsi"))
	require.NoError(t, err)

	require.True(t, svc.Unregister(ctx, "a1"))
	svc.Unregister(ctx, "a1")

	clock.Advance(2 * time.Minute)
	svc.AgeHealth(ctx)
	clock.Advance(registry.DefaultEvictionGrace + time.Second)
	require.Equal(t, []string{"a2"}, svc.EvictStale(ctx))

	assert.Equal(t, []string{"a1", "a2"}, removed, "each removal fires once")
}

// ── BestForCapability ─────────────────────────────────────────────────────────

func TestBestForCapability(t *testing.T) {
	svc, notifier, clock, _ := newRegistry(t)
	ctx := context.Background()
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	low := profile("low", "technical", "rsi")
	low.ReputationScore = 0.5
	high := profile("high", "technical", "rsi")
	high.ReputationScore = 0.9
	high.LoadFactor = 0.1
	stale := profile("stale", "technical", "rsi")

	for _, p := range []domainagent.Profile{low, stale} {
		_, err := svc.Register(ctx, p)
		require.NoError(t, err)
	}

	// Age "stale" and "low" to degraded, then bring "low" back.
	clock.Advance(31 * time.Second)
	svc.AgeHealth(ctx)
	svc.Heartbeat(ctx, "low", 0, "")
	_, err := svc.Register(ctx, high)
	require.NoError(t, err)

	best, ok := svc.BestForCapability("rsi")
	require.True(t, ok)
	assert.Equal(t, "high", best.ID)

	_, ok = svc.BestForCapability("none")
	assert.False(t, ok)
}

// ── Delivery bookkeeping ──────────────────────────────────────────────────────

func TestRecordDelivery_UpdatesLoad(t *testing.T) {
	svc, notifier, _, _ := newRegistry(t)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	_, err := svc.Register(context.Background(), profile("a1", "technical"))
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		svc.RecordDelivery("a1")
	}
	svc.RecordError("a1")
	svc.RecordDelivery("ghost")

	p, _ := svc.Get("a1")
	assert.Equal(t, int64(25), p.MessageCount)
	assert.Equal(t, int64(1), p.ErrorCount)
	assert.InDelta(t, 0.25, p.LoadFactor, 1e-9)
}

func TestBreakerTripsCounted(t *testing.T) {
	svc, notifier, _, counters := newRegistry(t)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	_, err := svc.Register(context.Background(), profile("a1", "technical"))
	require.NoError(t, err)

	b, _ := svc.Breaker("a1")
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, int64(1), counters.BreakerTrips.Load())
	assert.Equal(t, breaker.StateOpen, svc.Breakers()["a1"].State)
}

func TestGet_ReturnsCopy(t *testing.T) {
	svc, notifier, _, _ := newRegistry(t)
	notifier.EXPECT().NotifyRegistryChange(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	_, err := svc.Register(context.Background(), profile("a1", "technical", "rsi"))
	require.NoError(t, err)

	p, _ := svc.Get("a1")
	p.Capabilities[0] = "mutated"

	again, _ := svc.Get("a1")
	assert.Equal(t, "rsi", again.Capabilities[0])
}

func TestNilNotifierAllowed(t *testing.T) {
	svc := registry.NewService(nil, nil)
	_, err := svc.Register(context.Background(), profile("a1", "technical"))
	require.NoError(t, err)
	assert.True(t, svc.Unregister(context.Background(), "a1"))
}
