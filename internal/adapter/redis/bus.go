package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

// Health check cadence. go-redis reconnects pub/sub on its own, so the
// connection counts as lost only after this many pings fail in a row.
const (
	pingInterval    = 5 * time.Second
	pingTimeout     = 2 * time.Second
	maxPingFailures = 3
)

// Bus carries topics over Redis pub/sub channels of the same name.
type Bus struct {
	client *redis.Client
	lost   *porteventbus.LossSignal

	mu   sync.Mutex
	subs map[*subscription]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	watchWG  sync.WaitGroup
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewFromClient(client), nil
}

// NewFromClient wraps client and starts the connection health check.
func NewFromClient(client *redis.Client) *Bus {
	b := &Bus{
		client: client,
		lost:   porteventbus.NewLossSignal(),
		subs:   make(map[*subscription]struct{}),
		stop:   make(chan struct{}),
	}
	b.watchWG.Add(1)
	go b.watch()
	return b
}

func (b *Bus) Lost() <-chan error { return b.lost.Lost() }

func (b *Bus) watch() {
	defer b.watchWG.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := b.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		slog.Warn("redis ping failed", "attempt", failures, "error", err)
		if failures >= maxPingFailures {
			b.lost.Report(fmt.Errorf("redis unreachable after %d pings: %w", failures, err))
			return
		}
	}
}

func (b *Bus) Publish(ctx context.Context, topic event.Topic, data []byte) error {
	if err := b.client.Publish(ctx, string(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic event.Topic, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, string(topic))
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := &subscription{bus: b, pubsub: pubsub, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			handler(ctx, porteventbus.Message{Topic: event.Topic(msg.Channel), Data: []byte(msg.Payload)})
		}
		if !sub.closing.Load() {
			b.lost.Report(fmt.Errorf("redis subscription %s ended", topic))
		}
	}()
	return sub, nil
}

// Close ends every subscription, stops the health check and closes the
// client.
func (b *Bus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.watchWG.Wait()

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return b.client.Close()
}

type subscription struct {
	bus    *Bus
	pubsub  *redis.PubSub
	done    chan struct{}
	once    sync.Once
	closing atomic.Bool
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.closing.Store(true)
		s.pubsub.Close()
		<-s.done
	})
}
