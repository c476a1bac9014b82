package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

// MaxPayload is the largest NOTIFY payload Postgres accepts by default.
const MaxPayload = 8000

// maxChannel is NAMEDATALEN-1; longer identifiers are rejected by pg_notify.
const maxChannel = 63

type EventBus struct {
	pool *pgxpool.Pool
	lost *porteventbus.LossSignal

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func New(pool *pgxpool.Pool) *EventBus {
	return &EventBus{
		pool: pool,
		lost: porteventbus.NewLossSignal(),
		subs: make(map[*subscription]struct{}),
	}
}

// Lost fires when a LISTEN connection fails. Subscriptions are not
// re-established; the process is expected to restart.
func (eb *EventBus) Lost() <-chan error { return eb.lost.Lost() }

// Publish sends data via Postgres NOTIFY on the channel for topic.
func (eb *EventBus) Publish(ctx context.Context, topic event.Topic, data []byte) error {
	if len(data) >= MaxPayload {
		return fmt.Errorf("publishing on %s: payload of %d bytes exceeds NOTIFY limit", topic, len(data))
	}
	channel := channelName(topic)
	if _, err := eb.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(data)); err != nil {
		return fmt.Errorf("publishing on channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe holds one pooled connection per subscription and LISTENs on the
// channel for topic until Unsubscribe or ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, topic event.Topic, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	conn, err := eb.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for LISTEN: %w", err)
	}

	channel := channelName(topic)
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, fmt.Errorf("executing LISTEN on channel %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{bus: eb, cancel: cancel, done: make(chan struct{})}

	eb.mu.Lock()
	eb.subs[sub] = struct{}{}
	eb.mu.Unlock()

	go func() {
		defer func() {
			conn.Exec(context.Background(), "UNLISTEN "+ident)
			conn.Release()
			close(sub.done)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				slog.Error("LISTEN connection failed", "channel", channel, "error", err)
				eb.lost.Report(fmt.Errorf("listening on %s: %w", channel, err))
				return
			}
			handler(subCtx, porteventbus.Message{Topic: topic, Data: []byte(notification.Payload)})
		}
	}()

	return sub, nil
}

// Close ends every subscription. The pool belongs to the caller.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	subs := make([]*subscription, 0, len(eb.subs))
	for s := range eb.subs {
		subs = append(subs, s)
	}
	eb.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

// channelName namespaces topics so they cannot collide with other LISTENers
// on the same database. Names over the identifier limit keep a readable
// prefix and end in a hash of the full topic.
func channelName(topic event.Topic) string {
	name := "agentcoord:" + string(topic)
	if len(name) <= maxChannel {
		return name
	}
	sum := sha256.Sum256([]byte(topic))
	suffix := "#" + hex.EncodeToString(sum[:8])
	return name[:maxChannel-len(suffix)] + suffix
}

type subscription struct {
	bus    *EventBus
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
		<-s.done
	})
}
