package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

const DefaultBufferSize = 256

var ErrClosed = errors.New("bus closed")

// Bus is an in-process EventBus for single-binary deployments and tests.
// Each subscription has its own buffer and goroutine; a full buffer drops
// the message rather than stall the publisher.
type Bus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[event.Topic]map[*subscription]struct{}
	closed atomic.Bool
	lost   *porteventbus.LossSignal
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		subs:       make(map[event.Topic]map[*subscription]struct{}),
		lost:       porteventbus.NewLossSignal(),
	}
}

// Lost never fires: there is no connection to lose.
func (b *Bus) Lost() <-chan error { return b.lost.Lost() }

func (b *Bus) Publish(_ context.Context, topic event.Topic, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg := porteventbus.Message{Topic: topic, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("memory bus buffer full, dropping message", "topic", topic)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic event.Topic, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		bus:    b,
		topic:  topic,
		ch:     make(chan porteventbus.Message, b.bufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.ch:
				handler(subCtx, msg)
			}
		}
	}()
	return sub, nil
}

// Close stops every subscription. Publish and Subscribe fail afterwards.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	var all []*subscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[event.Topic]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

type subscription struct {
	bus    *Bus
	topic  event.Topic
	ch     chan porteventbus.Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs[s.topic], s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
