package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

// Message is one payload received on a topic. Data is opaque to the bus;
// the coordinator decodes it.
type Message struct {
	Topic event.Topic
	Data  []byte
}

type Handler func(ctx context.Context, msg Message)

type Subscription interface {
	Unsubscribe()
}

// ErrConnectionLost wraps the error a bus reports on Lost.
var ErrConnectionLost = errors.New("event bus connection lost")

// EventBus is an at-least-once topic bus. Implementations must not block
// Publish on slow subscribers.
// [LSP] NATS, Postgres LISTEN/NOTIFY, Redis pub/sub and the in-memory bus all satisfy it.
type EventBus interface {
	Publish(ctx context.Context, topic event.Topic, data []byte) error
	Subscribe(ctx context.Context, topic event.Topic, handler Handler) (Subscription, error)
	Close() error
	// Lost delivers one error once the transport connection is gone and the
	// driver has given up on it. It never fires for an orderly Close.
	Lost() <-chan error
}

// LossSignal is the Lost channel shared by the bus drivers. Only the first
// report is kept.
type LossSignal struct {
	once sync.Once
	ch   chan error
}

func NewLossSignal() *LossSignal {
	return &LossSignal{ch: make(chan error, 1)}
}

// Report records err, wrapped in ErrConnectionLost. Later calls are ignored.
func (l *LossSignal) Report(err error) {
	l.once.Do(func() {
		if err == nil {
			l.ch <- ErrConnectionLost
			return
		}
		l.ch <- fmt.Errorf("%w: %w", ErrConnectionLost, err)
	})
}

func (l *LossSignal) Lost() <-chan error { return l.ch }
