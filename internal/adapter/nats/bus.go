package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

type Config struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	Token          string        `mapstructure:"token"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "agent-coordinator",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 5 * time.Second,
	}
}

// Bus carries topics as NATS subjects. NATS runs each subscription's
// callbacks on its own goroutine, so a slow handler never blocks Publish.
// The connection reconnects on its own up to MaxReconnects times; once it
// closes for any reason other than Close, the bus reports it on Lost.
type Bus struct {
	conn    *nats.Conn
	closing atomic.Bool
	lost    *porteventbus.LossSignal
}

func Connect(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return NewFromConn(conn), nil
}

func NewFromConn(conn *nats.Conn) *Bus {
	b := &Bus{conn: conn, lost: porteventbus.NewLossSignal()}
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		slog.Warn("nats disconnected", "error", err)
	})
	conn.SetReconnectHandler(func(c *nats.Conn) {
		slog.Info("nats reconnected", "url", c.ConnectedUrl())
	})
	conn.SetClosedHandler(b.onClosed)
	return b
}

func (b *Bus) onClosed(c *nats.Conn) {
	if b.closing.Load() {
		return
	}
	err := c.LastError()
	slog.Error("nats connection closed", "error", err)
	b.lost.Report(err)
}

func (b *Bus) Lost() <-chan error { return b.lost.Lost() }

func (b *Bus) Publish(_ context.Context, topic event.Topic, data []byte) error {
	if err := b.conn.Publish(string(topic), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic event.Topic, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	sub, err := b.conn.Subscribe(string(topic), func(m *nats.Msg) {
		handler(ctx, porteventbus.Message{Topic: event.Topic(m.Subject), Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return &subscription{sub: sub}, nil
}

// Close drains subscriptions so in-flight callbacks finish, then closes the
// connection.
func (b *Bus) Close() error {
	b.closing.Store(true)
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Unsubscribe() { _ = s.sub.Unsubscribe() }
