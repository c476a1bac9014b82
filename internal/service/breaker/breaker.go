package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	DefaultThreshold uint32        = 5
	DefaultCooldown  time.Duration = 60 * time.Second
)

var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Config struct {
	// Threshold is the number of consecutive delivery failures that opens the circuit.
	Threshold uint32 `mapstructure:"threshold"`
	// Cooldown is how long the circuit stays open before one trial is allowed.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Cooldown: DefaultCooldown}
}

// Snapshot is a read-only view for stats and the REST API.
type Snapshot struct {
	State        State      `json:"state"`
	FailureCount uint32     `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure_time,omitempty"`
}

// errDeliveryFailed is reported to gobreaker for a failed attempt.
var errDeliveryFailed = errors.New("delivery failed")

// Breaker guards delivery to one destination agent. Closed admits every
// attempt, open admits none until the cooldown elapses, and half-open admits
// exactly one trial whose outcome closes or re-opens the circuit.
//
// gobreaker owns the state machine and the consecutive-failure count while
// closed. It clears its counts on every state change, so the count that
// opened the circuit is kept in tripped until a success closes it again.
type Breaker struct {
	name      string
	threshold uint32
	cooldown  time.Duration
	onTrip    func(name string)

	// gen identifies the current gobreaker instance. Callbacks from a
	// replaced instance see a stale gen and change nothing.
	gen     atomic.Uint64
	cb      atomic.Pointer[gobreaker.TwoStepCircuitBreaker[struct{}]]
	tripped atomic.Uint32

	mu          sync.Mutex
	lastFailure time.Time
}

// New builds a breaker named after the agent it guards. onTrip runs every
// time the circuit opens.
func New(name string, cfg Config, onTrip func(name string)) *Breaker {
	b := &Breaker{
		name:      "agent:" + name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		onTrip:    onTrip,
	}
	if b.threshold == 0 {
		b.threshold = DefaultThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	b.reset()
	return b
}

// reset installs a fresh closed gobreaker instance.
func (b *Breaker) reset() {
	gen := b.gen.Add(1)
	current := func() bool { return b.gen.Load() == gen }

	b.tripped.Store(0)
	b.cb.Store(gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // one trial in half-open
		Interval:    0, // failures never reset while closed
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < b.threshold {
				return false
			}
			if current() {
				b.tripped.Store(counts.ConsecutiveFailures)
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if !current() {
				return
			}
			slog.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if to != gobreaker.StateOpen {
				return
			}
			if from == gobreaker.StateHalfOpen {
				b.tripped.Add(1)
			}
			if b.onTrip != nil {
				b.onTrip(name)
			}
		},
	}))
}

// CanExecute reports whether an attempt would be admitted right now. It does
// not reserve the half-open trial; Allow does.
func (b *Breaker) CanExecute() bool {
	cb := b.cb.Load()
	switch cb.State() {
	case gobreaker.StateClosed:
		return true
	case gobreaker.StateHalfOpen:
		return cb.Counts().Requests == 0
	default:
		return false
	}
}

// Allow reserves one attempt. The returned done must be called exactly once
// with the outcome. An outcome reported after the circuit has moved on is
// ignored by gobreaker and does not change the count.
func (b *Breaker) Allow() (func(success bool), error) {
	cb := b.cb.Load()
	done, err := cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrOpen, cb.Name())
		}
		return nil, err
	}
	return func(success bool) {
		if success {
			done(nil)
			return
		}
		b.stampFailure()
		done(errDeliveryFailed)
	}, nil
}

// RecordSuccess clears the failure count and closes the circuit from any
// state.
func (b *Breaker) RecordSuccess() {
	cb := b.cb.Load()
	if cb.State() == gobreaker.StateClosed {
		if done, err := cb.Allow(); err == nil {
			done(nil)
			return
		}
	}
	// Open or half-open: start a fresh closed generation.
	b.reset()
	slog.Info("circuit breaker reset", "breaker", b.name)
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// re-opening it from half-open. While open it only adds to the count.
func (b *Breaker) RecordFailure() {
	done, err := b.Allow()
	if err != nil {
		b.stampFailure()
		b.tripped.Add(1)
		return
	}
	done(false)
}

func (b *Breaker) stampFailure() {
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()
}

func (b *Breaker) State() State { return stateOf(b.cb.Load()) }

func stateOf(cb *gobreaker.TwoStepCircuitBreaker[struct{}]) State {
	switch cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (b *Breaker) Snapshot() Snapshot {
	cb := b.cb.Load()
	s := Snapshot{State: stateOf(cb)}
	if s.State == StateClosed {
		s.FailureCount = cb.Counts().ConsecutiveFailures
	} else {
		s.FailureCount = b.tripped.Load()
	}
	b.mu.Lock()
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	b.mu.Unlock()
	return s
}
