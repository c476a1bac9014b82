package router

import (
	"context"
	"sync"
	"time"

	"github.com/alanyang/agent-coordinator/internal/domain/message"
)

// Pending is the completion handle for a message that requires a response.
// It completes exactly once: with the response, with ErrResponseTimeout, or
// with the delivery error when the message never reached anyone.
type Pending struct {
	MessageID string

	done  chan struct{}
	resp  message.RoutedMessage
	err   error
	timer *time.Timer
}

func newPending(id string) *Pending {
	return &Pending{MessageID: id, done: make(chan struct{})}
}

// Wait blocks until the slot completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (message.RoutedMessage, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return message.RoutedMessage{}, ctx.Err()
	}
}

func (p *Pending) Done() <-chan struct{} { return p.done }

// complete must only be called by whoever removed p from the table.
func (p *Pending) complete(resp message.RoutedMessage, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.resp, p.err = resp, err
	close(p.done)
}

// pendingTable maps message ids to open slots. Removal under mu decides
// which of response, watchdog and cancellation completes a slot.
type pendingTable struct {
	mu    sync.Mutex
	slots map[string]*Pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]*Pending)}
}

// open adds a slot for id, failing with ErrDuplicateMessage when one is
// already open.
func (t *pendingTable) open(id string, timeout time.Duration, onTimeout func(*Pending)) (*Pending, error) {
	t.mu.Lock()
	if _, exists := t.slots[id]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicateMessage
	}
	p := newPending(id)
	t.slots[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if slot, ok := t.take(id); ok {
			onTimeout(slot)
		}
	})
	t.mu.Unlock()
	return p, nil
}

func (t *pendingTable) take(id string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	return p, ok
}

func (t *pendingTable) get(id string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.slots[id]
	return p, ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
