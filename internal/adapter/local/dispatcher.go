package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyang/agent-coordinator/internal/domain/message"
	porthandler "github.com/alanyang/agent-coordinator/internal/port/handler"
)

// Capacity is the number of concurrent messages at which a local agent
// reports a load factor of 1.
const Capacity = 8

// Dispatcher delivers to agents that run inside this process. Handlers run
// on their own goroutine so Deliver returns as soon as the message is
// accepted, the same contract the bus endpoints have.
type Dispatcher struct {
	sink porthandler.ResponseSink

	mu       sync.RWMutex
	handlers map[string]porthandler.MessageHandler
	inflight map[string]int

	wg sync.WaitGroup
}

func NewDispatcher(sink porthandler.ResponseSink) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		handlers: make(map[string]porthandler.MessageHandler),
		inflight: make(map[string]int),
	}
}

// SetSink wires the response sink after construction, for the router that
// itself depends on this dispatcher.
func (d *Dispatcher) SetSink(sink porthandler.ResponseSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

func (d *Dispatcher) Register(agentID string, h porthandler.MessageHandler) {
	d.mu.Lock()
	d.handlers[agentID] = h
	d.mu.Unlock()
}

// Remove drops the handler for agentID. Messages already handed to it still
// finish.
func (d *Dispatcher) Remove(agentID string) {
	d.mu.Lock()
	delete(d.handlers, agentID)
	d.mu.Unlock()
}

// Loads returns the load factor of every hosted agent: in-flight messages
// over Capacity, capped at 1.
func (d *Dispatcher) Loads() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]float64, len(d.handlers))
	for id := range d.handlers {
		out[id] = min(float64(d.inflight[id])/Capacity, 1)
	}
	return out
}

func (d *Dispatcher) Reaches(agentID string) bool {
	d.mu.RLock()
	_, ok := d.handlers[agentID]
	d.mu.RUnlock()
	return ok
}

func (d *Dispatcher) Deliver(ctx context.Context, agentID string, msg message.RoutedMessage) error {
	d.mu.Lock()
	h, ok := d.handlers[agentID]
	sink := d.sink
	if ok {
		d.inflight[agentID]++
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local handler for agent %s", agentID)
	}

	// The router's ctx may end as soon as Deliver returns.
	hctx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.done(agentID)
		reply, err := h.Handle(hctx, msg)
		if err != nil {
			slog.ErrorContext(hctx, "local handler failed", "agent_id", agentID, "message_id", msg.ID, "error", err)
			if msg.RequiresResponse {
				e := message.NewResponse(msg, agentID, map[string]any{"error": err.Error()})
				e.Type = message.TypeError
				reply = &e
			}
		}
		if reply == nil || sink == nil {
			return
		}
		if reply.CorrelationID == "" {
			reply.CorrelationID = msg.ID
		}
		sink.Resolve(*reply)
	}()
	return nil
}

func (d *Dispatcher) done(agentID string) {
	d.mu.Lock()
	if d.inflight[agentID]--; d.inflight[agentID] <= 0 {
		delete(d.inflight, agentID)
	}
	d.mu.Unlock()
}

// Wait blocks until every handler started so far has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }
