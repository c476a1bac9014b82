package handler

import (
	"context"

	"github.com/alanyang/agent-coordinator/internal/domain/message"
)

// MessageHandler is an in-process agent. A non-nil reply is routed back to
// the original sender's pending slot.
type MessageHandler interface {
	Handle(ctx context.Context, msg message.RoutedMessage) (*message.RoutedMessage, error)
}

// ResponseSink accepts replies to messages that required one.
type ResponseSink interface {
	Resolve(resp message.RoutedMessage) bool
}
