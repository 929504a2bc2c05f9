package events

import (
	"context"

	"github.com/morezero/contextbus/pkg/envelope"
)

// EventPublisher mirrors bridged events to an outside observer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, env *envelope.Envelope) error
}

// NoOpPublisher is an EventPublisher that does nothing.
type NoOpPublisher struct{}

// PublishEvent is a no-op.
func (p *NoOpPublisher) PublishEvent(_ context.Context, _ *envelope.Envelope) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, env *envelope.Envelope) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, env *envelope.Envelope) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishEvent calls the callback.
func (p *CallbackPublisher) PublishEvent(ctx context.Context, env *envelope.Envelope) error {
	return p.callback(ctx, env)
}
