// Package transport defines the contract every bus transport implements and
// the errors they report.
package transport

import (
	"context"

	"github.com/morezero/contextbus/pkg/envelope"
)

// MessageHandler receives inbound envelopes. It is installed by the router.
type MessageHandler func(env *envelope.Envelope)

// Transport moves envelopes between contexts. Send must report failure to the
// caller instead of dropping the envelope; a nil error only means the bytes
// were accepted by the transport layer, not that a handler ran.
type Transport interface {
	Name() string
	Send(ctx context.Context, env *envelope.Envelope) error
	SetMessageHandler(h MessageHandler)
	IsConnected() bool
	Disconnect() error
}

// QueueReporter is implemented by transports with an outbound queue.
type QueueReporter interface {
	QueueDepth() int
}

// Starter is implemented by transports with background loops. The router
// calls Start after installing its message handler.
type Starter interface {
	Start(ctx context.Context) error
}

// DropHandler is told about envelopes a transport accepted but later
// discarded, such as the oldest entry of a full outbound queue.
type DropHandler func(env *envelope.Envelope, err error)

// DropNotifier is implemented by transports that can discard accepted envelopes.
type DropNotifier interface {
	SetDropHandler(h DropHandler)
}

// Sentinel errors. Compare with errors.Is; transports return richer messages
// with the same code.
var (
	ErrNotConnected     = envelope.NewError(envelope.CodeNotConnected, "transport not connected")
	ErrPeerUnknown      = envelope.NewError(envelope.CodePeerUnknown, "peer unknown")
	ErrQueueFull        = envelope.NewError(envelope.CodeQueueFull, "outbound queue full")
	ErrPayloadTooLarge  = envelope.NewError(envelope.CodePayloadTooLarge, "envelope exceeds transport limit")
	ErrTransportFailure = envelope.NewError(envelope.CodeTransportFailure, "transport failure")
)

// Failure wraps a lower-level error as a TRANSPORT_FAILURE.
func Failure(name string, cause error) error {
	return envelope.WrapError(envelope.CodeTransportFailure, name+" send failed", cause)
}
