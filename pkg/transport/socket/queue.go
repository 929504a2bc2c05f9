package socket

import (
	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/transport"
)

// outboundQueue holds envelopes while the socket is down. It is not
// goroutine-safe; the transport guards it with its state mutex.
type outboundQueue struct {
	depth  int
	policy DropPolicy
	items  []*envelope.Envelope
}

func newOutboundQueue(depth int, policy DropPolicy) *outboundQueue {
	return &outboundQueue{depth: depth, policy: policy}
}

// push enqueues env. It returns the envelope the policy discarded, if any,
// and an error when env itself was refused.
func (q *outboundQueue) push(env *envelope.Envelope) (dropped *envelope.Envelope, err error) {
	if q.depth <= 0 {
		return nil, transport.ErrNotConnected
	}
	if len(q.items) < q.depth {
		q.items = append(q.items, env)
		return nil, nil
	}
	switch q.policy {
	case DropOldest:
		dropped = q.items[0]
		q.items = append(q.items[1:], env)
		return dropped, nil
	case DropNewest:
		return env, nil
	default:
		return nil, envelope.Errorf(envelope.CodeQueueFull, "outbound queue full (%d)", q.depth)
	}
}

// pushFront puts envs back at the head, in order, ignoring the bound.
func (q *outboundQueue) pushFront(envs []*envelope.Envelope) {
	q.items = append(append([]*envelope.Envelope(nil), envs...), q.items...)
}

func (q *outboundQueue) drain() []*envelope.Envelope {
	out := q.items
	q.items = nil
	return out
}

func (q *outboundQueue) len() int { return len(q.items) }
