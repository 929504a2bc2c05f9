package correlator

import (
	"context"
	"sync"

	"github.com/morezero/contextbus/pkg/envelope"
)

// Future is the caller's handle on one PendingCall. It settles exactly once.
type Future struct {
	correlationID string
	result        <-chan Result
	owner         *Correlator

	mu      sync.Mutex
	settled bool
	res     Result
}

// CorrelationID returns the id this future waits on.
func (f *Future) CorrelationID() string {
	return f.correlationID
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the
// PendingCall is cancelled so its slot is freed immediately.
func (f *Future) Wait(ctx context.Context) (envelope.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return f.res.Payload, f.res.Err
	}

	select {
	case r := <-f.result:
		f.store(r)
		return f.res.Payload, f.res.Err
	default:
	}

	select {
	case r := <-f.result:
		f.store(r)
	case <-ctx.Done():
		if f.owner.Cancel(f.correlationID) {
			<-f.result
			f.store(Result{Err: envelope.WrapError(envelope.CodeCancelled, "request "+f.correlationID+" cancelled", ctx.Err())})
		} else {
			f.store(<-f.result)
		}
	}
	return f.res.Payload, f.res.Err
}

// Cancel cancels the call if it is still pending.
func (f *Future) Cancel() bool {
	return f.owner.Cancel(f.correlationID)
}

func (f *Future) store(r Result) {
	f.res = r
	f.settled = true
}
