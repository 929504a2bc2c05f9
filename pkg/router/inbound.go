package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/transport"
)

const inboundLogPrefix = "router:inbound"

// attachment is one transport plus its inbound channel and dispatch loop.
type attachment struct {
	t       transport.Transport
	inbound chan *envelope.Envelope
	done    chan struct{}
	once    sync.Once
}

func (a *attachment) stop() {
	a.once.Do(func() { close(a.done) })
}

// receive is installed as the transport's message handler. It blocks while
// the inbound channel is full, pushing back on the transport's reader.
func (a *attachment) receive(env *envelope.Envelope) {
	select {
	case a.inbound <- env:
	case <-a.done:
		slog.Debug(fmt.Sprintf("%s - %s detached, dropping %s", inboundLogPrefix, a.t.Name(), env))
	}
}

func (r *Router) attach(t transport.Transport) *attachment {
	a := &attachment{
		t:       t,
		inbound: make(chan *envelope.Envelope, r.cfg.InboundBuffer),
		done:    make(chan struct{}),
	}
	t.SetMessageHandler(a.receive)
	if dn, ok := t.(transport.DropNotifier); ok {
		dn.SetDropHandler(func(env *envelope.Envelope, err error) {
			if envelope.IsRequest(env) && r.corr.Reject(env.CorrelationID, err) {
				slog.Warn(fmt.Sprintf("%s - %s dropped %s: %v", inboundLogPrefix, t.Name(), env, err))
			}
		})
	}
	r.mu.Lock()
	r.attachments = append(r.attachments, a)
	r.mu.Unlock()
	return a
}

// AttachTransport adds t. If the router is running, t's dispatch loop and
// background loops start immediately.
func (r *Router) AttachTransport(ctx context.Context, t transport.Transport) error {
	r.mu.RLock()
	closed, started := r.closed, r.started
	r.mu.RUnlock()
	if closed {
		return envelope.NewError(envelope.CodeClosed, "router closed")
	}
	a := r.attach(t)
	slog.Info(fmt.Sprintf("%s - Attached transport %s", inboundLogPrefix, t.Name()))
	if !started {
		return nil
	}
	return r.run(ctx, a)
}

// DetachTransport stops dispatching for t without disconnecting it. Pending
// calls that were sent over t are left to time out.
func (r *Router) DetachTransport(t transport.Transport) bool {
	r.mu.Lock()
	var found *attachment
	for i, a := range r.attachments {
		if a.t == t {
			found = a
			r.attachments = append(r.attachments[:i:i], r.attachments[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return false
	}
	found.stop()
	slog.Info(fmt.Sprintf("%s - Detached transport %s", inboundLogPrefix, t.Name()))
	return true
}

func (r *Router) run(ctx context.Context, a *attachment) error {
	if !r.spawn(func() { r.dispatchLoop(a) }) {
		return envelope.NewError(envelope.CodeClosed, "router closed")
	}
	if s, ok := a.t.(transport.Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("%s - failed to start %s: %w", inboundLogPrefix, a.t.Name(), err)
		}
	}
	return nil
}

// spawn runs fn on a tracked goroutine unless the router is closed.
func (r *Router) spawn(fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *Router) dispatchLoop(a *attachment) {
	for {
		select {
		case env := <-a.inbound:
			r.route(a.t, env)
		case <-a.done:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// route handles one inbound envelope. Requests get their own goroutine so a
// slow handler never stalls the loop.
func (r *Router) route(origin transport.Transport, env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindResponse:
		r.handleResponse(env)
	case envelope.KindRequest:
		if !r.spawn(func() { r.serveRequest(origin, env) }) {
			slog.Debug(fmt.Sprintf("%s - router closed, dropping %s", inboundLogPrefix, env))
		}
	case envelope.KindEvent:
		r.deliverEvent(r.ctx, env)
	}
}

func (r *Router) handleResponse(env *envelope.Envelope) {
	var settled bool
	if env.Error != nil {
		settled = r.corr.Reject(env.CorrelationID, env.Error)
	} else {
		settled = r.corr.Resolve(env.CorrelationID, env.Payload)
	}
	if !settled {
		slog.Debug(fmt.Sprintf("%s - late or duplicate response %s", inboundLogPrefix, env))
	}
}

// deliverEvent dedups env, fans it out to bridge listeners and invokes the
// matching subscriber. It reports whether anything received it and whether
// it was a duplicate.
func (r *Router) deliverEvent(ctx context.Context, env *envelope.Envelope) (delivered, deduplicated bool) {
	candidates := r.localCandidates(env.TargetPath)
	out := r.bridge.Publish(ctx, candidates[0], env)
	if out.Deduplicated {
		return false, true
	}
	delivered = out.Delivered > 0

	path, h, ok := r.subs.match(candidates...)
	if !ok {
		if !delivered {
			slog.Debug(fmt.Sprintf("%s - no listener for event %s", inboundLogPrefix, env))
		}
		return delivered, false
	}
	if r.spawn(func() {
		if _, err := invoke(ctx, h, env); err != nil {
			slog.Warn(fmt.Sprintf("%s - event subscriber %q failed on %s: %v", inboundLogPrefix, path, env, err))
		}
	}) {
		delivered = true
	}
	return delivered, false
}

// serveRequest runs the subscriber for req and sends the Response back over
// origin, or settles it locally when origin is nil.
func (r *Router) serveRequest(origin transport.Transport, req *envelope.Envelope) {
	ctx := r.ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var resp *envelope.Envelope
	path, h, ok := r.subs.match(r.localCandidates(req.TargetPath)...)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - no subscriber for %s", inboundLogPrefix, req))
		resp = envelope.NewErrorResponse(r.self, req, envelope.Errorf(envelope.CodeNoHandler, "no subscriber for %q", req.TargetPath))
	} else {
		payload, err := invoke(ctx, h, req)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - subscriber %q failed on %s: %v", inboundLogPrefix, path, req, err))
			resp = envelope.NewErrorResponse(r.self, req, envelope.AsError(err, envelope.CodeHandlerError))
		} else {
			resp = envelope.NewResponse(r.self, req, payload)
		}
	}

	if req.NoReply {
		return
	}
	if origin == nil {
		r.handleResponse(resp)
		return
	}
	if err := origin.Send(r.ctx, resp); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send response for %s over %s: %v", inboundLogPrefix, req, origin.Name(), err))
	}
}

// invoke calls h and turns a panic into a HANDLER_ERROR.
func invoke(ctx context.Context, h Handler, env *envelope.Envelope) (payload envelope.Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = envelope.Errorf(envelope.CodeHandlerError, "handler panicked: %v", rec)
		}
	}()
	return h(ctx, env)
}
