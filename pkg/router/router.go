// Package router is the bus façade: it owns the subscriber table, sends
// outbound envelopes through the active transport, and dispatches inbound
// envelopes to subscribers, the correlator or the event bridge.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/contextbus/pkg/correlator"
	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/events"
	"github.com/morezero/contextbus/pkg/transport"
)

const logPrefix = "router:router"

const defaultInboundBuffer = 256

// Config holds router configuration.
type Config struct {
	// InboundBuffer is the per-transport inbound channel size.
	InboundBuffer int
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{InboundBuffer: defaultInboundBuffer}
}

// PostResult is the outcome of PostMessage. Future is set for Requests that
// expect a Response.
type PostResult struct {
	Future       *correlator.Future `json:"-"`
	Queued       bool               `json:"queued"`
	Delivered    bool               `json:"delivered"`
	Deduplicated bool               `json:"deduplicated"`
}

// NewRouterParams holds parameters for NewRouter.
type NewRouterParams struct {
	Context envelope.Context
	// NodeID identifies this node on transports that route by node.
	NodeID     string
	Config     Config
	Correlator *correlator.Correlator
	Bridge     *events.Bridge
	Transports []transport.Transport
}

// Router is safe for concurrent use.
type Router struct {
	self   envelope.Context
	nodeID string
	cfg    Config

	corr   *correlator.Correlator
	bridge *events.Bridge
	subs   *subscriberTable

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	attachments []*attachment
	started     bool
	closed      bool

	wg sync.WaitGroup
}

// NewRouter creates a Router. Transports given here are attached in order;
// the first connected one carries outbound traffic.
func NewRouter(params NewRouterParams) *Router {
	cfg := params.Config
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaultInboundBuffer
	}
	corr := params.Correlator
	if corr == nil {
		corr = correlator.NewCorrelator(correlator.DefaultConfig())
	}
	bridge := params.Bridge
	if bridge == nil {
		bridge = events.NewBridge(events.NewBridgeParams{Config: events.DefaultConfig()})
	}
	self := params.Context
	if self.UUID == "" {
		self = envelope.NewContext(self.Environment)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		self:   self,
		nodeID: params.NodeID,
		cfg:    cfg,
		corr:   corr,
		bridge: bridge,
		subs:   newSubscriberTable(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, t := range params.Transports {
		r.attach(t)
	}
	return r
}

// Context returns the router's own endpoint identity.
func (r *Router) Context() envelope.Context { return r.self }

// NodeID returns the node id given at construction.
func (r *Router) NodeID() string { return r.nodeID }

// Bridge returns the event bridge so callers can subscribe listeners.
func (r *Router) Bridge() *events.Bridge { return r.bridge }

// Correlator returns the router's correlator.
func (r *Router) Correlator() *correlator.Correlator { return r.corr }

// Start starts the correlator sweep, the per-transport dispatch loops and
// any transport background loops.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return envelope.NewError(envelope.CodeClosed, "router closed")
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	atts := append([]*attachment(nil), r.attachments...)
	r.mu.Unlock()

	r.corr.Start(ctx)
	for _, a := range atts {
		if err := r.run(ctx, a); err != nil {
			return err
		}
	}
	slog.Info(fmt.Sprintf("%s - Router started (environment=%s, node=%s, transports=%d)", logPrefix, r.self.Environment, r.nodeID, len(atts)))
	return nil
}

// RegisterSubscriber installs h at path. A later registration for the same
// path replaces the earlier one.
func (r *Router) RegisterSubscriber(path string, h Handler) {
	path = envelope.NormalizePath(path)
	if r.subs.set(path, h) {
		slog.Info(fmt.Sprintf("%s - Replaced subscriber at %q", logPrefix, path))
		return
	}
	slog.Debug(fmt.Sprintf("%s - Registered subscriber at %q", logPrefix, path))
}

// UnregisterSubscriber removes the handler at path and reports whether one existed.
func (r *Router) UnregisterSubscriber(path string) bool {
	return r.subs.remove(envelope.NormalizePath(path))
}

// Subscribers returns the registered paths in order.
func (r *Router) Subscribers() []string { return r.subs.paths() }

// localCandidates returns the paths to match for target: with the
// environment segment stripped when it names this router, then as given.
func (r *Router) localCandidates(target string) []string {
	target = envelope.NormalizePath(target)
	if stripped, ok := envelope.StripPrefix(target, r.self.Environment); ok && r.self.Environment != "" && stripped != target {
		return []string{stripped, target}
	}
	return []string{target}
}

// isLocal reports whether env is addressed to this router.
func (r *Router) isLocal(env *envelope.Envelope) bool {
	if dst := env.DestinationNode(); dst != "" {
		return r.nodeID != "" && dst == r.nodeID
	}
	return r.self.Environment != "" && envelope.EnvironmentOf(env.TargetPath) == r.self.Environment
}

// NewRequest builds a Request from this router to targetPath.
func (r *Router) NewRequest(targetPath string, payload envelope.Payload) *envelope.Envelope {
	return envelope.NewRequest(r.self, r.self.Environment, targetPath, payload)
}

// NewEvent builds an Event from this router to targetPath.
func (r *Router) NewEvent(targetPath string, payload envelope.Payload) *envelope.Envelope {
	return envelope.NewEvent(r.self, r.self.Environment, targetPath, payload)
}

// PostMessage sends env. Requests register a pending call unless NoReply is
// set and return its Future; a transport failure rejects that call at once
// and is returned. Events are deduplicated, delivered locally when addressed
// here and otherwise handed to the transport; PostMessage never waits for
// event listeners.
func (r *Router) PostMessage(ctx context.Context, env *envelope.Envelope) (*PostResult, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, envelope.NewError(envelope.CodeClosed, "router closed")
	}
	if env.SenderContext.UUID == "" {
		env.SenderContext = r.self
	}

	switch env.Kind {
	case envelope.KindRequest:
		return r.postRequest(ctx, env)
	case envelope.KindEvent:
		return r.postEvent(ctx, env)
	default:
		if r.isLocal(env) {
			r.handleResponse(env)
			return &PostResult{Delivered: true}, nil
		}
		if err := r.send(ctx, env); err != nil {
			return nil, err
		}
		return &PostResult{Queued: true}, nil
	}
}

func (r *Router) postRequest(ctx context.Context, env *envelope.Envelope) (*PostResult, error) {
	var fut *correlator.Future
	if !env.NoReply {
		timeout := r.corr.Config().RequestTimeout
		if env.TimeoutMs > 0 {
			timeout = time.Duration(env.TimeoutMs) * time.Millisecond
		}
		f, err := r.corr.Register(env.CorrelationID, timeout)
		if err != nil {
			return nil, err
		}
		fut = f
	}

	if r.isLocal(env) {
		if !r.spawn(func() { r.serveRequest(nil, env) }) {
			r.corr.Reject(env.CorrelationID, envelope.NewError(envelope.CodeClosed, "router closed"))
			return nil, envelope.NewError(envelope.CodeClosed, "router closed")
		}
		return &PostResult{Future: fut, Delivered: true}, nil
	}

	if err := r.send(ctx, env); err != nil {
		if fut != nil {
			r.corr.Reject(env.CorrelationID, err)
		}
		return nil, err
	}
	return &PostResult{Future: fut, Queued: true}, nil
}

func (r *Router) postEvent(ctx context.Context, env *envelope.Envelope) (*PostResult, error) {
	if r.isLocal(env) {
		delivered, dedup := r.deliverEvent(ctx, env)
		return &PostResult{Delivered: delivered, Deduplicated: dedup}, nil
	}
	if !r.bridge.Admit(env) {
		slog.Debug(fmt.Sprintf("%s - Suppressed duplicate outbound %s", logPrefix, env))
		return &PostResult{Deduplicated: true}, nil
	}
	if err := r.send(ctx, env); err != nil {
		r.bridge.Forget(env)
		return nil, err
	}
	return &PostResult{Queued: true}, nil
}

// Call posts a Request and waits for its Response payload.
func (r *Router) Call(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
	if !envelope.IsRequest(env) || env.NoReply {
		return envelope.Payload{}, envelope.NewError(envelope.CodeInvalidArgument, "Call needs a Request that expects a reply")
	}
	res, err := r.PostMessage(ctx, env)
	if err != nil {
		return envelope.Payload{}, err
	}
	return res.Future.Wait(ctx)
}

// Request builds a Request to targetPath and waits for the Response.
func (r *Router) Request(ctx context.Context, targetPath string, payload envelope.Payload) (envelope.Payload, error) {
	return r.Call(ctx, r.NewRequest(targetPath, payload))
}

// Emit builds and posts an Event to targetPath.
func (r *Router) Emit(ctx context.Context, targetPath string, payload envelope.Payload) (*PostResult, error) {
	return r.PostMessage(ctx, r.NewEvent(targetPath, payload))
}

// send hands env to the active transport.
func (r *Router) send(ctx context.Context, env *envelope.Envelope) error {
	t := r.activeTransport()
	if t == nil {
		return envelope.NewError(envelope.CodeNotConnected, "no transport attached")
	}
	if err := t.Send(ctx, env); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s send failed for %s: %v", logPrefix, t.Name(), env, err))
		return envelope.AsError(err, envelope.CodeTransportFailure)
	}
	return nil
}

// activeTransport is the first connected transport, or the first attached
// one when none is connected so that its own failure mode applies.
func (r *Router) activeTransport() transport.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.attachments {
		if a.t.IsConnected() {
			return a.t
		}
	}
	if len(r.attachments) > 0 {
		return r.attachments[0].t
	}
	return nil
}

// Status returns a snapshot of the router.
func (r *Router) Status() RouterStatus {
	r.mu.RLock()
	started, closed := r.started, r.closed
	atts := append([]*attachment(nil), r.attachments...)
	r.mu.RUnlock()

	st := RouterStatus{
		Environment:    r.self.Environment,
		NodeID:         r.nodeID,
		Initialized:    started && !closed,
		Subscribers:    r.subs.len(),
		EventListeners: r.bridge.Listeners(),
		PendingCalls:   r.corr.Pending(),
		Transports:     make([]TransportStatus, 0, len(atts)),
	}
	for _, a := range atts {
		ts := TransportStatus{Name: a.t.Name(), Connected: a.t.IsConnected()}
		if q, ok := a.t.(transport.QueueReporter); ok {
			ts.QueueDepth = q.QueueDepth()
		}
		st.QueueDepth += ts.QueueDepth
		if ts.Connected && !st.Connected {
			st.Transport, st.Connected = ts.Name, true
		}
		st.Transports = append(st.Transports, ts)
	}
	if st.Transport == "" && len(atts) > 0 {
		st.Transport = atts[0].t.Name()
	}

	switch {
	case !st.Initialized:
		st.Health = HealthUnhealthy
	case len(atts) > 0 && !st.Connected:
		st.Health = HealthDegraded
	default:
		st.Health = HealthHealthy
	}
	return st
}

// Close stops dispatch, rejects pending calls with CLOSED, disconnects the
// attached transports and waits for in-flight handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	atts := r.attachments
	r.attachments = nil
	r.mu.Unlock()

	r.cancel()
	for _, a := range atts {
		a.stop()
	}
	for _, a := range atts {
		if err := a.t.Disconnect(); err != nil {
			slog.Warn(fmt.Sprintf("%s - %s disconnect: %v", logPrefix, a.t.Name(), err))
		}
	}
	r.corr.Close()
	r.corr.Wait()
	r.wg.Wait()
	r.bridge.Close()
	slog.Info(fmt.Sprintf("%s - Router closed", logPrefix))
	return nil
}
