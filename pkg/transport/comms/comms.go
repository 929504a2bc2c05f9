// Package comms implements a broker transport over COMMS (NATS). Each node
// listens on its node subject, its environment's event subject and, in a
// queue group, its environment's request subject.
package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/contextbus/pkg/commsutil"
	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/transport"
)

const logPrefix = "comms:comms"

// flushTimeout bounds the round trip that confirms new subscriptions.
const flushTimeout = 5 * time.Second

// Config holds broker transport configuration.
type Config struct {
	// Prefix is the subject root; empty means commsutil.SubjectPrefix.
	Prefix      string
	Environment string
	NodeID      string
}

// Transport sends envelopes as COMMS messages.
type Transport struct {
	nc    *comms.Conn
	owned bool
	cfg   Config

	mu      sync.Mutex
	subs    []*comms.Subscription
	handler transport.MessageHandler
	started bool
	closed  bool
}

// New creates a Transport on an existing connection. The caller keeps
// ownership of nc.
func New(nc *comms.Conn, cfg Config) (*Transport, error) {
	if nc == nil {
		return nil, fmt.Errorf("%s - connection is required", logPrefix)
	}
	if cfg.Environment == "" || cfg.NodeID == "" {
		return nil, fmt.Errorf("%s - environment and nodeId are required", logPrefix)
	}
	return &Transport{nc: nc, cfg: cfg}, nil
}

// Dial connects to url and creates a Transport that owns the connection.
func Dial(url string, cfg Config) (*Transport, error) {
	nc, err := commsutil.Connect(url, "contextbus-"+cfg.NodeID)
	if err != nil {
		return nil, err
	}
	t, err := New(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return "comms" }

// SetMessageHandler implements transport.Transport.
func (t *Transport) SetMessageHandler(h transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// IsConnected reports whether the transport is subscribed and the
// connection is up.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.nc.IsConnected()
}

func (t *Transport) envSubject() string {
	return commsutil.BuildEnvironmentSubject(t.cfg.Prefix, t.cfg.Environment)
}

func (t *Transport) reqSubject() string {
	return commsutil.BuildEnvironmentRequestSubject(t.cfg.Prefix, t.cfg.Environment)
}

func (t *Transport) nodeSubject() string {
	return commsutil.BuildNodeSubject(t.cfg.Prefix, t.cfg.NodeID)
}

// Start subscribes to the node, environment and request subjects.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrNotConnected
	}
	if t.started {
		return nil
	}

	node, err := t.nc.Subscribe(t.nodeSubject(), t.onMsg)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, t.nodeSubject(), err)
	}
	env, err := t.nc.Subscribe(t.envSubject(), t.onMsg)
	if err != nil {
		node.Unsubscribe()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, t.envSubject(), err)
	}
	req, err := t.nc.QueueSubscribe(t.reqSubject(), t.cfg.Environment, t.onMsg)
	if err != nil {
		node.Unsubscribe()
		env.Unsubscribe()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, t.reqSubject(), err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	err = t.nc.FlushWithContext(flushCtx)
	cancel()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - flush after subscribe failed: %v", logPrefix, err))
	}

	t.subs = []*comms.Subscription{node, env, req}
	t.started = true
	slog.Info(fmt.Sprintf("%s - Subscribed to %s, %s, %s", logPrefix, t.nodeSubject(), t.envSubject(), t.reqSubject()))
	return nil
}

func (t *Transport) onMsg(msg *comms.Msg) {
	env, err := envelope.Unmarshal(msg.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping malformed message on %s: %v", logPrefix, msg.Subject, err))
		return
	}
	// Our own events come back through the environment subject.
	if env.Route != nil && env.Route.SourceNode == t.cfg.NodeID && envelope.IsEvent(env) {
		return
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		slog.Warn(fmt.Sprintf("%s - no handler installed, dropping %s", logPrefix, env))
		return
	}
	h(env)
}

// subjectFor picks the node subject for routed envelopes, the request queue
// subject for requests and the environment subject for everything else.
func (t *Transport) subjectFor(env *envelope.Envelope) string {
	if dst := env.DestinationNode(); dst != "" {
		return commsutil.BuildNodeSubject(t.cfg.Prefix, dst)
	}
	target := envelope.EnvironmentOf(env.TargetPath)
	if envelope.IsRequest(env) {
		return commsutil.BuildEnvironmentRequestSubject(t.cfg.Prefix, target)
	}
	return commsutil.BuildEnvironmentSubject(t.cfg.Prefix, target)
}

// Send publishes env. Delivery is at-most-once; there is no broker ack.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return envelope.WrapError(envelope.CodeCancelled, "send cancelled", err)
	}

	out := env.Clone()
	if out.Route == nil {
		out.Route = &envelope.Route{}
	}
	out.Route.SourceNode = t.cfg.NodeID

	data, err := envelope.Marshal(out)
	if err != nil {
		return transport.Failure(t.Name(), err)
	}
	if limit := t.nc.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return envelope.Errorf(envelope.CodePayloadTooLarge, "envelope is %d bytes, limit %d", len(data), limit)
	}
	subject := t.subjectFor(out)
	if err := t.nc.Publish(subject, data); err != nil {
		return transport.Failure(t.Name(), fmt.Errorf("%s - publish to %s: %w", logPrefix, subject, err))
	}
	return nil
}

// Disconnect unsubscribes and, when the transport owns it, closes the connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, sub.Subject, err))
		}
	}
	t.subs = nil
	if t.owned {
		t.nc.Close()
	}
	return nil
}
