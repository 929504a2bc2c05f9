package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/semver"
	"github.com/morezero/contextbus/pkg/transport"
)

const logPrefix = "mesh:mesh"

// Transport is a mesh node. It is safe for concurrent use.
type Transport struct {
	cfg   Config
	link  Link
	peers *PeerTable
	now   func() time.Time

	handlerMu sync.RWMutex
	handler   transport.MessageHandler

	connected atomic.Bool
	started   atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a mesh node on link. Call Start to begin discovery.
func New(cfg Config, link Link) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%s - link is required", logPrefix)
	}
	t := &Transport{
		cfg:   cfg,
		link:  link,
		peers: NewPeerTable(),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	t.connected.Store(true)
	return t, nil
}

// Listen opens a UDP link for cfg and creates a node on it.
func Listen(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	link, err := ListenUDP(cfg)
	if err != nil {
		return nil, err
	}
	t, err := New(cfg, link)
	if err != nil {
		link.Close()
		return nil, err
	}
	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return "mesh" }

// NodeID returns this node's id.
func (t *Transport) NodeID() string { return t.cfg.NodeID }

// SetMessageHandler implements transport.Transport.
func (t *Transport) SetMessageHandler(h transport.MessageHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// IsConnected reports whether the node is running.
func (t *Transport) IsConnected() bool { return t.connected.Load() }

// Peers returns a snapshot of live peers.
func (t *Transport) Peers() []NodeDescriptor { return t.peers.Snapshot() }

// PeersWithCapability returns live peers advertising a capability that satisfies ref.
func (t *Transport) PeersWithCapability(ref string) []NodeDescriptor {
	return t.peers.WithCapability(ref)
}

// Start launches the receive, discovery, heartbeat and eviction loops. It
// announces immediately so peers learn of the node without waiting a full
// discovery interval. Calling Start more than once has no effect.
func (t *Transport) Start(ctx context.Context) error {
	if !t.connected.Load() {
		return transport.ErrNotConnected
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	t.wg.Add(4)
	go t.receiveLoop()
	go t.every(ctx, t.cfg.DiscoveryInterval, true, t.announce)
	go t.every(ctx, t.cfg.HeartbeatInterval, false, t.heartbeat)
	go t.every(ctx, t.evictionInterval(), false, t.evict)

	slog.Info(fmt.Sprintf("%s - node %s started (caps=%v, protocol=%s)", logPrefix, t.cfg.NodeID, t.cfg.Capabilities, t.cfg.ProtocolVersion))
	return nil
}

func (t *Transport) evictionInterval() time.Duration {
	d := t.cfg.HeartbeatInterval / 2
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (t *Transport) every(ctx context.Context, interval time.Duration, immediate bool, fn func()) {
	defer t.wg.Done()
	if immediate {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) announcement() packet {
	return packet{
		Type: packetDiscover,
		Announcement: &Announcement{
			NodeID:          t.cfg.NodeID,
			Capabilities:    t.cfg.Capabilities,
			UnicastAddress:  t.link.LocalAddr(),
			NodePort:        portOf(t.link.LocalAddr()),
			ProtocolVersion: t.cfg.ProtocolVersion,
		},
	}
}

func (t *Transport) announce() {
	data, err := encodePacket(t.announcement())
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		return
	}
	if err := t.link.Multicast(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - announce failed: %v", logPrefix, err))
	}
}

func (t *Transport) heartbeat() {
	data, err := encodePacket(packet{
		Type:      packetHeartbeat,
		Heartbeat: &Heartbeat{NodeID: t.cfg.NodeID, TimestampMs: t.now().UnixMilli()},
	})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		return
	}
	for _, p := range t.peers.Snapshot() {
		if err := t.link.Unicast(p.UnicastAddress, data); err != nil {
			slog.Debug(fmt.Sprintf("%s - heartbeat to %s failed: %v", logPrefix, p.NodeID, err))
		}
	}
}

func (t *Transport) evict() {
	for _, p := range t.peers.Evict(t.now().UnixMilli(), t.cfg.NodeTimeout.Milliseconds()) {
		slog.Info(fmt.Sprintf("%s - evicted peer %s (silent since %d)", logPrefix, p.NodeID, p.LastSeenAtMs))
	}
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	in := t.link.Receive()
	for {
		select {
		case d, ok := <-in:
			if !ok {
				return
			}
			t.handleDatagram(d)
		case <-t.stop:
			return
		}
	}
}

func (t *Transport) handleDatagram(d Datagram) {
	p, err := decodePacket(d.Data)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - dropping datagram from %s: %v", logPrefix, d.From, err))
		return
	}
	nowMs := t.now().UnixMilli()

	switch p.Type {
	case packetDiscover:
		t.handleAnnouncement(p.Announcement, d.From, nowMs)
	case packetHeartbeat:
		if !t.peers.Touch(p.Heartbeat.NodeID, nowMs) {
			slog.Debug(fmt.Sprintf("%s - heartbeat from unknown node %s", logPrefix, p.Heartbeat.NodeID))
		}
	case packetLeave:
		if p.Leave.NodeID != t.cfg.NodeID && t.peers.Remove(p.Leave.NodeID) {
			slog.Info(fmt.Sprintf("%s - peer %s left", logPrefix, p.Leave.NodeID))
		}
	case packetEnvelope:
		t.handleEnvelope(p.Envelope, nowMs)
	}
}

func (t *Transport) handleAnnouncement(a *Announcement, from string, nowMs int64) {
	if a.NodeID == t.cfg.NodeID {
		return
	}
	if !semver.Compatible(a.ProtocolVersion, t.cfg.AcceptProtocol) {
		slog.Debug(fmt.Sprintf("%s - ignoring %s: protocol %q not in %q", logPrefix, a.NodeID, a.ProtocolVersion, t.cfg.AcceptProtocol))
		return
	}
	addr := resolvePeerAddr(a, from)
	isNew := t.peers.Upsert(NodeDescriptor{
		NodeID:          a.NodeID,
		Capabilities:    a.Capabilities,
		UnicastAddress:  addr,
		ProtocolVersion: a.ProtocolVersion,
		LastSeenAtMs:    nowMs,
	})
	if !isNew {
		return
	}
	slog.Info(fmt.Sprintf("%s - discovered peer %s at %s (caps=%v)", logPrefix, a.NodeID, addr, a.Capabilities))

	// Answer directly so the newcomer learns about us before our next multicast.
	data, err := encodePacket(t.announcement())
	if err != nil {
		return
	}
	if err := t.link.Unicast(addr, data); err != nil {
		slog.Debug(fmt.Sprintf("%s - announce reply to %s failed: %v", logPrefix, a.NodeID, err))
	}
}

func (t *Transport) handleEnvelope(env *envelope.Envelope, nowMs int64) {
	if env.Route != nil && env.Route.SourceNode != "" {
		t.peers.Touch(env.Route.SourceNode, nowMs)
	}
	if dst := env.DestinationNode(); dst != "" && dst != t.cfg.NodeID {
		slog.Debug(fmt.Sprintf("%s - dropping %s addressed to %s", logPrefix, env, dst))
		return
	}
	t.dispatch(env)
}

func (t *Transport) dispatch(env *envelope.Envelope) {
	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h == nil {
		slog.Warn(fmt.Sprintf("%s - no handler installed, dropping %s", logPrefix, env))
		return
	}
	h(env)
}

// Send delivers env by unicast. The destination is the envelope's
// destination node when set. Otherwise a request goes to the best live peer
// advertising the route's capability reference (the target environment when
// the route names none), and an event goes to every live peer.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if !t.connected.Load() {
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

	targets, err := t.targets(out)
	if err != nil {
		return err
	}
	if len(targets) == 1 && targets[0].NodeID == t.cfg.NodeID {
		t.dispatch(out)
		return nil
	}

	data, err := encodePacket(packet{Type: packetEnvelope, Envelope: out})
	if err != nil {
		return transport.Failure(t.Name(), err)
	}
	if len(data) > t.cfg.datagramLimit() {
		return envelope.Errorf(envelope.CodePayloadTooLarge, "envelope is %d bytes, limit %d", len(data), t.cfg.datagramLimit())
	}

	var errs []error
	for _, p := range targets {
		if err := t.link.Unicast(p.UnicastAddress, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) && len(errs) > 0 {
		return transport.Failure(t.Name(), errors.Join(errs...))
	}
	return nil
}

func (t *Transport) targets(env *envelope.Envelope) ([]NodeDescriptor, error) {
	if dst := env.DestinationNode(); dst != "" {
		if dst == t.cfg.NodeID {
			return []NodeDescriptor{{NodeID: dst}}, nil
		}
		p, ok := t.peers.Lookup(dst)
		if !ok {
			return nil, envelope.Errorf(envelope.CodePeerUnknown, "peer %s is not a live mesh member", dst)
		}
		return []NodeDescriptor{p}, nil
	}

	if envelope.IsEvent(env) {
		peers := t.peers.Snapshot()
		if len(peers) == 0 {
			return nil, envelope.Errorf(envelope.CodePeerUnknown, "no live peers for event %s", env.TargetPath)
		}
		return peers, nil
	}

	capability := env.Capability()
	if capability == "" {
		capability = envelope.EnvironmentOf(env.TargetPath)
	}
	matches := t.PeersWithCapability(capability)
	if len(matches) == 0 {
		return nil, envelope.Errorf(envelope.CodePeerUnknown, "no live peer advertises %q", capability)
	}
	env.WithDestination(matches[0].NodeID)
	return matches[:1], nil
}

// Disconnect announces departure, stops the loops and closes the link.
func (t *Transport) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		if t.started.Load() {
			if data, encErr := encodePacket(packet{Type: packetLeave, Leave: &Leave{NodeID: t.cfg.NodeID}}); encErr == nil {
				if sendErr := t.link.Multicast(data); sendErr != nil {
					slog.Debug(fmt.Sprintf("%s - leave announcement failed: %v", logPrefix, sendErr))
				}
			}
		}
		t.connected.Store(false)
		close(t.stop)
		err = t.link.Close()
		t.wg.Wait()
		slog.Info(fmt.Sprintf("%s - node %s stopped", logPrefix, t.cfg.NodeID))
	})
	return err
}

func resolvePeerAddr(a *Announcement, from string) string {
	host, port, err := net.SplitHostPort(a.UnicastAddress)
	if err != nil {
		host, port = "", ""
	}
	if port == "" || port == "0" {
		port = strconv.Itoa(a.NodePort)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if fromHost, _, splitErr := net.SplitHostPort(from); splitErr == nil {
			host = fromHost
		}
	}
	return net.JoinHostPort(host, port)
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
