package router

import (
	"context"
	"time"

	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/transport/mesh"
)

// Built-in endpoint paths, relative to the node's environment.
const (
	PathPing   = "bus/ping"
	PathStatus = "bus/status"
	PathPeers  = "bus/peers"
)

// Pong is the bus/ping reply.
type Pong struct {
	Environment string `json:"environment"`
	NodeID      string `json:"nodeId,omitempty"`
	ContextUUID string `json:"contextUuid"`
	TimestampMs int64  `json:"timestampMs"`
}

// PeersQuery narrows a bus/peers call to peers offering a capability.
type PeersQuery struct {
	Capability string `json:"capability"`
}

// PeerLister is implemented by transports that keep a peer table.
type PeerLister interface {
	Peers() []mesh.NodeDescriptor
	PeersWithCapability(ref string) []mesh.NodeDescriptor
}

// RegisterBuiltins installs bus/ping, bus/status and bus/peers.
func (r *Router) RegisterBuiltins() {
	r.RegisterSubscriber(PathPing, func(context.Context, *envelope.Envelope) (envelope.Payload, error) {
		return envelope.NewPayload(envelope.PayloadPong, Pong{
			Environment: r.self.Environment,
			NodeID:      r.nodeID,
			ContextUUID: r.self.UUID,
			TimestampMs: time.Now().UnixMilli(),
		})
	})
	r.RegisterSubscriber(PathStatus, func(context.Context, *envelope.Envelope) (envelope.Payload, error) {
		return envelope.NewPayload(envelope.PayloadStatus, r.Status())
	})
	r.RegisterSubscriber(PathPeers, func(_ context.Context, req *envelope.Envelope) (envelope.Payload, error) {
		if req.Payload.Kind != envelope.PayloadPeersQuery {
			return envelope.NewPayload(envelope.PayloadPeers, r.Peers())
		}
		var q PeersQuery
		if err := req.Payload.Decode(&q); err != nil {
			return envelope.Payload{}, envelope.WrapError(envelope.CodeInvalidArgument, "bad peers query", err)
		}
		return envelope.NewPayload(envelope.PayloadPeers, r.PeersWithCapability(q.Capability))
	})
}

// Peers returns the peers known to every attached transport that tracks them.
func (r *Router) Peers() []mesh.NodeDescriptor {
	r.mu.RLock()
	atts := append([]*attachment(nil), r.attachments...)
	r.mu.RUnlock()

	out := []mesh.NodeDescriptor{}
	for _, a := range atts {
		if pl, ok := a.t.(PeerLister); ok {
			out = append(out, pl.Peers()...)
		}
	}
	return out
}

// PeersWithCapability returns the peers offering a capability that satisfies
// ref, best match first within each transport. An empty ref lists every peer.
func (r *Router) PeersWithCapability(ref string) []mesh.NodeDescriptor {
	if ref == "" {
		return r.Peers()
	}
	r.mu.RLock()
	atts := append([]*attachment(nil), r.attachments...)
	r.mu.RUnlock()

	out := []mesh.NodeDescriptor{}
	for _, a := range atts {
		if pl, ok := a.t.(PeerLister); ok {
			out = append(out, pl.PeersWithCapability(ref)...)
		}
	}
	return out
}
