package mesh

import (
	"slices"
	"sort"
	"sync"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/contextbus/pkg/semver"
)

// NodeDescriptor is what a node knows about a peer.
type NodeDescriptor struct {
	NodeID          string   `json:"nodeId"`
	Capabilities    []string `json:"capabilities"`
	UnicastAddress  string   `json:"unicastAddress"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
	LastSeenAtMs    int64    `json:"lastSeenAtMs"`
}

func (d NodeDescriptor) clone() NodeDescriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	return d
}

// HasCapability reports whether any advertised capability satisfies ref
// ("name" or "name@range").
func (d NodeDescriptor) HasCapability(ref string) bool {
	for _, label := range d.Capabilities {
		if semver.MatchCapability(label, ref) {
			return true
		}
	}
	return false
}

// PeerTable is the set of live peers keyed by node id.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]NodeDescriptor
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]NodeDescriptor)}
}

// Upsert adds or refreshes d and reports whether the peer was new.
func (t *PeerTable) Upsert(d NodeDescriptor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.peers[d.NodeID]
	t.peers[d.NodeID] = d.clone()
	return !known
}

// Touch refreshes a known peer's lastSeen. Unknown peers are ignored.
func (t *PeerTable) Touch(nodeID string, atMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	if atMs > d.LastSeenAtMs {
		d.LastSeenAtMs = atMs
		t.peers[nodeID] = d
	}
	return true
}

// Remove drops a peer and reports whether it was present.
func (t *PeerTable) Remove(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[nodeID]
	delete(t.peers, nodeID)
	return ok
}

// Evict removes peers silent for longer than timeoutMs and returns them.
func (t *PeerTable) Evict(nowMs, timeoutMs int64) []NodeDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []NodeDescriptor
	for id, d := range t.peers {
		if nowMs-d.LastSeenAtMs > timeoutMs {
			evicted = append(evicted, d)
			delete(t.peers, id)
		}
	}
	sortByID(evicted)
	return evicted
}

// Lookup returns a copy of the descriptor for nodeID.
func (t *PeerTable) Lookup(nodeID string) (NodeDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.peers[nodeID]
	if !ok {
		return NodeDescriptor{}, false
	}
	return d.clone(), true
}

// Snapshot returns copies of all peers ordered by node id.
func (t *PeerTable) Snapshot() []NodeDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeDescriptor, 0, len(t.peers))
	for _, d := range t.peers {
		out = append(out, d.clone())
	}
	sortByID(out)
	return out
}

// WithCapability returns peers advertising a capability that satisfies ref.
// Peers offering a higher matching version come first; unversioned matches
// follow, and ties are ordered by node id.
func (t *PeerTable) WithCapability(ref string) []NodeDescriptor {
	t.mu.RLock()
	var out []NodeDescriptor
	for _, d := range t.peers {
		if d.HasCapability(ref) {
			out = append(out, d.clone())
		}
	}
	t.mu.RUnlock()

	sortByID(out)
	versions := make(map[string]*masterminds.Version, len(out))
	for _, d := range out {
		if v, ok := semver.HighestVersion(d.Capabilities, ref); ok && v != nil {
			versions[d.NodeID] = v
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := versions[out[i].NodeID], versions[out[j].NodeID]
		if vi == nil || vj == nil {
			return vi != nil && vj == nil
		}
		return vi.GreaterThan(vj)
	})
	return out
}

// Len returns the number of peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func sortByID(ds []NodeDescriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].NodeID < ds[j].NodeID })
}
