package mesh

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/morezero/contextbus/pkg/envelope"
)

const meshTestPrefix = "mesh:mesh_test"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(id string, caps ...string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.Capabilities = caps
	cfg.DiscoveryInterval = 100 * time.Millisecond
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.NodeTimeout = 150 * time.Millisecond
	return cfg
}

type inbox struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (i *inbox) handle(env *envelope.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.envs = append(i.envs, env)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.envs)
}

func (i *inbox) get(n int) *envelope.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.envs[n]
}

func startNode(t *testing.T, network *MemoryNetwork, cfg Config) (*Transport, *MemoryLink, *inbox) {
	t.Helper()
	link := network.NewLink()
	node, err := New(cfg, link)
	if err != nil {
		t.Fatalf("%s - New(%s): %v", meshTestPrefix, cfg.NodeID, err)
	}
	box := &inbox{}
	node.SetMessageHandler(box.handle)
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start(%s): %v", meshTestPrefix, cfg.NodeID, err)
	}
	t.Cleanup(func() { node.Disconnect() })
	return node, link, box
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func knows(node *Transport, id string) bool {
	_, ok := node.peers.Lookup(id)
	return ok
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no node id", mutate: func(c *Config) { c.NodeID = "" }, wantErr: "nodeId"},
		{name: "heartbeat not shorter than discovery", mutate: func(c *Config) { c.HeartbeatInterval = c.DiscoveryInterval }, wantErr: "shorter"},
		{name: "timeout under 3x heartbeat", mutate: func(c *Config) { c.NodeTimeout = 2 * c.HeartbeatInterval }, wantErr: "3x"},
		{name: "unicast group", mutate: func(c *Config) { c.MulticastAddress = "10.0.0.1" }, wantErr: "multicast"},
		{name: "bad ttl", mutate: func(c *Config) { c.TTL = 300 }, wantErr: "ttl"},
		{name: "bad accept range", mutate: func(c *Config) { c.AcceptProtocol = ">>1" }, wantErr: "accept"},
		{name: "bad capability", mutate: func(c *Config) { c.Capabilities = []string{"1bad"} }, wantErr: "capability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("%s - unexpected error: %v", meshTestPrefix, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("%s - error = %v, want containing %q", meshTestPrefix, err, tt.wantErr)
			}
		})
	}
}

func TestPeerTable_EvictsOnlyPastTimeout(t *testing.T) {
	table := NewPeerTable()
	table.Upsert(NodeDescriptor{NodeID: "a", LastSeenAtMs: 1000})
	table.Upsert(NodeDescriptor{NodeID: "b", LastSeenAtMs: 1000})
	table.Touch("b", 1100)

	if got := table.Evict(1150, 150); len(got) != 0 {
		t.Fatalf("%s - evicted at exactly the timeout: %+v", meshTestPrefix, got)
	}
	got := table.Evict(1151, 150)
	if len(got) != 1 || got[0].NodeID != "a" {
		t.Fatalf("%s - evicted %+v, want only a", meshTestPrefix, got)
	}
	if table.Len() != 1 {
		t.Errorf("%s - Len = %d, want 1", meshTestPrefix, table.Len())
	}
	if table.Touch("a", 2000) {
		t.Errorf("%s - Touch on an evicted peer must be ignored", meshTestPrefix)
	}
}

func TestPeerTable_WithCapability(t *testing.T) {
	table := NewPeerTable()
	table.Upsert(NodeDescriptor{NodeID: "z", Capabilities: []string{"browser@1.4.0"}})
	table.Upsert(NodeDescriptor{NodeID: "m", Capabilities: []string{"browser@2.0.0", "screenshot"}})
	table.Upsert(NodeDescriptor{NodeID: "a", Capabilities: []string{"browser@1.0.0"}})

	ids := func(ds []NodeDescriptor) string {
		var out []string
		for _, d := range ds {
			out = append(out, d.NodeID)
		}
		return strings.Join(out, ",")
	}
	if got := ids(table.WithCapability("browser")); got != "m,z,a" {
		t.Errorf("%s - browser = %s", meshTestPrefix, got)
	}
	if got := ids(table.WithCapability("browser@^1")); got != "z,a" {
		t.Errorf("%s - browser@^1 = %s", meshTestPrefix, got)
	}
	if got := ids(table.WithCapability("screenshot")); got != "m" {
		t.Errorf("%s - screenshot = %s", meshTestPrefix, got)
	}

	// Unversioned labels rank after versioned ones and keep node id order.
	table.Upsert(NodeDescriptor{NodeID: "b", Capabilities: []string{"browser"}})
	table.Upsert(NodeDescriptor{NodeID: "c", Capabilities: []string{"browser"}})
	if got := ids(table.WithCapability("browser")); got != "m,z,a,b,c" {
		t.Errorf("%s - mixed browser = %s", meshTestPrefix, got)
	}
}

func TestMesh_DiscoveryWithinTwoIntervals(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, _ := startNode(t, network, testConfig("node-a", "browser@1.0.0"))
	b, _, _ := startNode(t, network, testConfig("node-b", "server@1.0.0"))

	within := 2 * a.cfg.DiscoveryInterval
	if !waitFor(t, within, func() bool { return knows(a, "node-b") && knows(b, "node-a") }) {
		t.Fatalf("%s - peers not discovered within %v: a=%+v b=%+v", meshTestPrefix, within, a.Peers(), b.Peers())
	}
	peers := a.Peers()
	if len(peers) != 1 || peers[0].Capabilities[0] != "server@1.0.0" {
		t.Errorf("%s - a.Peers() = %+v", meshTestPrefix, peers)
	}
	if knows(a, "node-a") {
		t.Errorf("%s - node must not list itself as a peer", meshTestPrefix)
	}
}

func TestMesh_EventDeliveredExactlyOnce(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, _ := startNode(t, network, testConfig("node-a"))
	b, _, boxB := startNode(t, network, testConfig("node-b"))
	if !waitFor(t, time.Second, func() bool { return knows(a, "node-b") && knows(b, "node-a") }) {
		t.Fatalf("%s - discovery failed", meshTestPrefix)
	}

	ev := envelope.NewEvent(envelope.NewContext("server"), "server", "x", envelope.MustPayload("v", 1)).WithDestination("node-b")
	if err := a.Send(context.Background(), ev); err != nil {
		t.Fatalf("%s - Send: %v", meshTestPrefix, err)
	}
	if !waitFor(t, time.Second, func() bool { return boxB.len() >= 1 }) {
		t.Fatalf("%s - event not delivered", meshTestPrefix)
	}
	time.Sleep(50 * time.Millisecond)
	if boxB.len() != 1 {
		t.Fatalf("%s - delivered %d times, want 1", meshTestPrefix, boxB.len())
	}
	got := boxB.get(0)
	if got.Route == nil || got.Route.SourceNode != "node-a" {
		t.Errorf("%s - source node not stamped: %+v", meshTestPrefix, got.Route)
	}
	if ev.Route.SourceNode != "" {
		t.Errorf("%s - Send mutated the caller's envelope", meshTestPrefix)
	}
}

func TestMesh_EventWithoutDestinationReachesAllPeers(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, _ := startNode(t, network, testConfig("node-a"))
	_, _, boxB := startNode(t, network, testConfig("node-b"))
	_, _, boxC := startNode(t, network, testConfig("node-c"))
	if !waitFor(t, time.Second, func() bool { return a.peers.Len() == 2 }) {
		t.Fatalf("%s - discovery failed: %+v", meshTestPrefix, a.Peers())
	}

	ev := envelope.NewEvent(envelope.NewContext("server"), "server", "rooms/updated", envelope.Empty())
	if err := a.Send(context.Background(), ev); err != nil {
		t.Fatalf("%s - Send: %v", meshTestPrefix, err)
	}
	if !waitFor(t, time.Second, func() bool { return boxB.len() == 1 && boxC.len() == 1 }) {
		t.Fatalf("%s - b=%d c=%d, want 1 each", meshTestPrefix, boxB.len(), boxC.len())
	}
}

func TestMesh_RequestRoutesByCapability(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, boxA := startNode(t, network, testConfig("node-a"))
	_, _, boxB := startNode(t, network, testConfig("node-b", "browser@1.2.0"))
	_, _, boxC := startNode(t, network, testConfig("node-c", "worker@1.0.0"))
	if !waitFor(t, time.Second, func() bool { return a.peers.Len() == 2 }) {
		t.Fatalf("%s - discovery failed", meshTestPrefix)
	}

	req := envelope.NewRequest(envelope.NewContext("server"), "server", "browser/tabs/list", envelope.Empty())
	if err := a.Send(context.Background(), req); err != nil {
		t.Fatalf("%s - Send: %v", meshTestPrefix, err)
	}
	if !waitFor(t, time.Second, func() bool { return boxB.len() == 1 }) {
		t.Fatalf("%s - request not routed to the browser node", meshTestPrefix)
	}
	if boxC.len() != 0 || boxA.len() != 0 {
		t.Errorf("%s - request leaked to other nodes", meshTestPrefix)
	}

	none := envelope.NewRequest(envelope.NewContext("server"), "server", "gpu/render", envelope.Empty())
	if err := a.Send(context.Background(), none); !envelope.HasCode(err, envelope.CodePeerUnknown) {
		t.Errorf("%s - err = %v, want PEER_UNKNOWN", meshTestPrefix, err)
	}
}

func TestMesh_EvictionThenPeerUnknown(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, _ := startNode(t, network, testConfig("node-a"))
	_, linkB, _ := startNode(t, network, testConfig("node-b"))
	if !waitFor(t, time.Second, func() bool { return knows(a, "node-b") }) {
		t.Fatalf("%s - discovery failed", meshTestPrefix)
	}

	isolatedAt := time.Now()
	network.Isolate(linkB.LocalAddr(), true)
	if !waitFor(t, time.Second, func() bool { return !knows(a, "node-b") }) {
		t.Fatalf("%s - silent peer never evicted", meshTestPrefix)
	}
	// The last heartbeat arrived at most one interval before isolation.
	if elapsed := time.Since(isolatedAt); elapsed < a.cfg.NodeTimeout-a.cfg.HeartbeatInterval {
		t.Errorf("%s - evicted after %v, before the node timeout", meshTestPrefix, elapsed)
	}

	req := envelope.NewRequest(envelope.NewContext("server"), "server", "x", envelope.Empty()).WithDestination("node-b")
	if err := a.Send(context.Background(), req); !envelope.HasCode(err, envelope.CodePeerUnknown) {
		t.Errorf("%s - err = %v, want PEER_UNKNOWN", meshTestPrefix, err)
	}
}

func TestMesh_LeaveRemovesPeerImmediately(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, _ := startNode(t, network, testConfig("node-a"))
	b, _, _ := startNode(t, network, testConfig("node-b"))
	if !waitFor(t, time.Second, func() bool { return knows(a, "node-b") }) {
		t.Fatalf("%s - discovery failed", meshTestPrefix)
	}

	b.Disconnect()
	if !waitFor(t, a.cfg.NodeTimeout/2, func() bool { return !knows(a, "node-b") }) {
		t.Errorf("%s - leave not honoured before the node timeout", meshTestPrefix)
	}
	if b.IsConnected() {
		t.Errorf("%s - disconnected node reports connected", meshTestPrefix)
	}
	ev := envelope.NewEvent(envelope.NewContext("server"), "server", "x", envelope.Empty())
	if err := b.Send(context.Background(), ev); !envelope.HasCode(err, envelope.CodeNotConnected) {
		t.Errorf("%s - err = %v, want NOT_CONNECTED", meshTestPrefix, err)
	}
}

func TestMesh_ProtocolGate(t *testing.T) {
	network := NewMemoryNetwork()
	a, _, _ := startNode(t, network, testConfig("node-a"))
	newer := testConfig("node-v2")
	newer.ProtocolVersion = "2.0.0"
	newer.AcceptProtocol = "^2"
	_, _, _ = startNode(t, network, newer)
	_, _, _ = startNode(t, network, testConfig("node-b"))

	if !waitFor(t, time.Second, func() bool { return knows(a, "node-b") }) {
		t.Fatalf("%s - compatible peer not discovered", meshTestPrefix)
	}
	time.Sleep(2 * a.cfg.DiscoveryInterval)
	if knows(a, "node-v2") {
		t.Errorf("%s - incompatible protocol peer admitted", meshTestPrefix)
	}
}

func TestMesh_PayloadTooLarge(t *testing.T) {
	network := NewMemoryNetwork()
	cfg := testConfig("node-a")
	cfg.MaxDatagramSize = 512
	a, _, _ := startNode(t, network, cfg)
	b, _, _ := startNode(t, network, testConfig("node-b"))
	if !waitFor(t, time.Second, func() bool { return knows(a, "node-b") && knows(b, "node-a") }) {
		t.Fatalf("%s - discovery failed", meshTestPrefix)
	}

	big := envelope.NewEvent(envelope.NewContext("server"), "server", "x", envelope.OpaquePayload("blob", make([]byte, 2048))).WithDestination("node-b")
	if err := a.Send(context.Background(), big); !envelope.HasCode(err, envelope.CodePayloadTooLarge) {
		t.Errorf("%s - err = %v, want PAYLOAD_TOO_LARGE", meshTestPrefix, err)
	}
}

func TestResolvePeerAddr(t *testing.T) {
	tests := []struct {
		name string
		ann  Announcement
		from string
		want string
	}{
		{name: "explicit", ann: Announcement{UnicastAddress: "10.0.0.5:7000"}, from: "10.0.0.9:1", want: "10.0.0.5:7000"},
		{name: "empty host", ann: Announcement{UnicastAddress: ":7000"}, from: "10.0.0.9:1", want: "10.0.0.9:7000"},
		{name: "unspecified host", ann: Announcement{UnicastAddress: "0.0.0.0:7000"}, from: "10.0.0.9:1", want: "10.0.0.9:7000"},
		{name: "port only", ann: Announcement{NodePort: 7001}, from: "10.0.0.9:1", want: "10.0.0.9:7001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolvePeerAddr(&tt.ann, tt.from); got != tt.want {
				t.Errorf("%s - got %s, want %s", meshTestPrefix, got, tt.want)
			}
		})
	}
}
