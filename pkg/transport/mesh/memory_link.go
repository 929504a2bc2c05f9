package mesh

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// MemoryNetwork is an in-process stand-in for a LAN segment. Links created
// from it see each other's multicasts and can unicast by address. Delivery is
// lossy in the same way UDP is: a full receive queue drops the datagram.
type MemoryNetwork struct {
	mu       sync.RWMutex
	links    map[string]*MemoryLink
	isolated map[string]bool
	nextPort int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		links:    make(map[string]*MemoryLink),
		isolated: make(map[string]bool),
		nextPort: 40000,
	}
}

// NewLink attaches a new link with a unique address.
func (n *MemoryNetwork) NewLink() *MemoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextPort++
	l := &MemoryLink{
		net:  n,
		addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(n.nextPort)),
		in:   make(chan Datagram, receiveQueue),
	}
	n.links[l.addr] = l
	return l
}

// Isolate cuts addr off: nothing it sends or is sent reaches anyone.
func (n *MemoryNetwork) Isolate(addr string, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[addr] = isolated
}

func (n *MemoryNetwork) deliver(from, to string, data []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] {
		return
	}
	if l, ok := n.links[to]; ok {
		l.push(Datagram{Data: append([]byte(nil), data...), From: from})
	}
}

func (n *MemoryNetwork) broadcast(from string, data []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] {
		return
	}
	for addr, l := range n.links {
		if n.isolated[addr] {
			continue
		}
		l.push(Datagram{Data: append([]byte(nil), data...), From: from})
	}
}

func (n *MemoryNetwork) detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.links, addr)
}

// MemoryLink is a Link attached to a MemoryNetwork.
type MemoryLink struct {
	net  *MemoryNetwork
	addr string

	mu     sync.Mutex
	in     chan Datagram
	closed bool
}

func (l *MemoryLink) push(d Datagram) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.in <- d:
	default:
	}
}

func (l *MemoryLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Multicast delivers data to every link on the network, including this one.
func (l *MemoryLink) Multicast(data []byte) error {
	if l.isClosed() {
		return fmt.Errorf("mesh:memory_link - link %s closed", l.addr)
	}
	l.net.broadcast(l.addr, data)
	return nil
}

// Unicast delivers data to addr if it is attached.
func (l *MemoryLink) Unicast(addr string, data []byte) error {
	if l.isClosed() {
		return fmt.Errorf("mesh:memory_link - link %s closed", l.addr)
	}
	l.net.deliver(l.addr, addr, data)
	return nil
}

// Receive returns the inbound channel.
func (l *MemoryLink) Receive() <-chan Datagram { return l.in }

// LocalAddr returns the link's address.
func (l *MemoryLink) LocalAddr() string { return l.addr }

// Close detaches the link and closes Receive.
func (l *MemoryLink) Close() error {
	l.net.detach(l.addr)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.in)
	}
	return nil
}
