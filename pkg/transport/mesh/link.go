package mesh

// Datagram is one inbound packet and the address it came from.
type Datagram struct {
	Data []byte
	From string
}

// Link is the datagram layer under the mesh: one multicast group for
// announcements and a unicast socket for everything else. Both kinds of
// inbound traffic arrive on Receive, which is closed by Close.
type Link interface {
	Multicast(data []byte) error
	Unicast(addr string, data []byte) error
	Receive() <-chan Datagram
	// LocalAddr is the host:port peers should unicast to. The host may be
	// empty when the link cannot tell which interface peers will reach.
	LocalAddr() string
	Close() error
}
