package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"
)

const udpLogPrefix = "mesh:udp_link"

const (
	receiveQueue  = 256
	socketBuffer  = 1 << 20
	readChunkSize = maxDatagramSize + 1024
)

// UDPLink is the production Link: a multicast listener joined to the
// discovery group plus a unicast socket used for sending and point-to-point
// traffic.
type UDPLink struct {
	group   *net.UDPAddr
	mcast   *net.UDPConn
	ucast   *net.UDPConn
	control *ipv4.PacketConn

	in        chan Datagram
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ListenUDP opens the multicast and unicast sockets described by cfg.
func ListenUDP(cfg Config) (*UDPLink, error) {
	group := &net.UDPAddr{IP: net.ParseIP(cfg.MulticastAddress), Port: cfg.MulticastPort}
	if group.IP == nil {
		return nil, fmt.Errorf("%s - invalid multicast address %q", udpLogPrefix, cfg.MulticastAddress)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("%s - interface %q: %w", udpLogPrefix, cfg.Interface, err)
		}
	}

	mcast, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to join %s: %w", udpLogPrefix, group, err)
	}
	_ = mcast.SetReadBuffer(socketBuffer)

	ucast, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.UnicastPort})
	if err != nil {
		mcast.Close()
		return nil, fmt.Errorf("%s - failed to bind unicast port %d: %w", udpLogPrefix, cfg.UnicastPort, err)
	}
	_ = ucast.SetReadBuffer(socketBuffer)

	control := ipv4.NewPacketConn(ucast)
	if err := control.SetMulticastTTL(cfg.TTL); err != nil {
		mcast.Close()
		ucast.Close()
		return nil, fmt.Errorf("%s - failed to set multicast ttl: %w", udpLogPrefix, err)
	}
	if err := control.SetMulticastLoopback(true); err != nil {
		slog.Warn(fmt.Sprintf("%s - multicast loopback unavailable: %v", udpLogPrefix, err))
	}
	if ifi != nil {
		if err := control.SetMulticastInterface(ifi); err != nil {
			mcast.Close()
			ucast.Close()
			return nil, fmt.Errorf("%s - failed to select interface %s: %w", udpLogPrefix, ifi.Name, err)
		}
	}

	l := &UDPLink{
		group:   group,
		mcast:   mcast,
		ucast:   ucast,
		control: control,
		in:      make(chan Datagram, receiveQueue),
	}
	l.wg.Add(2)
	go l.readLoop(mcast)
	go l.readLoop(ucast)
	go func() {
		l.wg.Wait()
		close(l.in)
	}()

	slog.Info(fmt.Sprintf("%s - joined %s, unicast on %s", udpLogPrefix, group, ucast.LocalAddr()))
	return l, nil
}

func (l *UDPLink) readLoop(conn *net.UDPConn) {
	defer l.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn(fmt.Sprintf("%s - read failed on %s: %v", udpLogPrefix, conn.LocalAddr(), err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case l.in <- Datagram{Data: data, From: from.String()}:
		default:
			slog.Warn(fmt.Sprintf("%s - receive queue full, dropping datagram from %s", udpLogPrefix, from))
		}
	}
}

// Multicast sends data to the discovery group.
func (l *UDPLink) Multicast(data []byte) error {
	if _, err := l.ucast.WriteToUDP(data, l.group); err != nil {
		return fmt.Errorf("%s - multicast send failed: %w", udpLogPrefix, err)
	}
	return nil
}

// Unicast sends data to addr (host:port).
func (l *UDPLink) Unicast(addr string, data []byte) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("%s - bad peer address %q: %w", udpLogPrefix, addr, err)
	}
	if _, err := l.ucast.WriteToUDP(data, dst); err != nil {
		return fmt.Errorf("%s - unicast send to %s failed: %w", udpLogPrefix, addr, err)
	}
	return nil
}

// Receive returns the inbound datagram channel.
func (l *UDPLink) Receive() <-chan Datagram { return l.in }

// LocalAddr returns ":port"; receivers fill in the host from the datagram source.
func (l *UDPLink) LocalAddr() string {
	port := l.ucast.LocalAddr().(*net.UDPAddr).Port
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Close closes both sockets. Receive is closed once the readers exit.
func (l *UDPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = errors.Join(l.mcast.Close(), l.ucast.Close())
	})
	return err
}
