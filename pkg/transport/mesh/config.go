// Package mesh implements a decentralized transport: nodes find each other by
// UDP multicast announcements, keep each other alive with unicast heartbeats,
// and deliver envelopes by single-hop unicast to currently known peers.
package mesh

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/contextbus/pkg/semver"
)

const configLogPrefix = "mesh:config"

const (
	DefaultMulticastAddress = "239.255.42.99"
	DefaultMulticastPort    = 54545
	DefaultProtocolVersion  = "1.0.0"
	DefaultAcceptProtocol   = "^1"

	// minTimeoutFactor is the minimum ratio of node timeout to heartbeat interval.
	minTimeoutFactor = 3

	maxDatagramSize = 65000
)

// Config holds mesh tunables. Intervals are independent of each other except
// for the timeout margin checked by Validate.
type Config struct {
	NodeID          string
	Capabilities    []string
	ProtocolVersion string
	// AcceptProtocol is a SemVer range peers' ProtocolVersion must satisfy.
	AcceptProtocol string

	MulticastAddress string
	MulticastPort    int
	UnicastPort      int
	// Interface names the NIC used for multicast; empty lets the OS choose.
	Interface string
	TTL       int

	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration

	MaxDatagramSize int
}

// DefaultConfig returns the default mesh configuration with a random node id.
func DefaultConfig() Config {
	return Config{
		NodeID:            uuid.NewString(),
		ProtocolVersion:   DefaultProtocolVersion,
		AcceptProtocol:    DefaultAcceptProtocol,
		MulticastAddress:  DefaultMulticastAddress,
		MulticastPort:     DefaultMulticastPort,
		TTL:               1,
		DiscoveryInterval: 2 * time.Second,
		HeartbeatInterval: time.Second,
		NodeTimeout:       5 * time.Second,
		MaxDatagramSize:   maxDatagramSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%s - nodeId is required", configLogPrefix)
	}
	if c.DiscoveryInterval <= 0 || c.HeartbeatInterval <= 0 || c.NodeTimeout <= 0 {
		return fmt.Errorf("%s - discovery, heartbeat and node timeout intervals must be positive", configLogPrefix)
	}
	if c.HeartbeatInterval >= c.DiscoveryInterval {
		return fmt.Errorf("%s - heartbeat interval %v must be shorter than discovery interval %v", configLogPrefix, c.HeartbeatInterval, c.DiscoveryInterval)
	}
	if c.NodeTimeout < minTimeoutFactor*c.HeartbeatInterval {
		return fmt.Errorf("%s - node timeout %v must be at least %dx heartbeat interval %v", configLogPrefix, c.NodeTimeout, minTimeoutFactor, c.HeartbeatInterval)
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("%s - ttl %d out of range 0-255", configLogPrefix, c.TTL)
	}
	if c.MulticastAddress != "" {
		ip := net.ParseIP(c.MulticastAddress)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("%s - %q is not a multicast address", configLogPrefix, c.MulticastAddress)
		}
	}
	if c.MulticastPort < 0 || c.MulticastPort > 65535 || c.UnicastPort < 0 || c.UnicastPort > 65535 {
		return fmt.Errorf("%s - ports must be within 0-65535", configLogPrefix)
	}
	if c.ProtocolVersion != "" && !semver.IsExactVersion(c.ProtocolVersion) {
		return fmt.Errorf("%s - protocol version %q is not a SemVer version", configLogPrefix, c.ProtocolVersion)
	}
	if !semver.ValidConstraint(c.AcceptProtocol) {
		return fmt.Errorf("%s - accept protocol %q is not a valid range", configLogPrefix, c.AcceptProtocol)
	}
	for _, label := range c.Capabilities {
		if _, err := semver.ParseCapability(label); err != nil {
			return fmt.Errorf("%s - invalid capability: %w", configLogPrefix, err)
		}
	}
	return nil
}

func (c Config) datagramLimit() int {
	if c.MaxDatagramSize <= 0 || c.MaxDatagramSize > maxDatagramSize {
		return maxDatagramSize
	}
	return c.MaxDatagramSize
}
