// Package socket implements the point-to-point transport over a websocket:
// one JSON envelope per text message in both directions.
package socket

import (
	"fmt"
	"net/http"
	"time"
)

const configLogPrefix = "socket:config"

// DropPolicy decides what happens when the outbound queue is full.
type DropPolicy string

const (
	// DropReject fails the Send with QUEUE_FULL.
	DropReject DropPolicy = "reject"
	// DropOldest discards the oldest queued envelope to make room.
	DropOldest DropPolicy = "drop-oldest"
	// DropNewest discards the envelope being sent.
	DropNewest DropPolicy = "drop-newest"
)

// Valid reports whether p is a known policy.
func (p DropPolicy) Valid() bool {
	switch p {
	case DropReject, DropOldest, DropNewest:
		return true
	}
	return false
}

// Config holds socket transport configuration.
type Config struct {
	// URL is the ws:// or wss:// endpoint a client dials. Unused server side.
	URL    string
	Header http.Header

	// QueueDepth bounds envelopes held while disconnected. Zero means Send
	// fails fast with NOT_CONNECTED.
	QueueDepth int
	DropPolicy DropPolicy

	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64

	// Reconnect makes a dialled transport redial after the connection drops.
	Reconnect bool
	Backoff   BackoffConfig
}

// DefaultConfig returns the default socket configuration.
func DefaultConfig() Config {
	return Config{
		DropPolicy:       DropReject,
		PingInterval:     15 * time.Second,
		PongWait:         45 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageBytes:  1 << 20,
		Reconnect:        true,
		Backoff:          DefaultBackoffConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QueueDepth < 0 {
		return fmt.Errorf("%s - queue depth must not be negative", configLogPrefix)
	}
	if !c.DropPolicy.Valid() {
		return fmt.Errorf("%s - unknown drop policy %q", configLogPrefix, c.DropPolicy)
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("%s - pong wait %v must exceed ping interval %v", configLogPrefix, c.PongWait, c.PingInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s - write timeout must be positive", configLogPrefix)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s - max message bytes must be positive", configLogPrefix)
	}
	return nil
}
