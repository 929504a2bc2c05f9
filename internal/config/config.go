// Package config provides node configuration: Go defaults, an optional
// TOML, YAML or JSON file named by BUS_CONFIG_FILE, then BUS_* environment
// variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/morezero/contextbus/pkg/correlator"
	"github.com/morezero/contextbus/pkg/events"
	"github.com/morezero/contextbus/pkg/transport/mesh"
	"github.com/morezero/contextbus/pkg/transport/socket"
)

const logPrefix = "config:LoadConfig"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BUS"

// FileEnvVar names the environment variable holding the config file path.
const FileEnvVar = "BUS_CONFIG_FILE"

// Transport modes.
const (
	TransportMesh         = "mesh"
	TransportSocketServer = "socket-server"
	TransportSocketClient = "socket-client"
	TransportComms        = "comms"
)

// Config holds busnode configuration. Env overrides carry no defaults so an
// unset variable keeps the file or Go default.
type Config struct {
	Environment string `toml:"environment" yaml:"environment" json:"environment" envconfig:"ENVIRONMENT"`
	NodeID      string `toml:"nodeId" yaml:"nodeId" json:"nodeId" envconfig:"NODE_ID"`
	Transport   string `toml:"transport" yaml:"transport" json:"transport" envconfig:"TRANSPORT"`

	// Mesh
	MulticastAddress    string   `toml:"multicastAddress" yaml:"multicastAddress" json:"multicastAddress" envconfig:"MULTICAST_ADDRESS"`
	MulticastPort       int      `toml:"multicastPort" yaml:"multicastPort" json:"multicastPort" envconfig:"MULTICAST_PORT"`
	UnicastPort         int      `toml:"unicastPort" yaml:"unicastPort" json:"unicastPort" envconfig:"UNICAST_PORT"`
	Interface           string   `toml:"interface" yaml:"interface" json:"interface" envconfig:"INTERFACE"`
	TTL                 int      `toml:"ttl" yaml:"ttl" json:"ttl" envconfig:"TTL"`
	DiscoveryIntervalMs int      `toml:"discoveryIntervalMs" yaml:"discoveryIntervalMs" json:"discoveryIntervalMs" envconfig:"DISCOVERY_INTERVAL_MS"`
	HeartbeatIntervalMs int      `toml:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs" json:"heartbeatIntervalMs" envconfig:"HEARTBEAT_INTERVAL_MS"`
	NodeTimeoutMs       int      `toml:"nodeTimeoutMs" yaml:"nodeTimeoutMs" json:"nodeTimeoutMs" envconfig:"NODE_TIMEOUT_MS"`
	Capabilities        []string `toml:"capabilities" yaml:"capabilities" json:"capabilities" envconfig:"CAPABILITIES"`
	ProtocolVersion     string   `toml:"protocolVersion" yaml:"protocolVersion" json:"protocolVersion" envconfig:"PROTOCOL_VERSION"`
	AcceptProtocol      string   `toml:"acceptProtocol" yaml:"acceptProtocol" json:"acceptProtocol" envconfig:"ACCEPT_PROTOCOL"`

	// Correlator and event bridge
	RequestTimeoutMs   int `toml:"requestTimeoutMs" yaml:"requestTimeoutMs" json:"requestTimeoutMs" envconfig:"REQUEST_TIMEOUT_MS"`
	SweepIntervalMs    int `toml:"sweepIntervalMs" yaml:"sweepIntervalMs" json:"sweepIntervalMs" envconfig:"SWEEP_INTERVAL_MS"`
	EventDedupWindowMs int `toml:"eventDedupWindowMs" yaml:"eventDedupWindowMs" json:"eventDedupWindowMs" envconfig:"EVENT_DEDUP_WINDOW_MS"`

	// Socket
	SocketURL          string `toml:"socketUrl" yaml:"socketUrl" json:"socketUrl" envconfig:"SOCKET_URL"`
	SocketPath         string `toml:"socketPath" yaml:"socketPath" json:"socketPath" envconfig:"SOCKET_PATH"`
	OutboundQueueDepth int    `toml:"outboundQueueDepth" yaml:"outboundQueueDepth" json:"outboundQueueDepth" envconfig:"OUTBOUND_QUEUE_DEPTH"`
	DropPolicy         string `toml:"dropPolicy" yaml:"dropPolicy" json:"dropPolicy" envconfig:"DROP_POLICY"`

	// COMMS: NATS broker transport and event tap.
	CommsURL        string `toml:"commsUrl" yaml:"commsUrl" json:"commsUrl" envconfig:"COMMS_URL"`
	CommsName       string `toml:"commsName" yaml:"commsName" json:"commsName" envconfig:"COMMS_NAME"`
	SubjectPrefix   string `toml:"subjectPrefix" yaml:"subjectPrefix" json:"subjectPrefix" envconfig:"SUBJECT_PREFIX"`
	EventTapSubject string `toml:"eventTapSubject" yaml:"eventTapSubject" json:"eventTapSubject" envconfig:"EVENT_TAP_SUBJECT"`

	// HTTP health/status endpoint
	HTTPPort int `toml:"httpPort" yaml:"httpPort" json:"httpPort" envconfig:"HTTP_PORT"`

	// Logging
	LogLevel string `toml:"logLevel" yaml:"logLevel" json:"logLevel" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment:         "server",
		NodeID:              uuid.NewString(),
		Transport:           TransportMesh,
		MulticastAddress:    mesh.DefaultMulticastAddress,
		MulticastPort:       mesh.DefaultMulticastPort,
		TTL:                 1,
		DiscoveryIntervalMs: 2000,
		HeartbeatIntervalMs: 1000,
		NodeTimeoutMs:       5000,
		ProtocolVersion:     mesh.DefaultProtocolVersion,
		AcceptProtocol:      mesh.DefaultAcceptProtocol,
		RequestTimeoutMs:    30000,
		SweepIntervalMs:     250,
		EventDedupWindowMs:  5000,
		SocketPath:          "/ws",
		DropPolicy:          string(socket.DropReject),
		CommsURL:            "nats://127.0.0.1:4222",
		CommsName:           "busnode",
		HTTPPort:            8080,
		LogLevel:            "info",
	}
}

// LoadConfig applies the config file named by BUS_CONFIG_FILE, if any, and
// then the BUS_* environment variables over the defaults.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(FileEnvVar))
}

// Load is LoadConfig with an explicit file path. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("%s - failed to read environment: %w", logPrefix, err)
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s - failed to read config file %s: %w", logPrefix, path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("%s - unsupported config file extension %q (want .toml, .yaml, .yml or .json)", logPrefix, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("%s - failed to parse config file %s: %w", logPrefix, path, err)
	}
	return nil
}

// Validate checks the configuration for serving.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Environment) == "" {
		return fmt.Errorf("%s - BUS_ENVIRONMENT is required", logPrefix)
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("%s - BUS_NODE_ID must not be empty", logPrefix)
	}
	switch c.Transport {
	case TransportMesh, TransportSocketServer, TransportComms:
	case TransportSocketClient:
		if c.SocketURL == "" {
			return fmt.Errorf("%s - socketUrl is required for transport %s", logPrefix, c.Transport)
		}
	default:
		return fmt.Errorf("%s - unknown transport %q", logPrefix, c.Transport)
	}
	if c.RequestTimeoutMs <= 0 || c.SweepIntervalMs <= 0 {
		return fmt.Errorf("%s - requestTimeoutMs and sweepIntervalMs must be positive", logPrefix)
	}
	if c.EventDedupWindowMs < 0 {
		return fmt.Errorf("%s - eventDedupWindowMs must not be negative", logPrefix)
	}
	if c.OutboundQueueDepth < 0 {
		return fmt.Errorf("%s - outboundQueueDepth must not be negative", logPrefix)
	}
	if !socket.DropPolicy(c.DropPolicy).Valid() {
		return fmt.Errorf("%s - unknown dropPolicy %q", logPrefix, c.DropPolicy)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%s - httpPort %d out of range", logPrefix, c.HTTPPort)
	}
	if c.Transport == TransportMesh {
		if err := c.MeshConfig().Validate(); err != nil {
			return fmt.Errorf("%s - invalid mesh settings: %w", logPrefix, err)
		}
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// MeshConfig converts to the mesh transport configuration.
func (c *Config) MeshConfig() mesh.Config {
	mc := mesh.DefaultConfig()
	mc.NodeID = c.NodeID
	mc.Capabilities = c.capabilities()
	mc.ProtocolVersion = c.ProtocolVersion
	mc.AcceptProtocol = c.AcceptProtocol
	mc.MulticastAddress = c.MulticastAddress
	mc.MulticastPort = c.MulticastPort
	mc.UnicastPort = c.UnicastPort
	mc.Interface = c.Interface
	mc.TTL = c.TTL
	mc.DiscoveryInterval = ms(c.DiscoveryIntervalMs)
	mc.HeartbeatInterval = ms(c.HeartbeatIntervalMs)
	mc.NodeTimeout = ms(c.NodeTimeoutMs)
	return mc
}

// capabilities always advertises the node's own environment so requests
// addressed to it can be routed by capability.
func (c *Config) capabilities() []string {
	out := []string{c.Environment}
	for _, label := range c.Capabilities {
		label = strings.TrimSpace(label)
		if label != "" && label != c.Environment {
			out = append(out, label)
		}
	}
	return out
}

// SocketConfig converts to the socket transport configuration.
func (c *Config) SocketConfig() socket.Config {
	sc := socket.DefaultConfig()
	sc.URL = c.SocketURL
	sc.QueueDepth = c.OutboundQueueDepth
	sc.DropPolicy = socket.DropPolicy(c.DropPolicy)
	return sc
}

// CorrelatorConfig converts to the correlator configuration.
func (c *Config) CorrelatorConfig() correlator.Config {
	return correlator.Config{
		RequestTimeout: ms(c.RequestTimeoutMs),
		SweepInterval:  ms(c.SweepIntervalMs),
	}
}

// BridgeConfig converts to the event bridge configuration.
func (c *Config) BridgeConfig() events.Config {
	return events.Config{DedupWindow: ms(c.EventDedupWindowMs)}
}

// HTTPAddr is the listen address of the HTTP surface.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
