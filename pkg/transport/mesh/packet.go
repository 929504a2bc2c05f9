package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/contextbus/pkg/envelope"
)

type packetType string

const (
	packetDiscover  packetType = "discover"
	packetHeartbeat packetType = "heartbeat"
	packetLeave     packetType = "leave"
	packetEnvelope  packetType = "envelope"
)

// Announcement is the multicast discovery packet.
type Announcement struct {
	NodeID          string   `json:"nodeId"`
	Capabilities    []string `json:"capabilities"`
	UnicastAddress  string   `json:"unicastAddress"`
	NodePort        int      `json:"nodePort"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
}

// Heartbeat is the unicast liveness packet.
type Heartbeat struct {
	NodeID      string `json:"nodeId"`
	TimestampMs int64  `json:"timestampMs"`
}

// Leave announces a graceful departure.
type Leave struct {
	NodeID string `json:"nodeId"`
}

type packet struct {
	Type         packetType         `json:"type"`
	Announcement *Announcement      `json:"announce,omitempty"`
	Heartbeat    *Heartbeat         `json:"heartbeat,omitempty"`
	Leave        *Leave             `json:"leave,omitempty"`
	Envelope     *envelope.Envelope `json:"envelope,omitempty"`
}

func encodePacket(p packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("mesh:packet - failed to encode %s packet: %w", p.Type, err)
	}
	return data, nil
}

func decodePacket(data []byte) (packet, error) {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		return packet{}, fmt.Errorf("mesh:packet - failed to decode packet: %w", err)
	}
	switch p.Type {
	case packetDiscover:
		if p.Announcement == nil || p.Announcement.NodeID == "" {
			return packet{}, fmt.Errorf("mesh:packet - discover packet missing nodeId")
		}
	case packetHeartbeat:
		if p.Heartbeat == nil || p.Heartbeat.NodeID == "" {
			return packet{}, fmt.Errorf("mesh:packet - heartbeat packet missing nodeId")
		}
	case packetLeave:
		if p.Leave == nil || p.Leave.NodeID == "" {
			return packet{}, fmt.Errorf("mesh:packet - leave packet missing nodeId")
		}
	case packetEnvelope:
		if err := p.Envelope.Validate(); err != nil {
			return packet{}, fmt.Errorf("mesh:packet - invalid envelope: %w", err)
		}
	default:
		return packet{}, fmt.Errorf("mesh:packet - unknown packet type %q", p.Type)
	}
	return p, nil
}
