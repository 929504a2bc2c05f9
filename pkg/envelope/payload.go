package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Built-in payload kinds. Application kinds are free-form strings.
const (
	PayloadEmpty  = "empty"
	PayloadError  = "bus.error"
	PayloadPong   = "bus.pong"
	PayloadStatus = "bus.status"
	PayloadPeers  = "bus.peers"

	PayloadPeersQuery = "bus.peers.query"
)

// Payload is a tagged union: Kind names the schema, Data holds JSON for typed
// payloads and Bytes holds opaque application bytes. The router never looks
// inside either.
type Payload struct {
	Kind  string          `json:"kind"`
	Data  json.RawMessage `json:"data,omitempty"`
	Bytes []byte          `json:"bytes,omitempty"`
}

// NewPayload encodes v as JSON under the given kind.
func NewPayload(kind string, v interface{}) (Payload, error) {
	if v == nil {
		return Payload{Kind: kind}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("envelope:payload - failed to encode %s payload: %w", kind, err)
	}
	return Payload{Kind: kind, Data: data}, nil
}

// MustPayload is NewPayload for values known to encode.
func MustPayload(kind string, v interface{}) Payload {
	p, err := NewPayload(kind, v)
	if err != nil {
		panic(err)
	}
	return p
}

// OpaquePayload wraps application bytes under a declared kind.
func OpaquePayload(kind string, b []byte) Payload {
	return Payload{Kind: kind, Bytes: b}
}

// Empty returns the empty payload.
func Empty() Payload {
	return Payload{Kind: PayloadEmpty}
}

// ErrorPayload wraps an error detail.
func ErrorPayload(detail *Error) Payload {
	return MustPayload(PayloadError, detail)
}

// IsZero reports whether p carries nothing at all.
func (p Payload) IsZero() bool {
	return p.Kind == "" && len(p.Data) == 0 && len(p.Bytes) == 0
}

// Decode unmarshals the JSON data into v.
func (p Payload) Decode(v interface{}) error {
	if len(p.Data) == 0 {
		return NewError(CodeInvalidArgument, fmt.Sprintf("payload %q has no data", p.Kind))
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("envelope:payload - failed to decode %s payload: %w", p.Kind, err)
	}
	return nil
}

// Hash is a stable digest over kind and content.
func (p Payload) Hash() string {
	h := sha256.New()
	h.Write([]byte(p.Kind))
	h.Write([]byte{0})
	h.Write(p.Data)
	h.Write([]byte{0})
	h.Write(p.Bytes)
	return hex.EncodeToString(h.Sum(nil))
}
