// Package envelope defines the wire data model exchanged between bus contexts.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const logPrefix = "envelope:envelope"

// Kind discriminates the three envelope shapes.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindEvent:
		return true
	}
	return false
}

// Context identifies a logical endpoint. It is created once per process or
// session and never mutated afterwards.
type Context struct {
	UUID        string `json:"uuid"`
	Environment string `json:"environment"`
}

// NewContext creates a Context with a fresh UUIDv4.
func NewContext(environment string) Context {
	return Context{UUID: uuid.NewString(), Environment: environment}
}

// Route carries node-level routing metadata used by transports that address
// individual peers (mesh, broker).
type Route struct {
	SourceNode      string `json:"sourceNode,omitempty"`
	DestinationNode string `json:"destinationNode,omitempty"`

	// Capability is a capability reference (name or name@range) a request
	// needs from its receiver. Empty means the target environment.
	Capability string `json:"capability,omitempty"`
}

// Scope lets event subscribers filter without the bridge understanding the domain.
type Scope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Envelope is one routable message unit.
type Envelope struct {
	ID            string  `json:"id"`
	CorrelationID string  `json:"correlationId"`
	Kind          Kind    `json:"kind"`
	SourcePath    string  `json:"sourcePath"`
	TargetPath    string  `json:"targetPath"`
	Payload       Payload `json:"payload"`
	SenderContext Context `json:"senderContext"`
	TimestampMs   int64   `json:"timestampMs"`

	Route *Route `json:"route,omitempty"`
	Scope *Scope `json:"scope,omitempty"`

	// Error is set on responses whose request failed remotely.
	Error *Error `json:"error,omitempty"`

	// NoReply marks a fire-and-forget request: no PendingCall, no response.
	NoReply bool `json:"noReply,omitempty"`
	// NoDedup exempts an event from the bridge's dedup window.
	NoDedup bool `json:"noDedup,omitempty"`
	// TimeoutMs overrides the correlator default for this request.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// NewID returns a UUIDv4 string used for envelope and correlation ids.
func NewID() string {
	return uuid.NewString()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// NewRequest builds a Request with fresh id and correlation id.
func NewRequest(sender Context, sourcePath, targetPath string, payload Payload) *Envelope {
	return &Envelope{
		ID:            NewID(),
		CorrelationID: NewID(),
		Kind:          KindRequest,
		SourcePath:    sourcePath,
		TargetPath:    targetPath,
		Payload:       payload,
		SenderContext: sender,
		TimestampMs:   nowMs(),
	}
}

// NewEvent builds an Event. Events carry their own correlation id so that
// transport redeliveries of the same envelope share a fingerprint.
func NewEvent(sender Context, sourcePath, targetPath string, payload Payload) *Envelope {
	env := NewRequest(sender, sourcePath, targetPath, payload)
	env.Kind = KindEvent
	return env
}

// NewResponse builds the Response for req. The response travels back to the
// request's source path and, for node-addressed transports, its source node.
func NewResponse(sender Context, req *Envelope, payload Payload) *Envelope {
	resp := &Envelope{
		ID:            NewID(),
		CorrelationID: req.CorrelationID,
		Kind:          KindResponse,
		SourcePath:    req.TargetPath,
		TargetPath:    req.SourcePath,
		Payload:       payload,
		SenderContext: sender,
		TimestampMs:   nowMs(),
	}
	if req.Route != nil && req.Route.SourceNode != "" {
		resp.Route = &Route{DestinationNode: req.Route.SourceNode}
	}
	return resp
}

// NewErrorResponse builds a failed Response for req.
func NewErrorResponse(sender Context, req *Envelope, detail *Error) *Envelope {
	resp := NewResponse(sender, req, ErrorPayload(detail))
	resp.Error = detail
	return resp
}

// IsRequest reports whether env is a Request.
func IsRequest(env *Envelope) bool { return env != nil && env.Kind == KindRequest }

// IsResponse reports whether env is a Response.
func IsResponse(env *Envelope) bool { return env != nil && env.Kind == KindResponse }

// IsEvent reports whether env is an Event.
func IsEvent(env *Envelope) bool { return env != nil && env.Kind == KindEvent }

// DestinationNode returns the routed destination node, if any.
func (e *Envelope) DestinationNode() string {
	if e.Route == nil {
		return ""
	}
	return e.Route.DestinationNode
}

// WithDestination sets the destination node and returns e.
func (e *Envelope) WithDestination(nodeID string) *Envelope {
	if e.Route == nil {
		e.Route = &Route{}
	}
	e.Route.DestinationNode = nodeID
	return e
}

// Capability returns the capability reference the route asks for, or "".
func (e *Envelope) Capability() string {
	if e.Route == nil {
		return ""
	}
	return e.Route.Capability
}

// WithCapability sets the capability reference and returns e.
func (e *Envelope) WithCapability(ref string) *Envelope {
	if e.Route == nil {
		e.Route = &Route{}
	}
	e.Route.Capability = ref
	return e
}

// Clone returns a shallow copy with its own Route and Scope.
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.Route != nil {
		r := *e.Route
		out.Route = &r
	}
	if e.Scope != nil {
		s := *e.Scope
		out.Scope = &s
	}
	return &out
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e == nil {
		return NewError(CodeInvalidArgument, "nil envelope")
	}
	if strings.TrimSpace(e.ID) == "" {
		return NewError(CodeInvalidArgument, "envelope missing id")
	}
	if !e.Kind.Valid() {
		return NewError(CodeInvalidArgument, fmt.Sprintf("envelope has unknown kind %q", e.Kind))
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return NewError(CodeInvalidArgument, "envelope missing correlationId")
	}
	if strings.TrimSpace(e.TargetPath) == "" {
		return NewError(CodeInvalidArgument, "envelope missing targetPath")
	}
	return nil
}

// String is used in log lines.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s id=%s corr=%s %s->%s", e.Kind, e.ID, e.CorrelationID, e.SourcePath, e.TargetPath)
}

// Marshal encodes env as one JSON document.
func Marshal(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode envelope: %w", logPrefix, err)
	}
	return data, nil
}

// Unmarshal decodes and validates one JSON envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s - failed to decode envelope: %w", logPrefix, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
