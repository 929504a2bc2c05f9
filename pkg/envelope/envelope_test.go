package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const envelopeTestPrefix = "envelope:envelope_test"

func TestNewRequest_GeneratesDistinctIDs(t *testing.T) {
	ctx := NewContext("browser")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		env := NewRequest(ctx, "browser/commands", "server/commands/screenshot", Empty())
		if seen[env.ID] || seen[env.CorrelationID] {
			t.Fatalf("%s - id collision after %d envelopes", envelopeTestPrefix, i)
		}
		seen[env.ID] = true
		seen[env.CorrelationID] = true
	}
}

func TestNewResponse_MirrorsRequest(t *testing.T) {
	client := NewContext("browser")
	server := NewContext("server")
	req := NewRequest(client, "browser/commands", "server/commands/screenshot", Empty())
	req.Route = &Route{SourceNode: "A"}

	resp := NewResponse(server, req, MustPayload("png", map[string]int{"w": 10}))

	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("%s - CorrelationID = %q, want %q", envelopeTestPrefix, resp.CorrelationID, req.CorrelationID)
	}
	if resp.ID == req.ID {
		t.Errorf("%s - response must have its own id", envelopeTestPrefix)
	}
	if !IsResponse(resp) || IsRequest(resp) || IsEvent(resp) {
		t.Errorf("%s - type guards wrong for kind %q", envelopeTestPrefix, resp.Kind)
	}
	if resp.TargetPath != req.SourcePath || resp.SourcePath != req.TargetPath {
		t.Errorf("%s - paths not swapped: %s -> %s", envelopeTestPrefix, resp.SourcePath, resp.TargetPath)
	}
	if resp.DestinationNode() != "A" {
		t.Errorf("%s - DestinationNode = %q, want A", envelopeTestPrefix, resp.DestinationNode())
	}
}

func TestNewErrorResponse_CarriesDetail(t *testing.T) {
	req := NewRequest(NewContext("browser"), "browser", "server/x", Empty())
	resp := NewErrorResponse(NewContext("server"), req, NewError(CodeNoHandler, "no such endpoint: x"))

	if resp.Error == nil || resp.Error.Code != CodeNoHandler {
		t.Fatalf("%s - expected NO_HANDLER error, got %+v", envelopeTestPrefix, resp.Error)
	}
	if resp.Payload.Kind != PayloadError {
		t.Errorf("%s - payload kind = %q, want %q", envelopeTestPrefix, resp.Payload.Kind, PayloadError)
	}
}

func TestMarshalUnmarshal_PreservesEnvelope(t *testing.T) {
	env := NewEvent(NewContext("server"), "server/rooms", "browser/rooms/updated", MustPayload("room", map[string]string{"id": "r1"}))
	env.Scope = &Scope{Type: "room", ID: "r1"}
	env.WithDestination("B").WithCapability("browser@^1")

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("%s - Marshal: %v", envelopeTestPrefix, err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("%s - Unmarshal: %v", envelopeTestPrefix, err)
	}
	if diff := cmp.Diff(env, got); diff != "" {
		t.Errorf("%s - envelope mismatch (-want +got):\n%s", envelopeTestPrefix, diff)
	}
}

func TestUnmarshal_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"missing id", `{"correlationId":"c","kind":"event","targetPath":"x"}`},
		{"unknown kind", `{"id":"i","correlationId":"c","kind":"gossip","targetPath":"x"}`},
		{"missing correlation", `{"id":"i","kind":"request","targetPath":"x"}`},
		{"missing target", `{"id":"i","correlationId":"c","kind":"request"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.raw)); err == nil {
				t.Errorf("%s - expected error for %s", envelopeTestPrefix, tt.name)
			}
		})
	}
}

func TestKindDiscriminator_RecoverableWithoutPayloadSchema(t *testing.T) {
	raw := `{"id":"1","correlationId":"2","kind":"request","targetPath":"server/x","payload":{"kind":"app.custom","bytes":"AQID"}}`
	var wire struct {
		Kind    Kind `json:"kind"`
		Payload struct {
			Kind string `json:"kind"`
		} `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("%s - wire decode: %v", envelopeTestPrefix, err)
	}
	if wire.Kind != KindRequest || wire.Payload.Kind != "app.custom" {
		t.Errorf("%s - wire = %+v", envelopeTestPrefix, wire)
	}
	env, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("%s - Unmarshal: %v", envelopeTestPrefix, err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, env.Payload.Bytes); diff != "" {
		t.Errorf("%s - opaque bytes mismatch:\n%s", envelopeTestPrefix, diff)
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	sentinel := NewError(CodePeerUnknown, "peer unknown")
	err := Errorf(CodePeerUnknown, "peer %s unknown", "B")
	wrapped := WrapError(CodeTransportFailure, "write failed", errors.New("broken pipe"))

	if !errors.Is(err, sentinel) {
		t.Errorf("%s - expected errors.Is by code", envelopeTestPrefix)
	}
	if errors.Is(wrapped, sentinel) {
		t.Errorf("%s - different codes must not match", envelopeTestPrefix)
	}
	if !err.Retryable {
		t.Errorf("%s - PEER_UNKNOWN should be retryable", envelopeTestPrefix)
	}
	if NewError(CodeNoHandler, "x").Retryable {
		t.Errorf("%s - NO_HANDLER should not be retryable", envelopeTestPrefix)
	}
	if got := AsError(errors.New("boom"), CodeHandlerError); got.Code != CodeHandlerError {
		t.Errorf("%s - AsError code = %q", envelopeTestPrefix, got.Code)
	}
	if !HasCode(wrapped, CodeTransportFailure) {
		t.Errorf("%s - HasCode failed", envelopeTestPrefix)
	}
}

func TestPayloadHash_StableAndDiscriminating(t *testing.T) {
	a := MustPayload("v", map[string]int{"v": 1})
	b := MustPayload("v", map[string]int{"v": 1})
	c := MustPayload("v", map[string]int{"v": 2})
	d := MustPayload("w", map[string]int{"v": 1})

	if a.Hash() != b.Hash() {
		t.Errorf("%s - equal payloads hash differently", envelopeTestPrefix)
	}
	if a.Hash() == c.Hash() || a.Hash() == d.Hash() {
		t.Errorf("%s - distinct payloads share a hash", envelopeTestPrefix)
	}
}
