package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/morezero/contextbus/pkg/envelope"
)

func TestPipe_DeliversCopy(t *testing.T) {
	a, b := NewPipe("a", "b")
	got := make(chan *envelope.Envelope, 1)
	b.SetMessageHandler(func(env *envelope.Envelope) { got <- env })

	env := envelope.NewEvent(envelope.NewContext("a"), "a", "b/x", envelope.MustPayload("v", 1))
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatalf("transport:pipe_test - Send: %v", err)
	}
	recv := <-got
	if recv == env {
		t.Errorf("transport:pipe_test - receiver must get its own copy")
	}
	if recv.ID != env.ID || recv.Payload.Hash() != env.Payload.Hash() {
		t.Errorf("transport:pipe_test - received %+v", recv)
	}
}

func TestPipe_DisconnectFailsFast(t *testing.T) {
	a, b := NewPipe("a", "b")
	b.SetMessageHandler(func(*envelope.Envelope) {})
	_ = b.Disconnect()

	if a.IsConnected() {
		t.Errorf("transport:pipe_test - a should observe the disconnect")
	}
	err := a.Send(context.Background(), envelope.NewEvent(envelope.NewContext("a"), "a", "b/x", envelope.Empty()))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("transport:pipe_test - err = %v, want NOT_CONNECTED", err)
	}
}

func TestPipe_DroppingAcceptsSilently(t *testing.T) {
	a, b := NewPipe("a", "b")
	called := false
	b.SetMessageHandler(func(*envelope.Envelope) { called = true })
	a.SetDropping(true)

	if err := a.Send(context.Background(), envelope.NewEvent(envelope.NewContext("a"), "a", "b/x", envelope.Empty())); err != nil {
		t.Fatalf("transport:pipe_test - Send: %v", err)
	}
	if called || a.Sent() != 1 {
		t.Errorf("transport:pipe_test - called=%v sent=%d", called, a.Sent())
	}
}
