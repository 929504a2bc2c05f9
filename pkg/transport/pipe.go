package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/morezero/contextbus/pkg/envelope"
)

const pipeLogPrefix = "transport:pipe"

// Pipe is one end of an in-process transport pair. Envelopes are encoded and
// decoded on the way through so both ends never share memory.
type Pipe struct {
	name string
	peer *Pipe

	mu      sync.RWMutex
	handler MessageHandler

	connected atomic.Bool
	dropping  atomic.Bool
	sent      atomic.Int64
}

// NewPipe returns two connected ends.
func NewPipe(nameA, nameB string) (*Pipe, *Pipe) {
	a := &Pipe{name: nameA}
	b := &Pipe{name: nameB}
	a.peer, b.peer = b, a
	a.connected.Store(true)
	b.connected.Store(true)
	return a, b
}

func (p *Pipe) Name() string { return p.name }

// SetDropping makes Send accept envelopes and silently discard them.
func (p *Pipe) SetDropping(drop bool) {
	p.dropping.Store(drop)
}

// Sent returns how many envelopes Send accepted.
func (p *Pipe) Sent() int64 {
	return p.sent.Load()
}

func (p *Pipe) SetMessageHandler(h MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Pipe) IsConnected() bool {
	return p.connected.Load() && p.peer.connected.Load()
}

// Send delivers env to the peer's handler.
func (p *Pipe) Send(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsConnected() {
		return envelope.Errorf(envelope.CodeNotConnected, "%s not connected", p.name)
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	p.sent.Add(1)
	if p.dropping.Load() {
		slog.Debug(fmt.Sprintf("%s - %s dropping %s", pipeLogPrefix, p.name, env))
		return nil
	}
	copied, err := envelope.Unmarshal(data)
	if err != nil {
		return Failure(p.name, err)
	}
	p.peer.mu.RLock()
	h := p.peer.handler
	p.peer.mu.RUnlock()
	if h == nil {
		return envelope.Errorf(envelope.CodeNotConnected, "%s has no receiver", p.peer.name)
	}
	h(copied)
	return nil
}

// Disconnect closes both ends.
func (p *Pipe) Disconnect() error {
	p.connected.Store(false)
	p.peer.connected.Store(false)
	return nil
}
