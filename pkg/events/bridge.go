package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/contextbus/pkg/envelope"
)

const logPrefix = "events:bridge"

const defaultDedupWindow = 5 * time.Second

// Config holds bridge configuration.
type Config struct {
	DedupWindow time.Duration
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{DedupWindow: defaultDedupWindow}
}

type subscription struct {
	id       int
	path     string
	scope    *envelope.Scope
	listener Listener
}

func (s *subscription) matches(path string, env *envelope.Envelope) bool {
	if s.path != "" && !envelope.HasPathPrefix(path, s.path) {
		return false
	}
	if s.scope == nil {
		return true
	}
	if env.Scope == nil || env.Scope.Type != s.scope.Type {
		return false
	}
	return s.scope.ID == "" || s.scope.ID == env.Scope.ID
}

// Bridge gives events at-most-once local processing and fans them out to
// listeners. It knows nothing about what scopes mean.
type Bridge struct {
	dedup     *Deduper
	publisher EventPublisher

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool

	wg sync.WaitGroup
}

// NewBridgeParams holds parameters for NewBridge.
type NewBridgeParams struct {
	Config    Config
	Publisher EventPublisher
}

// NewBridge creates a Bridge.
func NewBridge(params NewBridgeParams) *Bridge {
	pub := params.Publisher
	if pub == nil {
		pub = &NoOpPublisher{}
	}
	return &Bridge{
		dedup:     NewDeduper(params.Config.DedupWindow),
		publisher: pub,
		subs:      make(map[int]*subscription),
	}
}

// Subscribe registers a listener for events whose local path is path or lies
// under it. An empty path matches every event. A non-nil scope restricts
// delivery to events with the same scope type and, if set, id.
func (b *Bridge) Subscribe(path string, scope *envelope.Scope, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{id: id, path: envelope.NormalizePath(path), scope: scope, listener: fn}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Listeners returns the number of registered listeners.
func (b *Bridge) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Admit runs the dedup check alone and reports whether env is new.
func (b *Bridge) Admit(env *envelope.Envelope) bool {
	if env.NoDedup {
		return true
	}
	return !b.dedup.Observe(Fingerprint(env))
}

// Forget releases env's fingerprint, for an event that was admitted but
// never left this node.
func (b *Bridge) Forget(env *envelope.Envelope) {
	if env.NoDedup {
		return
	}
	b.dedup.Forget(Fingerprint(env))
}

// Publish dedups env and, when it is new, hands it to every matching
// listener on its own goroutine. Publish never waits for listeners.
func (b *Bridge) Publish(ctx context.Context, path string, env *envelope.Envelope) Outcome {
	if !b.Admit(env) {
		slog.Debug(fmt.Sprintf("%s - deduplicated %s", logPrefix, env))
		return Outcome{Deduplicated: true}
	}
	return b.deliver(ctx, path, env)
}

// deliver fans env out without consulting the dedup window.
func (b *Bridge) deliver(ctx context.Context, path string, env *envelope.Envelope) Outcome {
	path = envelope.NormalizePath(path)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Outcome{}
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(path, env) {
			matched = append(matched, s)
		}
	}
	b.wg.Add(len(matched))
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, s := range matched {
		go b.invoke(ctx, s, path, env)
	}

	if err := b.publisher.PublishEvent(ctx, env); err != nil {
		slog.Warn(fmt.Sprintf("%s - event tap publish failed for %s: %v", logPrefix, env, err))
	}
	return Outcome{Delivered: len(matched)}
}

func (b *Bridge) invoke(ctx context.Context, s *subscription, path string, env *envelope.Envelope) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - listener %d panicked on %s: %v", logPrefix, s.id, env, r))
		}
	}()
	s.listener(ctx, path, env)
}

// Close stops delivery and waits for in-flight listeners.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()
	b.wg.Wait()
}
