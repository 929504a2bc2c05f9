// Package correlator matches asynchronous Responses to the Requests that are
// waiting for them.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/contextbus/pkg/envelope"
)

const logPrefix = "correlator:correlator"

const (
	defaultRequestTimeout = 30 * time.Second
	defaultSweepInterval  = 250 * time.Millisecond
)

// Config holds correlator tunables.
type Config struct {
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: defaultRequestTimeout,
		SweepInterval:  defaultSweepInterval,
	}
}

// Result is the settled outcome of a call.
type Result struct {
	Payload envelope.Payload
	Err     error
}

type pendingCall struct {
	correlationID string
	timeout       time.Duration
	deadline      time.Time
	result        chan Result
}

// Correlator owns the PendingCall table. Every method is safe for concurrent use.
type Correlator struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCorrelator creates a Correlator. Call Start to run the timeout sweep.
func NewCorrelator(cfg Config) *Correlator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Correlator{
		cfg:     cfg,
		now:     time.Now,
		pending: make(map[string]*pendingCall),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (c *Correlator) Config() Config {
	return c.cfg
}

// Start runs the sweep loop until ctx ends or Close is called.
func (c *Correlator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.sweepLoop(ctx)
}

func (c *Correlator) sweepLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug(fmt.Sprintf("%s - swept %d timed out calls", logPrefix, n))
			}
		}
	}
}

// Register creates a PendingCall for correlationID. A zero timeout uses the
// configured default. Registering an id that is still pending fails.
func (c *Correlator) Register(correlationID string, timeout time.Duration) (*Future, error) {
	if correlationID == "" {
		return nil, envelope.NewError(envelope.CodeInvalidArgument, "empty correlationId")
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, envelope.NewError(envelope.CodeClosed, "correlator closed")
	}
	if _, exists := c.pending[correlationID]; exists {
		return nil, envelope.Errorf(envelope.CodeDuplicateCorrelation, "correlationId %s already pending", correlationID)
	}
	call := &pendingCall{
		correlationID: correlationID,
		timeout:       timeout,
		deadline:      c.now().Add(timeout),
		result:        make(chan Result, 1),
	}
	c.pending[correlationID] = call
	return &Future{correlationID: correlationID, result: call.result, owner: c}, nil
}

// Resolve fulfils a pending call. Unknown or already settled ids are a no-op;
// the return value reports whether a call was settled.
func (c *Correlator) Resolve(correlationID string, payload envelope.Payload) bool {
	if c.settle(correlationID, Result{Payload: payload}) {
		return true
	}
	slog.Debug(fmt.Sprintf("%s - ignoring late or duplicate response corr=%s", logPrefix, correlationID))
	return false
}

// Reject fails a pending call with err. Same idempotency as Resolve.
func (c *Correlator) Reject(correlationID string, err error) bool {
	if err == nil {
		err = envelope.NewError(envelope.CodeTransportFailure, "rejected without cause")
	}
	if c.settle(correlationID, Result{Err: err}) {
		return true
	}
	slog.Debug(fmt.Sprintf("%s - ignoring reject for settled call corr=%s: %v", logPrefix, correlationID, err))
	return false
}

// Cancel rejects a pending call with a cancellation error and frees its slot.
// The remote side may already have run the handler.
func (c *Correlator) Cancel(correlationID string) bool {
	return c.settle(correlationID, Result{Err: envelope.Errorf(envelope.CodeCancelled, "request %s cancelled", correlationID)})
}

func (c *Correlator) settle(correlationID string, r Result) bool {
	c.mu.Lock()
	call, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.result <- r
	return true
}

// Sweep rejects every call whose deadline has passed and returns how many
// were rejected.
func (c *Correlator) Sweep() int {
	now := c.now()
	var expired []*pendingCall
	c.mu.Lock()
	for id, call := range c.pending {
		if !now.Before(call.deadline) {
			expired = append(expired, call)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, call := range expired {
		call.result <- Result{Err: envelope.Errorf(envelope.CodeTimeout, "Request timeout after %dms", call.timeout.Milliseconds())}
	}
	return len(expired)
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether correlationID is outstanding.
func (c *Correlator) IsPending(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[correlationID]
	return ok
}

// Close stops the sweep and rejects every outstanding call.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	remaining := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range remaining {
		call.result <- Result{Err: envelope.NewError(envelope.CodeClosed, "correlator closed")}
	}

	c.stopOnce.Do(func() { close(c.stop) })
}

// Wait blocks until the sweep goroutine started by Start has exited.
func (c *Correlator) Wait() {
	if !c.started.Load() {
		return
	}
	<-c.done
}
