package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/transport"
)

const logPrefix = "socket:socket"

// Transport is one websocket connection. A dialled Transport redials when
// the connection drops; an accepted one ends with its connection.
type Transport struct {
	name   string
	cfg    Config
	dialer *websocket.Dialer
	rng    *rand.Rand

	mu      sync.Mutex
	conn    *websocket.Conn
	queue   *outboundQueue
	closed  bool
	cancel  context.CancelFunc
	onDrop  transport.DropHandler
	onClose func(*Transport)

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   transport.MessageHandler

	started     atomic.Bool
	wg          sync.WaitGroup
	closeOnce   sync.Once
	releaseOnce sync.Once
}

func newTransport(name string, cfg Config) *Transport {
	return &Transport{
		name:  name,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		queue: newOutboundQueue(cfg.QueueDepth, cfg.DropPolicy),
	}
}

// Dial connects to cfg.URL. When the first attempt fails and Reconnect is
// set, the Transport is returned disconnected and Start keeps redialling.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s - url is required to dial", logPrefix)
	}
	t := newTransport("socket", cfg)
	t.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, err := t.dial(ctx)
	if err != nil {
		if !cfg.Reconnect {
			return nil, transport.Failure(t.name, err)
		}
		slog.Warn(fmt.Sprintf("%s - initial dial to %s failed, will retry: %v", logPrefix, cfg.URL, err))
		return t, nil
	}
	t.conn = conn
	return t, nil
}

func accepted(name string, conn *websocket.Conn, cfg Config) *Transport {
	t := newTransport(name, cfg)
	t.conn = conn
	return t
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%s - dial %s: %w", logPrefix, t.cfg.URL, err)
	}
	slog.Info(fmt.Sprintf("%s - connected to %s", logPrefix, t.cfg.URL))
	return conn, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return t.name }

// SetMessageHandler implements transport.Transport.
func (t *Transport) SetMessageHandler(h transport.MessageHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// SetDropHandler implements transport.DropNotifier.
func (t *Transport) SetDropHandler(h transport.DropHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDrop = h
}

// IsConnected reports whether a connection is currently up.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

// QueueDepth implements transport.QueueReporter.
func (t *Transport) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// Start runs the read loop, keepalive and, for dialled transports, redial.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrNotConnected
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.run(runCtx)
	return nil
}

func (t *Transport) run(ctx context.Context) {
	defer t.wg.Done()
	attempt := 0
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			if t.dialer == nil || !t.cfg.Reconnect {
				t.release(transport.ErrNotConnected)
				return
			}
			attempt++
			delay := NextBackoffDelay(t.cfg.Backoff, attempt, t.rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			c, err := t.dial(ctx)
			if err != nil {
				slog.Debug(fmt.Sprintf("%s - redial attempt %d failed: %v", logPrefix, attempt, err))
				continue
			}
			if !t.attach(c) {
				continue
			}
			attempt = 0
			conn = c
		}

		t.serve(ctx, conn)
		t.detach(conn)
		if ctx.Err() != nil {
			return
		}
		slog.Info(fmt.Sprintf("%s - %s connection lost", logPrefix, t.name))
	}
}

// attach installs a fresh connection and flushes the queue onto it in order.
func (t *Transport) attach(c *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return false
	}
	pending := t.queue.drain()
	for i, env := range pending {
		data, err := envelope.Marshal(env)
		if err == nil {
			err = t.writeData(c, data)
		}
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - flush interrupted after %d of %d: %v", logPrefix, i, len(pending), err))
			t.queue.pushFront(pending[i:])
			c.Close()
			return false
		}
	}
	t.conn = c
	if len(pending) > 0 {
		slog.Info(fmt.Sprintf("%s - flushed %d queued envelopes", logPrefix, len(pending)))
	}
	return true
}

func (t *Transport) detach(c *websocket.Conn) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
	c.Close()
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(t.cfg.MaxMessageBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	t.wg.Add(1)
	go t.keepalive(conn, pingDone)

	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn(fmt.Sprintf("%s - %s read failed: %v", logPrefix, t.name, err))
			}
			return
		}
		extend()
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		env, err := envelope.Unmarshal(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s dropping malformed message: %v", logPrefix, t.name, err))
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				slog.Debug(fmt.Sprintf("%s - %s ping failed: %v", logPrefix, t.name, err))
				return
			}
		case <-done:
			return
		}
	}
}

func (t *Transport) dispatch(env *envelope.Envelope) {
	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h == nil {
		slog.Warn(fmt.Sprintf("%s - no handler installed, dropping %s", logPrefix, env))
		return
	}
	h(env)
}

// Send writes env as one text message. While disconnected it queues env if
// a queue is configured, and otherwise fails with NOT_CONNECTED.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return envelope.WrapError(envelope.CodeCancelled, "send cancelled", err)
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return transport.Failure(t.name, err)
	}
	if int64(len(data)) > t.cfg.MaxMessageBytes {
		return envelope.Errorf(envelope.CodePayloadTooLarge, "envelope is %d bytes, limit %d", len(data), t.cfg.MaxMessageBytes)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	c := t.conn
	if c == nil {
		dropped, err := t.queue.push(env)
		onDrop := t.onDrop
		t.mu.Unlock()
		if err != nil {
			return err
		}
		if dropped != nil {
			slog.Warn(fmt.Sprintf("%s - queue full, %s dropped %s", logPrefix, t.cfg.DropPolicy, dropped))
			if onDrop != nil {
				onDrop(dropped, envelope.Errorf(envelope.CodeQueueFull, "dropped by %s policy", t.cfg.DropPolicy))
			}
		}
		return nil
	}
	t.mu.Unlock()

	if err := t.writeData(c, data); err != nil {
		t.detach(c)
		return transport.Failure(t.name, err)
	}
	return nil
}

func (t *Transport) writeData(c *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// release marks the transport finished, fails anything still queued and
// tells the owner. It runs at most once.
func (t *Transport) release(reason error) {
	t.releaseOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		pending := t.queue.drain()
		onDrop, onClose := t.onDrop, t.onClose
		t.mu.Unlock()

		for _, env := range pending {
			if onDrop != nil {
				onDrop(env, reason)
			}
		}
		if onClose != nil {
			onClose(t)
		}
	})
}

// Disconnect closes the connection, stops redialling and waits for the
// background loops. Queued envelopes are reported to the drop handler.
func (t *Transport) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		c := t.conn
		t.conn = nil
		cancel := t.cancel
		t.mu.Unlock()

		if c != nil {
			t.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if werr := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteTimeout)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
				slog.Debug(fmt.Sprintf("%s - close frame failed: %v", logPrefix, werr))
			}
			t.writeMu.Unlock()
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		if cancel != nil {
			cancel()
		}
		t.release(envelope.NewError(envelope.CodeClosed, "transport closed"))
		t.wg.Wait()
		slog.Info(fmt.Sprintf("%s - %s disconnected", logPrefix, t.name))
	})
	return err
}
