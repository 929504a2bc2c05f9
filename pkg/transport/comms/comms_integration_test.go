package comms

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/contextbus/pkg/commsutil"
	"github.com/morezero/contextbus/pkg/envelope"
)

const commsTestPrefix = "comms:comms_integration_test"

// startTestServer starts an in-process COMMS server and returns its URL.
func startTestServer(t *testing.T, port int) (string, func()) {
	t.Helper()
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", commsTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", commsTestPrefix)
	}
	return ns.ClientURL(), func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

func startNode(t *testing.T, url, environment, nodeID string) (*Transport, chan *envelope.Envelope) {
	t.Helper()
	tr, err := Dial(url, Config{Environment: environment, NodeID: nodeID})
	if err != nil {
		t.Fatalf("%s - Dial(%s): %v", commsTestPrefix, nodeID, err)
	}
	inbox := make(chan *envelope.Envelope, 16)
	tr.SetMessageHandler(func(env *envelope.Envelope) { inbox <- env })
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start(%s): %v", commsTestPrefix, nodeID, err)
	}
	t.Cleanup(func() { tr.Disconnect() })
	return tr, inbox
}

func receive(t *testing.T, inbox chan *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - timed out waiting for envelope", commsTestPrefix)
		return nil
	}
}

func TestComms_RequestResponseAcrossEnvironments(t *testing.T) {
	url, cleanup := startTestServer(t, 14232)
	defer cleanup()

	server, serverIn := startNode(t, url, "server", "node-s")
	browser, browserIn := startNode(t, url, "browser", "node-b")

	req := envelope.NewRequest(envelope.NewContext("server"), "server", "browser/tabs/list", envelope.MustPayload("q", "all"))
	if err := server.Send(context.Background(), req); err != nil {
		t.Fatalf("%s - Send request: %v", commsTestPrefix, err)
	}
	got := receive(t, browserIn)
	if got.ID != req.ID || got.Route == nil || got.Route.SourceNode != "node-s" {
		t.Fatalf("%s - browser got %s route=%+v", commsTestPrefix, got, got.Route)
	}

	resp := envelope.NewResponse(envelope.NewContext("browser"), got, envelope.MustPayload("tabs", []string{"t1"}))
	if err := browser.Send(context.Background(), resp); err != nil {
		t.Fatalf("%s - Send response: %v", commsTestPrefix, err)
	}
	back := receive(t, serverIn)
	if !envelope.IsResponse(back) || back.CorrelationID != req.CorrelationID {
		t.Errorf("%s - server got %s, want response to %s", commsTestPrefix, back, req.CorrelationID)
	}
}

func TestComms_RequestsGoToOneNodeOfAnEnvironment(t *testing.T) {
	url, cleanup := startTestServer(t, 14233)
	defer cleanup()

	server, _ := startNode(t, url, "server", "node-s")
	_, in1 := startNode(t, url, "worker", "node-w1")
	_, in2 := startNode(t, url, "worker", "node-w2")

	for i := 0; i < 4; i++ {
		req := envelope.NewRequest(envelope.NewContext("server"), "server", "worker/job", envelope.MustPayload("n", i))
		if err := server.Send(context.Background(), req); err != nil {
			t.Fatalf("%s - Send: %v", commsTestPrefix, err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	if total := len(in1) + len(in2); total != 4 {
		t.Errorf("%s - workers received %d requests, want 4 (one each)", commsTestPrefix, total)
	}
}

func TestComms_EventsReachEveryNodeOfAnEnvironment(t *testing.T) {
	url, cleanup := startTestServer(t, 14234)
	defer cleanup()

	server, serverIn := startNode(t, url, "server", "node-s")
	_, in1 := startNode(t, url, "browser", "node-b1")
	_, in2 := startNode(t, url, "browser", "node-b2")

	ev := envelope.NewEvent(envelope.NewContext("server"), "server", "browser/rooms/updated", envelope.Empty())
	if err := server.Send(context.Background(), ev); err != nil {
		t.Fatalf("%s - Send: %v", commsTestPrefix, err)
	}
	receive(t, in1)
	receive(t, in2)
	select {
	case env := <-serverIn:
		t.Errorf("%s - sender received its own event %s", commsTestPrefix, env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestComms_NotConnectedAfterDisconnect(t *testing.T) {
	url, cleanup := startTestServer(t, 14235)
	defer cleanup()

	nc, err := comms.Connect(url)
	if err != nil {
		t.Fatalf("%s - connect: %v", commsTestPrefix, err)
	}
	defer nc.Close()

	tr, err := New(nc, Config{Environment: "server", NodeID: "node-s"})
	if err != nil {
		t.Fatalf("%s - New: %v", commsTestPrefix, err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", commsTestPrefix, err)
	}
	tr.Disconnect()

	if tr.IsConnected() {
		t.Errorf("%s - IsConnected after Disconnect", commsTestPrefix)
	}
	if !nc.IsConnected() {
		t.Errorf("%s - Disconnect closed a borrowed connection", commsTestPrefix)
	}
	ev := envelope.NewEvent(envelope.NewContext("server"), "server", "x", envelope.Empty())
	if err := tr.Send(context.Background(), ev); !envelope.HasCode(err, envelope.CodeNotConnected) {
		t.Errorf("%s - err = %v, want NOT_CONNECTED", commsTestPrefix, err)
	}
}

func TestNew_RequiresIdentity(t *testing.T) {
	if _, err := New(nil, Config{Environment: "a", NodeID: "b"}); err == nil {
		t.Errorf("%s - nil connection accepted", commsTestPrefix)
	}
}

// warnRecorder keeps the messages of Warn and Error records.
type warnRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (w *warnRecorder) Enabled(_ context.Context, l slog.Level) bool { return l >= slog.LevelWarn }
func (w *warnRecorder) Handle(_ context.Context, r slog.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, r.Message)
	return nil
}
func (w *warnRecorder) WithAttrs([]slog.Attr) slog.Handler { return w }
func (w *warnRecorder) WithGroup(string) slog.Handler      { return w }

func TestComms_StartConfirmsSubscriptionsWithoutDeadline(t *testing.T) {
	url, cleanup := startTestServer(t, 14236)
	defer cleanup()

	rec := &warnRecorder{}
	prev := slog.Default()
	slog.SetDefault(slog.New(rec))
	defer slog.SetDefault(prev)

	// Start gets a context without a deadline, as server.Run passes it.
	_, inbox := startNode(t, url, "browser", "node-b")

	rec.mu.Lock()
	for _, msg := range rec.msgs {
		if strings.Contains(msg, "flush") {
			t.Errorf("%s - unexpected warning: %s", commsTestPrefix, msg)
		}
	}
	rec.mu.Unlock()

	// With the flush done, a publish right after Start is already routed.
	nc, err := comms.Connect(url)
	if err != nil {
		t.Fatalf("%s - connect: %v", commsTestPrefix, err)
	}
	defer nc.Close()
	ev := envelope.NewEvent(envelope.NewContext("server"), "server", "browser/x", envelope.Empty())
	data, err := envelope.Marshal(ev)
	if err != nil {
		t.Fatalf("%s - Marshal: %v", commsTestPrefix, err)
	}
	if err := nc.Publish(commsutil.BuildEnvironmentSubject("", "browser"), data); err != nil {
		t.Fatalf("%s - Publish: %v", commsTestPrefix, err)
	}
	nc.Flush()
	if got := receive(t, inbox); got.ID != ev.ID {
		t.Errorf("%s - got %s, want %s", commsTestPrefix, got.ID, ev.ID)
	}
}
