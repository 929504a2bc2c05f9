package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/contextbus/internal/config"
	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/router"
	"github.com/morezero/contextbus/pkg/transport"
	"github.com/morezero/contextbus/pkg/transport/socket"
)

const serverTestPrefix = "server:server_test"

func socketServerConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport = config.TransportSocketServer
	cfg.NodeID = "server-node"
	return cfg
}

func testServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("%s - parseLevel(%q) = %v, want %v", serverTestPrefix, tt.in, got, tt.want)
		}
	}
}

func TestHealthAndReady_FollowRouterLifecycle(t *testing.T) {
	s := testServer(t, socketServerConfig())
	h := s.Handler()

	if rec := get(t, h, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - /health before start = %d, want 503", serverTestPrefix, rec.Code)
	}
	if rec := get(t, h, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - /ready before start = %d, want 503", serverTestPrefix, rec.Code)
	}

	if err := s.Router().Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", serverTestPrefix, err)
	}
	defer s.Close()

	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - /health = %d, want 200", serverTestPrefix, rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != router.HealthHealthy {
		t.Errorf("%s - /health body = %v (%v)", serverTestPrefix, body, err)
	}
	if rec := get(t, h, "/ready"); rec.Code != http.StatusOK {
		t.Errorf("%s - /ready = %d, want 200", serverTestPrefix, rec.Code)
	}
}

func TestStatusAndHome(t *testing.T) {
	s := testServer(t, socketServerConfig())
	if err := s.Router().Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", serverTestPrefix, err)
	}
	defer s.Close()
	h := s.Handler()

	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - /status = %d", serverTestPrefix, rec.Code)
	}
	var st StatusOutput
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("%s - decode /status: %v", serverTestPrefix, err)
	}
	if st.Environment != "server" || st.NodeID != "server-node" || !st.Initialized {
		t.Errorf("%s - status = %+v", serverTestPrefix, st)
	}
	if len(st.SubscriberPaths) != 3 || st.SubscriberPaths[0] != router.PathPeers {
		t.Errorf("%s - subscriber paths = %v", serverTestPrefix, st.SubscriberPaths)
	}

	rec = get(t, h, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Bus node server") {
		t.Errorf("%s - home page = %d %q", serverTestPrefix, rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - unknown path = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestServe_SocketServerRoundTrip(t *testing.T) {
	s := testServer(t, socketServerConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("%s - listen: %v", serverTestPrefix, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	clientCfg := socket.DefaultConfig()
	clientCfg.URL = "ws://" + ln.Addr().String() + "/ws"
	clientCfg.Reconnect = false
	st, err := socket.Dial(context.Background(), clientCfg)
	if err != nil {
		cancel()
		t.Fatalf("%s - dial: %v", serverTestPrefix, err)
	}
	client := router.NewRouter(router.NewRouterParams{
		Context:    envelope.NewContext("browser"),
		Transports: []transport.Transport{st},
	})
	client.RegisterBuiltins()
	if err := client.Start(context.Background()); err != nil {
		cancel()
		t.Fatalf("%s - client start: %v", serverTestPrefix, err)
	}
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer callCancel()

	got, err := client.Request(callCtx, "server/bus/ping", envelope.Empty())
	if err != nil {
		t.Fatalf("%s - client ping: %v", serverTestPrefix, err)
	}
	var pong router.Pong
	if err := got.Decode(&pong); err != nil || pong.Environment != "server" || pong.NodeID != "server-node" {
		t.Errorf("%s - pong = %+v (%v)", serverTestPrefix, pong, err)
	}

	// The accepted connection is now attached, so the server can call back.
	got, err = s.Router().Request(callCtx, "browser/bus/ping", envelope.Empty())
	if err != nil {
		t.Fatalf("%s - server ping: %v", serverTestPrefix, err)
	}
	if err := got.Decode(&pong); err != nil || pong.Environment != "browser" {
		t.Errorf("%s - pong = %+v (%v)", serverTestPrefix, pong, err)
	}
	if conns := s.status().Connections; len(conns) != 1 {
		t.Errorf("%s - connections = %v, want 1", serverTestPrefix, conns)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("%s - Serve returned %v", serverTestPrefix, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - Serve did not return after cancel", serverTestPrefix)
	}
}

func startNATS(t *testing.T, port int) *commsserver.Server {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: port, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", serverTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", serverTestPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestNew_CommsTransportWithEventTap(t *testing.T) {
	ns := startNATS(t, 14240)

	cfg := config.Default()
	cfg.Transport = config.TransportComms
	cfg.CommsURL = ns.ClientURL()
	cfg.EventTapSubject = "tap"
	s := testServer(t, cfg)
	if err := s.Router().Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", serverTestPrefix, err)
	}
	defer s.Close()

	watcher, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - watcher connect: %v", serverTestPrefix, err)
	}
	defer watcher.Close()
	tapped := make(chan *comms.Msg, 1)
	if _, err := watcher.ChanSubscribe("tap.>", tapped); err != nil {
		t.Fatalf("%s - subscribe: %v", serverTestPrefix, err)
	}
	if err := watcher.Flush(); err != nil {
		t.Fatalf("%s - flush: %v", serverTestPrefix, err)
	}

	if _, err := s.Router().Emit(context.Background(), "server/rooms/updated", envelope.MustPayload("room", "r1")); err != nil {
		t.Fatalf("%s - Emit: %v", serverTestPrefix, err)
	}
	select {
	case msg := <-tapped:
		env, err := envelope.Unmarshal(msg.Data)
		if err != nil || env.TargetPath != "server/rooms/updated" {
			t.Errorf("%s - tapped %q (%v)", serverTestPrefix, msg.Subject, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("%s - event not mirrored to the tap", serverTestPrefix)
	}

	if st := s.Router().Status(); st.Transport != "comms" || !st.Connected {
		t.Errorf("%s - status = %+v", serverTestPrefix, st)
	}
}

func TestNew_CommsUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportComms
	cfg.CommsURL = "nats://127.0.0.1:14249"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("%s - expected error for unreachable COMMS", serverTestPrefix)
	}
}
