// Package server orchestrates a bus node: logging, transport selection,
// router, built-in endpoints and the HTTP health/status surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/contextbus/internal/config"
	"github.com/morezero/contextbus/pkg/commsutil"
	"github.com/morezero/contextbus/pkg/correlator"
	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/events"
	"github.com/morezero/contextbus/pkg/router"
	"github.com/morezero/contextbus/pkg/transport"
	commstransport "github.com/morezero/contextbus/pkg/transport/comms"
	"github.com/morezero/contextbus/pkg/transport/mesh"
	"github.com/morezero/contextbus/pkg/transport/socket"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Server is a running bus node.
type Server struct {
	cfg    *config.Config
	ctx    context.Context
	router *router.Router

	nc         *comms.Conn
	sockets    *socket.Server
	httpServer *http.Server
}

// Run loads configuration, starts the node, blocks until SIGINT or SIGTERM,
// then shuts down.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s - invalid config: %w", logPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	if path := os.Getenv(config.FileEnvVar); path != "" {
		go func() {
			err := config.Watch(ctx, path, config.DefaultWatchDebounce, func(next *config.Config) {
				SetLogLevel(next.LogLevel)
				slog.Info(fmt.Sprintf("%s - Log level set to %s; other changes apply on restart", logPrefix, next.LogLevel))
			})
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - config watch stopped: %v", logPrefix, err))
			}
		}()
	}
	return s.ListenAndServe(ctx)
}

var logLevel = new(slog.LevelVar)

// SetupLogging installs the default slog text handler at the given level.
func SetupLogging(level string) {
	logLevel.Set(parseLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// SetLogLevel changes the level of the handler installed by SetupLogging.
func SetLogLevel(level string) {
	logLevel.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the router and the configured transport. Nothing is started
// until Serve.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	slog.Info(fmt.Sprintf("%s - Starting bus node (environment=%s, node=%s, transport=%s)", logPrefix, cfg.Environment, cfg.NodeID, cfg.Transport))

	s := &Server{cfg: cfg, ctx: ctx}

	if cfg.Transport == config.TransportComms || cfg.EventTapSubject != "" {
		nc, err := commsutil.Connect(cfg.CommsURL, cfg.CommsName)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc
		slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.CommsURL))
	}

	var publisher events.EventPublisher
	if cfg.EventTapSubject != "" {
		publisher = events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{TapSubject: cfg.EventTapSubject})
		slog.Info(fmt.Sprintf("%s - Mirroring bridged events to %s", logPrefix, cfg.EventTapSubject))
	}

	s.router = router.NewRouter(router.NewRouterParams{
		Context:    envelope.NewContext(cfg.Environment),
		NodeID:     cfg.NodeID,
		Correlator: correlator.NewCorrelator(cfg.CorrelatorConfig()),
		Bridge:     events.NewBridge(events.NewBridgeParams{Config: cfg.BridgeConfig(), Publisher: publisher}),
	})
	s.router.RegisterBuiltins()

	t, err := s.buildTransport(ctx)
	if err != nil {
		s.closeComms()
		return nil, err
	}
	if t != nil {
		if err := s.router.AttachTransport(ctx, t); err != nil {
			s.closeComms()
			return nil, err
		}
	}
	return s, nil
}

// buildTransport returns the outbound transport for the configured mode. In
// socket-server mode there is none up front; accepted connections attach as
// they arrive.
func (s *Server) buildTransport(ctx context.Context) (transport.Transport, error) {
	switch s.cfg.Transport {
	case config.TransportMesh:
		mt, err := mesh.Listen(s.cfg.MeshConfig())
		if err != nil {
			return nil, fmt.Errorf("%s - failed to join mesh: %w", logPrefix, err)
		}
		return mt, nil
	case config.TransportSocketClient:
		st, err := socket.Dial(ctx, s.cfg.SocketConfig())
		if err != nil {
			return nil, fmt.Errorf("%s - failed to dial %s: %w", logPrefix, s.cfg.SocketURL, err)
		}
		return st, nil
	case config.TransportComms:
		ct, err := commstransport.New(s.nc, commstransport.Config{
			Prefix:      s.cfg.SubjectPrefix,
			Environment: s.cfg.Environment,
			NodeID:      s.cfg.NodeID,
		})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to create broker transport: %w", logPrefix, err)
		}
		return ct, nil
	case config.TransportSocketServer:
		srv, err := socket.NewServer(socket.NewServerParams{
			Config:   s.cfg.SocketConfig(),
			OnAccept: s.accept,
			OnClose:  s.release,
		})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to create socket server: %w", logPrefix, err)
		}
		s.sockets = srv
		return nil, nil
	default:
		return nil, fmt.Errorf("%s - unknown transport %q", logPrefix, s.cfg.Transport)
	}
}

func (s *Server) accept(t *socket.Transport) {
	if err := s.router.AttachTransport(s.ctx, t); err != nil {
		slog.Warn(fmt.Sprintf("%s - rejecting %s: %v", logPrefix, t.Name(), err))
		t.Disconnect()
	}
}

func (s *Server) release(t *socket.Transport) {
	s.router.DetachTransport(t)
}

// Router returns the node's router.
func (s *Server) Router() *router.Router { return s.router }

// ListenAndServe listens on the configured HTTP port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr())
	if err != nil {
		s.Close()
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.HTTPAddr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the router and the HTTP surface on ln and blocks until ctx
// ends or the HTTP server fails. Everything is closed before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.router.Start(ctx); err != nil {
		ln.Close()
		s.Close()
		return fmt.Errorf("%s - failed to start router: %w", logPrefix, err)
	}

	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.Close()
		return err
	})

	slog.Info(fmt.Sprintf("%s - Bus node is ready", logPrefix))
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// Close stops the router, accepted sockets and the COMMS connection.
func (s *Server) Close() {
	s.router.Close()
	if s.sockets != nil {
		s.sockets.Close()
	}
	s.closeComms()
}

func (s *Server) closeComms() {
	if s.nc != nil && !s.nc.IsClosed() {
		s.nc.Close()
	}
}
