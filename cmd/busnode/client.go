package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/morezero/contextbus/internal/config"
	"github.com/morezero/contextbus/internal/server"
	"github.com/morezero/contextbus/pkg/envelope"
	"github.com/morezero/contextbus/pkg/transport/mesh"
)

const defaultPayloadKind = "json"

var callOpts struct {
	as         string
	kind       string
	capability string
	timeout    time.Duration
	wait       time.Duration
	event      bool
}

var peersOpts struct {
	capability string
	wait       time.Duration
	jsonOut    bool
}

var callCmd = &cobra.Command{
	Use:   "call <target-path> [payload]",
	Short: "Send a request (or event) to a bus endpoint and print the reply",
	Long: `Join the bus as a short-lived node, send one envelope to target-path and
print the response payload.

The payload argument is used as JSON when it parses as JSON and as a JSON
string otherwise. Example:

  busnode call browser/bus/ping
  busnode call browser/tabs/open '{"url":"https://example.com"}' --kind tab.open
  busnode call browser/screenshot/take --capability 'screenshot@^1.2'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Join the mesh briefly and list the live peers it discovers",
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

func init() {
	callCmd.Flags().StringVar(&callOpts.as, "as", "cli", "environment this client announces")
	callCmd.Flags().StringVar(&callOpts.kind, "kind", defaultPayloadKind, "payload kind")
	callCmd.Flags().DurationVar(&callOpts.timeout, "timeout", 10*time.Second, "how long to wait for the response")
	callCmd.Flags().DurationVar(&callOpts.wait, "wait", 0, "discovery wait before sending (default: 2x discovery interval on mesh)")
	callCmd.Flags().BoolVar(&callOpts.event, "event", false, "emit an event instead of sending a request")
	callCmd.Flags().StringVar(&callOpts.capability, "capability", "", "route the request to a peer offering this capability (name or name@range)")

	peersCmd.Flags().DurationVar(&peersOpts.wait, "wait", 0, "how long to listen (default: 2x discovery interval)")
	peersCmd.Flags().BoolVar(&peersOpts.jsonOut, "json", false, "print peers as JSON")
	peersCmd.Flags().StringVar(&peersOpts.capability, "capability", "", "only list peers offering this capability (name or name@range)")
}

// joinBus loads the node configuration and starts a short-lived client node
// under its own node id.
func joinBus(ctx context.Context, environment string) (*server.Server, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	server.SetupLogging(cfg.LogLevel)

	if environment != "" {
		cfg.Environment = environment
	}
	cfg.NodeID = environment + "-" + uuid.NewString()[:8]
	cfg.UnicastPort = 0
	cfg.EventTapSubject = ""
	if cfg.Transport == config.TransportSocketServer {
		return nil, nil, fmt.Errorf("transport %s cannot originate calls; use mesh, socket-client or comms", cfg.Transport)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	s, err := server.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Router().Start(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, cfg, nil
}

// discoveryWait is how long to let the mesh settle before acting.
func discoveryWait(cfg *config.Config, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if cfg.Transport != config.TransportMesh {
		return 0
	}
	return 2 * time.Duration(cfg.DiscoveryIntervalMs) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parsePayload turns a CLI argument into a payload of the given kind.
func parsePayload(kind, arg string) (envelope.Payload, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		if kind == defaultPayloadKind {
			return envelope.Empty(), nil
		}
		return envelope.Payload{Kind: kind}, nil
	}
	if json.Valid([]byte(arg)) {
		return envelope.NewPayload(kind, json.RawMessage(arg))
	}
	return envelope.NewPayload(kind, arg)
}

func runCall(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(callOpts.kind, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, cfg, err := joinBus(ctx, callOpts.as)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := sleepCtx(ctx, discoveryWait(cfg, callOpts.wait)); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, callOpts.timeout)
	defer cancel()

	if callOpts.event {
		res, err := s.Router().Emit(callCtx, args[0], payload)
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), res)
	}

	req := s.Router().NewRequest(args[0], payload)
	if callOpts.capability != "" {
		req.WithCapability(callOpts.capability)
	}
	got, err := s.Router().Call(callCtx, req)
	if err != nil {
		return err
	}
	return writePayload(cmd.OutOrStdout(), got)
}

func runPeers(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, cfg, err := joinBus(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.Close()
	if cfg.Transport != config.TransportMesh {
		return fmt.Errorf("peers needs the mesh transport, configured %s", cfg.Transport)
	}

	if err := sleepCtx(ctx, discoveryWait(cfg, peersOpts.wait)); err != nil {
		return err
	}
	peers := s.Router().PeersWithCapability(peersOpts.capability)
	if peersOpts.jsonOut {
		return writeIndented(cmd.OutOrStdout(), peers)
	}
	return writePeerTable(cmd.OutOrStdout(), peers)
}

func writePayload(w io.Writer, p envelope.Payload) error {
	if len(p.Data) == 0 && len(p.Bytes) == 0 {
		_, err := fmt.Fprintf(w, "(%s)\n", p.Kind)
		return err
	}
	return writeIndented(w, p)
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writePeerTable(w io.Writer, peers []mesh.NodeDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tADDRESS\tCAPABILITIES\tPROTOCOL\tLAST SEEN")
	for _, p := range peers {
		seen := time.UnixMilli(p.LastSeenAtMs).Format(time.TimeOnly)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.NodeID, p.UnicastAddress, strings.Join(p.Capabilities, ","), p.ProtocolVersion, seen)
	}
	return tw.Flush()
}
