// Package main is the entrypoint for busnode: run a bus node, call an
// endpoint on the bus, or list mesh peers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/morezero/contextbus/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "busnode",
	Short: "Cross-context command and event bus node",
	Long: `busnode runs one node of the command/event bus and offers client commands
against a running bus.

Configuration comes from Go defaults, then the file named by BUS_CONFIG_FILE
(.toml, .yaml or .json), then BUS_* environment variables such as
BUS_ENVIRONMENT, BUS_TRANSPORT (mesh|socket-server|socket-client|comms),
BUS_SOCKET_URL, BUS_COMMS_URL and BUS_HTTP_PORT.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a bus node until SIGINT or SIGTERM (default command)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, callCmd, peersCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return server.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
