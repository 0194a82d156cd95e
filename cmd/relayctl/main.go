// Relayctl administers a relay controller: it drives the local API of a running daemon
// and, for offline work, reads the encrypted device config and the event journal
// directly.
//
// Usage:
//
//	relayctl [command] [flags]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/relay-controller/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Relay controller administration",
	Long: `Administer a WiFi relay controller.

Online commands talk to the controller's local API. The dump, history and
install-service commands work on the files under the data directory and do
not need the daemon to be running.`,
	Version:       config.FirmwareVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
