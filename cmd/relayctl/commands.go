package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/api"
	"github.com/thatsimonsguy/relay-controller/internal/engine"
)

// Online command flags
var (
	apiURL       string
	apiTimeout   time.Duration
	outputFormat string

	primarySSID       string
	primaryPassphrase string
	backupSSID        string
	backupPassphrase  string

	relayPin       int
	relayActiveLow bool
	relayName      string

	tlsSecure  bool
	timezone   string
	brokerHost string
	brokerPort uint16

	eventLimit int
	eventRelay int

	confirmReset bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8080", "Controller API base URL")
	rootCmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", 90*time.Second, "API request timeout")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format (text, json)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(wifiCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(eventsCmd)
}

func client() *api.Client {
	return api.NewClient(apiURL, apiTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show network, broker and relay state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func printStatus(w io.Writer, st engine.Status) {
	fmt.Fprintf(w, "Device:     %s (%s)\n", st.MAC, orDash(st.IP))
	fmt.Fprintf(w, "WiFi:       %s (primary %s, backup %s)\n", st.WiFi, orDash(st.PrimarySSID), orDash(st.BackupSSID))
	fmt.Fprintf(w, "Broker:     %s %s:%d", st.Broker, st.BrokerHost, st.BrokerPort)
	if st.AuthFailures > 0 {
		fmt.Fprintf(w, " (%d auth failures)", st.AuthFailures)
	}
	fmt.Fprintln(w)
	if st.RecentAuthFailures > 0 {
		fmt.Fprintf(w, "Rejected:   %d logins in the last 24h\n", st.RecentAuthFailures)
	}
	fmt.Fprintf(w, "Registered: %t\n", st.Registered)
	fmt.Fprintf(w, "TLS:        verify=%t ca=%t\n", st.TLSSecure, st.HasCert)
	fmt.Fprintf(w, "Timezone:   %s\n", orDash(st.Timezone))
	fmt.Fprintln(w)

	for _, r := range st.Relays {
		if !r.Valid {
			continue
		}
		code := ""
		if r.HasCode {
			code = "  code pending"
		}
		fmt.Fprintf(w, "%d. %-16s pin %-3d %-7s topic %s%s\n", r.Index, r.Name, r.Pin, r.State, r.Topic, code)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var wifiCmd = &cobra.Command{
	Use:   "wifi",
	Short: "Set the primary and backup networks",
	Long: `Replace both WiFi networks. The controller reconnects right away.

A passphrase left empty keeps the stored one when the SSID is unchanged.`,
	Example: `  relayctl wifi --primary-ssid home --primary-passphrase secret
  relayctl wifi --primary-ssid home --backup-ssid phone --backup-passphrase hotspot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().SetWiFi(cmd.Context(), engine.WiFiSettings{
			PrimarySSID:       primarySSID,
			PrimaryPassphrase: primaryPassphrase,
			BackupSSID:        backupSSID,
			BackupPassphrase:  backupPassphrase,
		})
	},
}

func init() {
	wifiCmd.Flags().StringVar(&primarySSID, "primary-ssid", "", "Primary network SSID")
	wifiCmd.Flags().StringVar(&primaryPassphrase, "primary-passphrase", "", "Primary network passphrase")
	wifiCmd.Flags().StringVar(&backupSSID, "backup-ssid", "", "Backup network SSID")
	wifiCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "Backup network passphrase")
	wifiCmd.MarkFlagRequired("primary-ssid")
}

var relayCmd = &cobra.Command{
	Use:   "relay <index>",
	Short: "Change a relay's pin, polarity or name",
	Long: `Change a relay slot. Only the flags given are applied.

Setting a pin on the slot after the last configured relay adds a relay; setting
pin -1 disables it and every slot after it.`,
	Example: `  relayctl relay 0 --name "Front gate"
  relayctl relay 1 --pin 6 --active-low=false --name Garage`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid relay index %q", args[0])
		}
		var u engine.RelayUpdate
		if cmd.Flags().Changed("pin") {
			u.Pin = &relayPin
		}
		if cmd.Flags().Changed("active-low") {
			u.ActiveLow = &relayActiveLow
		}
		if cmd.Flags().Changed("name") {
			u.Name = &relayName
		}
		return client().SetRelay(cmd.Context(), index, u)
	},
}

func init() {
	relayCmd.Flags().IntVar(&relayPin, "pin", 0, "GPIO line, -1 for unused")
	relayCmd.Flags().BoolVar(&relayActiveLow, "active-low", true, "Relay is energised by driving the pin low")
	relayCmd.Flags().StringVar(&relayName, "name", "", "Display name")
}

var registerCmd = &cobra.Command{
	Use:   "register <index> <code>",
	Short: "Enroll a relay with a 6-digit code",
	Long: `Store an enrollment code on a relay and register it with the cloud.

When the controller is offline the code is kept and used on the next boot.`,
	Example: `  relayctl register 0 123456`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid relay index %q", args[0])
		}
		res, err := client().Register(cmd.Context(), index, args[1])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), res)
		}
		if res.Registered {
			fmt.Fprintf(cmd.OutOrStdout(), "Relay %d registered, topic %s\n", index, res.Topic)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Relay %d not registered yet: %s\n", index, res.Error)
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Change TLS validation, timezone or broker endpoint",
	Example: `  relayctl settings --timezone MSK-3
  relayctl settings --tls-secure
  relayctl settings --broker-host mqtt.local --broker-port 1883`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var s engine.Settings
		if cmd.Flags().Changed("tls-secure") {
			s.TLSSecure = &tlsSecure
		}
		if cmd.Flags().Changed("timezone") {
			s.Timezone = &timezone
		}
		if cmd.Flags().Changed("broker-host") {
			s.BrokerHost = &brokerHost
		}
		if cmd.Flags().Changed("broker-port") {
			s.BrokerPort = &brokerPort
		}
		if s == (engine.Settings{}) {
			return fmt.Errorf("nothing to change")
		}
		return client().SetSettings(cmd.Context(), s)
	},
}

func init() {
	settingsCmd.Flags().BoolVar(&tlsSecure, "tls-secure", false, "Validate the broker certificate against the stored CA")
	settingsCmd.Flags().StringVar(&timezone, "timezone", "", "IANA zone or POSIX TZ string")
	settingsCmd.Flags().StringVar(&brokerHost, "broker-host", "", "MQTT broker host")
	settingsCmd.Flags().Uint16Var(&brokerPort, "broker-port", 0, "MQTT broker port (1883 disables TLS)")
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the broker CA certificate",
}

var certInstallCmd = &cobra.Command{
	Use:   "install <file>",
	Short: "Upload a PEM or DER CA certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return client().InstallCert(cmd.Context(), data)
	},
}

var certRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete the stored CA certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().RemoveCert(cmd.Context())
	},
}

func init() {
	certCmd.AddCommand(certInstallCmd)
	certCmd.AddCommand(certRemoveCmd)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Erase the device config and restart the controller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmReset {
			return fmt.Errorf("factory reset erases WiFi, broker credentials and relays; pass --yes to confirm")
		}
		return client().Reset(cmd.Context())
	},
}

func init() {
	resetCmd.Flags().BoolVar(&confirmReset, "yes", false, "Confirm the factory reset")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent journal events from the running controller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := client().Events(cmd.Context(), eventLimit, eventRelay)
		if err != nil {
			return err
		}
		return printEvents(cmd.OutOrStdout(), events)
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventLimit, "limit", 50, "Maximum number of events")
	eventsCmd.Flags().IntVar(&eventRelay, "relay", -1, "Only events for this relay")
}

func printEvents(w io.Writer, events []db.Event) error {
	if outputFormat == "json" {
		return printJSON(w, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, e := range events {
		relay := "-"
		if e.Relay >= 0 {
			relay = strconv.Itoa(e.Relay)
		}
		fmt.Fprintf(w, "%s  %-15s relay %s  %s %s\n", e.Time.Local().Format(time.DateTime), e.Kind, relay, e.Source, e.Detail)
	}
	return nil
}
