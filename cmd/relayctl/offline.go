package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/internal/identity"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/store"
	"github.com/thatsimonsguy/relay-controller/system/startup"
)

// Offline command flags
var (
	configFile  string
	deviceMAC   string
	showSecrets bool
	runScript   bool
)

func init() {
	for _, c := range []*cobra.Command{dumpCmd, historyCmd, installServiceCmd} {
		c.Flags().StringVar(&configFile, "config-file", "/etc/relay-controller/config.yaml", "Path to daemon settings")
	}
	for _, c := range []*cobra.Command{dumpCmd, installServiceCmd} {
		c.Flags().StringVar(&deviceMAC, "mac", "", "Device MAC (default: read from the WiFi interface)")
	}
	dumpCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print passphrases and the broker password")
	historyCmd.Flags().IntVar(&eventLimit, "limit", 50, "Maximum number of events")
	historyCmd.Flags().IntVar(&eventRelay, "relay", -1, "Only events for this relay")
	installServiceCmd.Flags().BoolVar(&runScript, "run", false, "Run the GPIO script once after writing it")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(installServiceCmd)
}

func loadSettings() (config.Config, error) {
	return config.Parse([]string{"-config-file", configFile})
}

// openStore opens the encrypted store keyed by the device MAC.
func openStore(cfg config.Config) (*store.Store, error) {
	var (
		id  identity.Identity
		err error
	)
	if deviceMAC != "" {
		id, err = identity.Parse(deviceMAC)
	} else {
		id, err = identity.FromInterface(cfg.WiFi.Interface)
	}
	if err != nil {
		return nil, err
	}
	return store.New(cfg.DataDir, id.Bytes())
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Decrypt and print the stored device config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		device, err := st.Load()
		if err != nil {
			return fmt.Errorf("no readable device config (the controller would boot with defaults): %w", err)
		}
		view := deviceView(device, st.HasCert(), showSecrets)
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), view)
		}
		printDevice(cmd.OutOrStdout(), view)
		return nil
	},
}

type wifiView struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase,omitempty"`
}

type relayView struct {
	Pin            int    `json:"pin"`
	ActiveLow      bool   `json:"active_low"`
	Name           string `json:"name"`
	Topic          string `json:"topic"`
	EnrollmentCode string `json:"enrollment_code,omitempty"`
}

type deviceConfigView struct {
	PrimaryWiFi wifiView    `json:"primary_wifi"`
	BackupWiFi  wifiView    `json:"backup_wifi"`
	BrokerHost  string      `json:"broker_host"`
	BrokerPort  uint16      `json:"broker_port"`
	BrokerUser  string      `json:"broker_user"`
	BrokerPass  string      `json:"broker_password,omitempty"`
	Registered  bool        `json:"registered"`
	TLSSecure   bool        `json:"tls_secure"`
	HasCert     bool        `json:"has_cert"`
	Timezone    string      `json:"timezone"`
	Relays      []relayView `json:"relays"`
}

func deviceView(cfg model.DeviceConfig, hasCert, secrets bool) deviceConfigView {
	secret := func(s string) string {
		if secrets || s == "" {
			return s
		}
		return "********"
	}
	v := deviceConfigView{
		PrimaryWiFi: wifiView{SSID: cfg.PrimaryWiFi.SSID, Passphrase: secret(cfg.PrimaryWiFi.Passphrase)},
		BackupWiFi:  wifiView{SSID: cfg.BackupWiFi.SSID, Passphrase: secret(cfg.BackupWiFi.Passphrase)},
		BrokerHost:  cfg.Broker.Host,
		BrokerPort:  cfg.Broker.Port,
		BrokerUser:  cfg.Broker.User,
		BrokerPass:  secret(cfg.Broker.Password),
		Registered:  cfg.Broker.Registered,
		TLSSecure:   cfg.TLSSecure,
		HasCert:     hasCert,
		Timezone:    cfg.Timezone,
	}
	for i := 0; i < cfg.RelayCount(); i++ {
		rc := cfg.Relays[i]
		display, _ := model.DecodeName(rc.Name)
		v.Relays = append(v.Relays, relayView{
			Pin:            rc.Pin,
			ActiveLow:      rc.ActiveLow,
			Name:           display,
			Topic:          cfg.ResolvedTopic(i),
			EnrollmentCode: rc.EnrollmentCode,
		})
	}
	return v
}

func printDevice(w io.Writer, v deviceConfigView) {
	fmt.Fprintf(w, "Primary WiFi: %s %s\n", orDash(v.PrimaryWiFi.SSID), v.PrimaryWiFi.Passphrase)
	fmt.Fprintf(w, "Backup WiFi:  %s %s\n", orDash(v.BackupWiFi.SSID), v.BackupWiFi.Passphrase)
	fmt.Fprintf(w, "Broker:       %s:%d user=%s %s\n", v.BrokerHost, v.BrokerPort, orDash(v.BrokerUser), v.BrokerPass)
	fmt.Fprintf(w, "Registered:   %t\n", v.Registered)
	fmt.Fprintf(w, "TLS:          verify=%t ca=%t\n", v.TLSSecure, v.HasCert)
	fmt.Fprintf(w, "Timezone:     %s\n", orDash(v.Timezone))
	for i, r := range v.Relays {
		fmt.Fprintf(w, "Relay %d:      pin %d active_low=%t %q topic %s", i, r.Pin, r.ActiveLow, r.Name, r.Topic)
		if r.EnrollmentCode != "" {
			fmt.Fprintf(w, " code %s", r.EnrollmentCode)
		}
		fmt.Fprintln(w)
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Read the event journal from disk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		events, err := db.HistoryCLI(cfg.Journal.Path, eventLimit, eventRelay)
		if err != nil {
			return err
		}
		return printEvents(cmd.OutOrStdout(), events)
	},
}

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Install the systemd units and the boot-time GPIO script",
	Long: `Write a script that releases every configured relay at boot, a oneshot unit
that runs it, and the controller unit. Run 'systemctl daemon-reload' afterwards.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		device := model.Defaults()
		if st, err := openStore(cfg); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v; using the factory relay layout\n", err)
		} else if device, err = st.Load(); err != nil && !errors.Is(err, store.ErrCacheMiss) {
			return err
		}

		if err := startup.WriteStartupScript(device, cfg.Service.BootScript); err != nil {
			return fmt.Errorf("write %s: %w", cfg.Service.BootScript, err)
		}
		if err := startup.InstallStartupService(cfg.Service); err != nil {
			return fmt.Errorf("write %s: %w", cfg.Service.GPIOUnit, err)
		}
		if err := startup.InstallControllerService(cfg.Service, cfg.ConfigFile); err != nil {
			return fmt.Errorf("write %s: %w", cfg.Service.MainUnit, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s, %s and %s\n", cfg.Service.BootScript, cfg.Service.GPIOUnit, cfg.Service.MainUnit)

		if runScript {
			return startup.RunStartupScript(cfg.Service.BootScript)
		}
		return nil
	},
}
