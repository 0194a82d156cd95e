package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const FirmwareVersion = "1.0.0"

type WiFi struct {
	Backend        string        `yaml:"backend"` // nmcli | none
	Interface      string        `yaml:"interface"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

type NTP struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

type Registration struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Broker struct {
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	AuthFailureThreshold int           `yaml:"auth_failure_threshold"`
	KeepAlive            time.Duration `yaml:"keep_alive"`
	SocketTimeout        time.Duration `yaml:"socket_timeout"`
}

type GPIO struct {
	Driver string `yaml:"driver"` // cdev | pinctrl | memory
	Chip   string `yaml:"chip"`
}

type API struct {
	Listen string `yaml:"listen"`
}

type Journal struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Notify sends operator alerts to ntfy. An empty topic disables them.
type Notify struct {
	Server string   `yaml:"server"`
	Topic  string   `yaml:"topic"`
	Tags   []string `yaml:"tags"`
}

// Service locates the systemd units and the boot-time GPIO script written by install-service.
type Service struct {
	BootScript string `yaml:"boot_script"`
	GPIOUnit   string `yaml:"gpio_unit"`
	MainUnit   string `yaml:"main_unit"`
	Binary     string `yaml:"binary"`
	User       string `yaml:"user"`
}

type Datadog struct {
	Enabled   bool     `yaml:"enabled"`
	Addr      string   `yaml:"addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

// Config holds daemon settings. Device state (WiFi secrets, broker credentials, relays)
// lives in the encrypted store under DataDir.
type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`
	SafeMode   bool          `yaml:"safe_mode"`

	Level        string        `yaml:"log_level"`
	LogFile      string        `yaml:"log_file"`
	DataDir      string        `yaml:"data_dir"`
	TickInterval time.Duration `yaml:"tick_interval"`

	WiFi         WiFi         `yaml:"wifi"`
	NTP          NTP          `yaml:"ntp"`
	Registration Registration `yaml:"registration"`
	Broker       Broker       `yaml:"broker"`
	GPIO         GPIO         `yaml:"gpio"`
	API          API          `yaml:"api"`
	Journal      Journal      `yaml:"journal"`
	Datadog      Datadog      `yaml:"datadog"`
	Notify       Notify       `yaml:"notify"`
	Service      Service      `yaml:"service"`
}

func Defaults() Config {
	return Config{
		Level:        "info",
		LogFile:      "/var/log/relay-controller.log",
		DataDir:      "/var/lib/relay-controller",
		TickInterval: 10 * time.Millisecond,
		WiFi: WiFi{
			Backend:        "nmcli",
			Interface:      "wlan0",
			ConnectTimeout: 20 * time.Second,
			RetryInterval:  10 * time.Second,
		},
		NTP: NTP{
			Servers: []string{"pool.ntp.org", "time.google.com"},
			Timeout: 10 * time.Second,
		},
		Registration: Registration{
			URL:     "https://smilart.ru/janitor/api/device/register",
			Timeout: 15 * time.Second,
		},
		Broker: Broker{
			ReconnectInterval:    5 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			AuthFailureThreshold: 3,
			KeepAlive:            60 * time.Second,
			SocketTimeout:        10 * time.Second,
		},
		GPIO: GPIO{
			Driver: "cdev",
			Chip:   "gpiochip0",
		},
		API: API{
			Listen: "127.0.0.1:8080",
		},
		Journal: Journal{
			Path:      "/var/lib/relay-controller/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		Datadog: Datadog{
			Addr:      "127.0.0.1:8125",
			Namespace: "relay_controller.",
		},
		Notify: Notify{
			Server: "https://ntfy.sh",
		},
		Service: Service{
			BootScript: "/usr/local/lib/relay-controller/relay-gpio.sh",
			GPIOUnit:   "/etc/systemd/system/relay-gpio.service",
			MainUnit:   "/etc/systemd/system/relay-controller.service",
			Binary:     "/usr/local/bin/relay-controller",
			User:       "root",
		},
	}
}

// Load parses the process flags and the settings file. It panics on invalid settings.
func Load() Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	return cfg
}

// Parse reads settings from the file named by -config-file, then applies flag overrides.
// A missing file leaves the defaults in place.
func Parse(args []string) (Config, error) {
	fsFlags := flag.NewFlagSet("relay-controller", flag.ContinueOnError)
	configFile := fsFlags.String("config-file", "/etc/relay-controller/config.yaml", "Path to daemon settings")
	logLevel := fsFlags.String("log-level", "", "Log level (debug, info, warn, error)")
	dataDir := fsFlags.String("data-dir", "", "Directory for the encrypted device config and CA certificate")
	safeMode := fsFlags.Bool("safe-mode", false, "Drive no hardware and leave networking to the host")
	if err := fsFlags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	cfg.ConfigFile = *configFile

	data, err := os.ReadFile(cfg.ConfigFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", cfg.ConfigFile, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", cfg.ConfigFile, err)
		}
	}

	if *logLevel != "" {
		cfg.Level = *logLevel
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *safeMode {
		cfg.SafeMode = true
	}
	if cfg.SafeMode {
		cfg.GPIO.Driver = "memory"
		cfg.WiFi.Backend = "none"
	}
	cfg.LogLevel = parseLogLevel(cfg.Level)

	return cfg, cfg.validate()
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() error {
	var problems []string

	durations := map[string]time.Duration{
		"tick_interval":             cfg.TickInterval,
		"wifi.connect_timeout":      cfg.WiFi.ConnectTimeout,
		"ntp.timeout":               cfg.NTP.Timeout,
		"registration.timeout":      cfg.Registration.Timeout,
		"broker.reconnect_interval": cfg.Broker.ReconnectInterval,
		"broker.heartbeat_interval": cfg.Broker.HeartbeatInterval,
		"broker.socket_timeout":     cfg.Broker.SocketTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if cfg.Broker.AuthFailureThreshold < 1 {
		problems = append(problems, "broker.auth_failure_threshold must be at least 1")
	}
	switch cfg.WiFi.Backend {
	case "nmcli", "none":
	default:
		problems = append(problems, fmt.Sprintf("wifi.backend %q is not one of nmcli, none", cfg.WiFi.Backend))
	}
	switch cfg.GPIO.Driver {
	case "cdev", "pinctrl", "memory":
	default:
		problems = append(problems, fmt.Sprintf("gpio.driver %q is not one of cdev, pinctrl, memory", cfg.GPIO.Driver))
	}
	if len(cfg.NTP.Servers) == 0 {
		problems = append(problems, "ntp.servers is empty")
	}
	if !strings.HasPrefix(cfg.Registration.URL, "https://") && !strings.HasPrefix(cfg.Registration.URL, "http://") {
		problems = append(problems, "registration.url must be an http(s) URL")
	}
	if cfg.Notify.Topic != "" && !strings.HasPrefix(cfg.Notify.Server, "https://") && !strings.HasPrefix(cfg.Notify.Server, "http://") {
		problems = append(problems, "notify.server must be an http(s) URL")
	}
	if cfg.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New("invalid settings: " + strings.Join(problems, "; "))
	}
	return nil
}
