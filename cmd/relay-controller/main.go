package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/api"
	"github.com/thatsimonsguy/relay-controller/internal/broker"
	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/internal/connectivity"
	"github.com/thatsimonsguy/relay-controller/internal/engine"
	"github.com/thatsimonsguy/relay-controller/internal/gpio"
	"github.com/thatsimonsguy/relay-controller/internal/identity"
	"github.com/thatsimonsguy/relay-controller/internal/logging"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/notifications"
	"github.com/thatsimonsguy/relay-controller/internal/registration"
	"github.com/thatsimonsguy/relay-controller/internal/store"
	"github.com/thatsimonsguy/relay-controller/system/shutdown"
)

// Locally administered address used when safe mode runs on a host without the WiFi
// interface.
const safeModeMAC = "02:00:00:00:00:01"

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)
	clk := clock.NewSystem()

	log.Info().
		Str("version", config.FirmwareVersion).
		Str("config_file", cfg.ConfigFile).
		Str("data_dir", cfg.DataDir).
		Msg("Starting relay controller")

	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED: relays are simulated and WiFi is left to the host")
	}

	id, err := identity.FromInterface(cfg.WiFi.Interface)
	if err != nil {
		if !cfg.SafeMode {
			log.Fatal().Err(err).Msg("Cannot derive device identity")
		}
		log.Warn().Err(err).Str("mac", safeModeMAC).Msg("Using placeholder identity")
		id, _ = identity.Parse(safeModeMAC)
	}

	st, err := store.New(cfg.DataDir, id.Bytes())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open config store")
	}

	var (
		conn    *sql.DB
		journal *db.Journal
		m       *metrics.Metrics
	)
	if conn, err = db.Open(cfg.Journal.Path); err != nil {
		log.Warn().Err(err).Str("path", cfg.Journal.Path).Msg("Journal unavailable, continuing without it")
		conn = nil
	} else {
		if n, err := db.PruneEvents(conn, clk.Now().Add(-cfg.Journal.Retention)); err != nil {
			log.Warn().Err(err).Msg("Failed to prune journal")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("Pruned journal")
		}
		journal = db.NewJournal(conn, clk)
	}
	if cfg.Datadog.Enabled {
		tags := append([]string{"mac:" + id.Compact()}, cfg.Datadog.Tags...)
		m = metrics.New(cfg.Datadog.Addr, cfg.Datadog.Namespace, tags)
	}

	driver, err := gpio.New(cfg.GPIO.Driver, cfg.GPIO.Chip)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open GPIO", nil, journal, m)
	}
	link, err := connectivity.NewLink(cfg.WiFi.Backend, cfg.WiFi.Interface, cfg.WiFi.ConnectTimeout)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to set up WiFi backend", nil, journal, m)
	}

	connOpts := connectivity.DefaultOptions()
	connOpts.ConnectTimeout = cfg.WiFi.ConnectTimeout
	connOpts.RetryInterval = cfg.WiFi.RetryInterval
	connOpts.SyncTimeout = cfg.NTP.Timeout

	brokerOpts := broker.DefaultOptions()
	brokerOpts.ReconnectInterval = cfg.Broker.ReconnectInterval
	brokerOpts.HeartbeatInterval = cfg.Broker.HeartbeatInterval
	brokerOpts.AuthFailureThreshold = cfg.Broker.AuthFailureThreshold
	brokerOpts.KeepAlive = cfg.Broker.KeepAlive
	brokerOpts.SocketTimeout = cfg.Broker.SocketTimeout
	brokerOpts.RegistrationTimeout = cfg.Registration.Timeout
	brokerOpts.FWVersion = config.FirmwareVersion

	eng := engine.New(engine.Deps{
		Store:      st,
		Link:       link,
		TimeSource: connectivity.NTPSource{Servers: cfg.NTP.Servers, Timeout: cfg.NTP.Timeout},
		Transport:  broker.NewPaho(),
		Registrar:  registration.New(cfg.Registration.URL, id, config.FirmwareVersion, cfg.Registration.Timeout),
		GPIO:       driver,
		Clock:      clk,
		Identity:   id,
		Journal:    journal,
		Metrics:    m,
		Notifier:   notifications.New(cfg.Notify.Server, cfg.Notify.Topic, cfg.Notify.Tags),
	}, engine.Options{
		TickInterval:        cfg.TickInterval,
		RegistrationTimeout: cfg.Registration.Timeout,
		Connectivity:        connOpts,
		Broker:              brokerOpts,
	})
	logging.UseClock(clk.Now, eng.Location)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Up before Boot so a device without WiFi can still be provisioned locally.
	server := api.NewServer(eng, conn, clk)
	go func() {
		if err := server.Start(ctx, cfg.API.Listen); err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}()

	eng.Boot()
	err = eng.Run(ctx)
	stop()

	shutdown.Shutdown(eng, journal, m)
	if err := driver.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to release GPIO")
	}

	switch {
	case errors.Is(err, engine.ErrRestart):
		log.Warn().Msg("Exiting for restart after factory reset")
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Relay controller stopped")
	default:
		log.Error().Err(err).Msg("Controller loop exited")
		os.Exit(1)
	}
}
