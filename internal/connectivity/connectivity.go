package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

var (
	ErrWiFiTimeout     = errors.New("connectivity: wifi connect timed out")
	ErrTimeSyncTimeout = errors.New("connectivity: time sync timed out")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

const pollInterval = 50 * time.Millisecond

type Options struct {
	ConnectTimeout time.Duration // per network attempt
	SyncTimeout    time.Duration
	CheckInterval  time.Duration // how often ReconnectIfNeeded looks at the link
	RetryInterval  time.Duration // pause after a failed Connect
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 20 * time.Second,
		SyncTimeout:    10 * time.Second,
		CheckInterval:  time.Second,
		RetryInterval:  10 * time.Second,
	}
}

// Manager joins the primary or backup network and keeps the clock synchronised.
type Manager struct {
	link  Link
	clock clock.Adjustable
	time  TimeSource
	opts  Options

	state     State
	timezone  string
	location  atomic.Pointer[time.Location] // read by the logger from any goroutine
	lastCheck time.Time
	lastFail  time.Time
}

func New(link Link, clk clock.Adjustable, ts TimeSource, opts Options) *Manager {
	m := &Manager{
		link:  link,
		clock: clk,
		time:  ts,
		opts:  opts,
	}
	m.location.Store(time.UTC)
	return m
}

func (m *Manager) State() State {
	return m.state
}

func (m *Manager) LocalIP() string {
	return m.link.LocalIP()
}

// Location is the device timezone applied by the last SyncTime or SetTimezone.
func (m *Manager) Location() *time.Location {
	return m.location.Load()
}

func (m *Manager) SetTimezone(tz string) error {
	loc, err := resolveLocation(tz)
	if err != nil {
		return err
	}
	m.timezone = tz
	m.location.Store(loc)
	return nil
}

// Connect tries the primary network, then the backup. Each attempt blocks up to
// ConnectTimeout. On success the clock is synchronised, waiting for it only when
// certificate validation needs a correct time.
func (m *Manager) Connect(cfg *model.DeviceConfig) bool {
	m.state = Connecting
	m.timezone = cfg.Timezone

	networks := []struct {
		label string
		creds model.WiFiCredentials
	}{
		{"primary", cfg.PrimaryWiFi},
		{"backup", cfg.BackupWiFi},
	}
	for _, n := range networks {
		if n.creds.SSID == "" {
			continue
		}
		log.Info().Str("network", n.label).Str("ssid", n.creds.SSID).Msg("Connecting to WiFi")
		if err := m.tryConnect(n.creds); err != nil {
			log.Warn().Err(err).Str("ssid", n.creds.SSID).Msg("WiFi attempt failed")
			continue
		}

		m.state = Connected
		m.lastCheck = m.clock.Monotonic()
		log.Info().Str("ssid", n.creds.SSID).Str("ip", m.link.LocalIP()).Msg("WiFi connected")

		if err := m.SyncTime(cfg.TLSSecure); err != nil {
			log.Warn().Err(err).Msg("Time sync failed")
		}
		return true
	}

	m.state = Failed
	m.lastFail = m.clock.Monotonic()
	log.Error().Msg("WiFi connection failed")
	return false
}

func (m *Manager) tryConnect(creds model.WiFiCredentials) error {
	if err := m.link.Join(creds.SSID, creds.Passphrase); err != nil {
		return err
	}
	start := m.clock.Monotonic()
	for !m.link.Up() {
		if m.clock.Monotonic().Sub(start) > m.opts.ConnectTimeout {
			return fmt.Errorf("%w: %s after %v", ErrWiFiTimeout, creds.SSID, m.opts.ConnectTimeout)
		}
		m.clock.Sleep(pollInterval)
	}
	return nil
}

// ReconnectIfNeeded is called every tick. It looks at the link at most once per
// CheckInterval and, after a failure, waits RetryInterval before trying again.
func (m *Manager) ReconnectIfNeeded(cfg *model.DeviceConfig) bool {
	now := m.clock.Monotonic()
	if m.state == Connected && now.Sub(m.lastCheck) < m.opts.CheckInterval {
		return true
	}
	if m.state == Failed && now.Sub(m.lastFail) < m.opts.RetryInterval {
		return false
	}
	m.lastCheck = now

	if m.link.Up() {
		if m.state != Connected {
			log.Info().Msg("WiFi link is up")
		}
		m.state = Connected
		return true
	}

	if m.state == Connected {
		log.Warn().Msg("WiFi connection lost, reconnecting")
		m.state = Disconnected
	}
	return m.Connect(cfg)
}

// SyncTime applies the stored timezone and starts an NTP query. When required it waits
// up to SyncTimeout for the clock to pass SyncThreshold; otherwise the query runs in the
// background.
func (m *Manager) SyncTime(required bool) error {
	loc, err := resolveLocation(m.timezone)
	if err != nil {
		log.Warn().Err(err).Str("tz", m.timezone).Msg("Unknown timezone, using UTC")
		loc = time.UTC
	}
	m.location.Store(loc)

	if !required {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.SyncTimeout)
			defer cancel()
			if err := m.queryTime(ctx); err != nil {
				log.Warn().Err(err).Msg("Background time sync failed")
			}
		}()
		log.Info().Msg("Time sync started")
		return nil
	}

	log.Info().Msg("Syncing time (required for TLS validation)")
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SyncTimeout)
	defer cancel()
	if err := m.queryTime(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeSyncTimeout, err)
	}
	if !Synced(m.clock.Now()) {
		return fmt.Errorf("%w: clock still at %s", ErrTimeSyncTimeout, m.clock.Now().UTC().Format(time.RFC3339))
	}
	return nil
}

func (m *Manager) queryTime(ctx context.Context) error {
	offset, err := m.time.Offset(ctx)
	if err != nil {
		return err
	}
	m.clock.SetOffset(offset)
	log.Info().Dur("offset", offset).Time("now", m.clock.Now()).Msg("Time synced")
	return nil
}
