// Package engine runs the controller: it boots the components from the stored device
// config and drives them from one cooperative loop. Requests from other goroutines are
// queued and executed by the loop, so DeviceConfig and relay state have a single owner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/broker"
	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/connectivity"
	"github.com/thatsimonsguy/relay-controller/internal/gpio"
	"github.com/thatsimonsguy/relay-controller/internal/identity"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relay"
)

// ErrRestart is returned by Run after a factory reset; the process should exit and be
// restarted by its supervisor.
var ErrRestart = errors.New("engine: restart requested")

// Store is the encrypted device config plus the CA certificate slot.
type Store interface {
	Load() (model.DeviceConfig, error)
	Save(cfg model.DeviceConfig) error
	Reset() error
	HasCert() bool
	LoadCert() ([]byte, error)
	SaveCert(der []byte) error
	DeleteCert() error
}

// Notifier delivers operator alerts without blocking.
type Notifier interface {
	Notify(title, message string)
}

type Deps struct {
	Store      Store
	Link       connectivity.Link
	TimeSource connectivity.TimeSource
	Transport  broker.Transport
	Registrar  broker.Registrar
	GPIO       gpio.Driver
	Clock      clock.Adjustable
	Identity   identity.Identity
	Journal    *db.Journal
	Metrics    *metrics.Metrics
	Notifier   Notifier
}

type Options struct {
	TickInterval        time.Duration
	RegistrationTimeout time.Duration
	Connectivity        connectivity.Options
	Broker              broker.Options
}

type request struct {
	fn   func()
	done chan struct{}
}

type Engine struct {
	cfg  model.DeviceConfig
	deps Deps
	opts Options

	conn    *connectivity.Manager
	relays  *relay.Controller
	session *broker.Session

	requests      chan request
	reconnectWiFi bool
	restart       bool

	offlineSince time.Time
	authAlerted  bool
}

func New(deps Deps, opts Options) *Engine {
	e := &Engine{
		cfg:      model.Defaults(),
		deps:     deps,
		opts:     opts,
		requests: make(chan request, 16),
	}
	e.conn = connectivity.New(deps.Link, deps.Clock, deps.TimeSource, opts.Connectivity)
	e.relays = relay.New(deps.GPIO, deps.Clock)
	e.session = broker.New(&e.cfg, broker.Deps{
		Transport: deps.Transport,
		Clock:     deps.Clock,
		Relays:    e.relays,
		Registrar: deps.Registrar,
		Store:     deps.Store,
		Identity:  deps.Identity,
		LocalIP:   e.conn.LocalIP,
		Journal:   deps.Journal,
		Metrics:   deps.Metrics,
	}, opts.Broker)
	return e
}

// Location is the device timezone, for log timestamps.
func (e *Engine) Location() *time.Location {
	return e.conn.Location()
}

// Boot loads the device config, initialises the relays and brings up the network and
// broker session. Failures leave the loop to retry.
func (e *Engine) Boot() {
	cfg, err := e.deps.Store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Using factory defaults")
	}
	e.cfg = cfg

	log.Info().
		Str("mac", e.deps.Identity.String()).
		Bool("registered", e.cfg.Broker.Registered).
		Int("relays", e.cfg.RelayCount()).
		Bool("tls_secure", e.cfg.TLSSecure).
		Msg("Device config loaded")

	e.relays.Begin(&e.cfg)
	for i := 0; i < e.relays.Count(); i++ {
		e.deps.Metrics.RelayState(i, false)
	}

	if !e.conn.Connect(&e.cfg) {
		log.Warn().Msg("No network at boot, will keep retrying")
		return
	}
	e.registerPending()
	if err := e.session.Connect(); err != nil && !errors.Is(err, broker.ErrNoCredentials) {
		log.Warn().Err(err).Msg("Initial broker connect failed")
	}
}

// registerPending enrolls every relay that holds an enrollment code.
func (e *Engine) registerPending() bool {
	ok := false
	for i := 0; i < e.cfg.RelayCount(); i++ {
		if e.cfg.Relays[i].EnrollmentCode == "" {
			continue
		}
		if e.register(i) == nil {
			ok = true
		}
	}
	return ok
}

func (e *Engine) register(i int) error {
	if e.deps.Registrar == nil {
		return errors.New("no registration client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RegistrationTimeout)
	defer cancel()

	next := e.cfg
	if err := e.deps.Registrar.RegisterRelay(ctx, &next, i); err != nil {
		e.deps.Metrics.Registration(i, false)
		log.Warn().Err(err).Int("relay", i).Msg("Registration failed, code kept for retry")
		return err
	}
	if err := e.commit(next); err != nil {
		e.deps.Metrics.Registration(i, false)
		return err
	}
	e.deps.Metrics.Registration(i, true)
	e.deps.Journal.Record(db.EventRegistration, i, "local", e.cfg.ResolvedTopic(i))
	e.notify(fmt.Sprintf("Relay %d registered", i), "Topic "+e.cfg.ResolvedTopic(i))
	return nil
}

// commit persists next and only then makes it the live config.
func (e *Engine) commit(next model.DeviceConfig) error {
	if err := e.deps.Store.Save(next); err != nil {
		log.Error().Err(err).Msg("Failed to persist device config")
		return err
	}
	e.cfg = next
	return nil
}

// Tick runs one loop iteration.
func (e *Engine) Tick() {
	e.drainRequests()

	var online bool
	if e.reconnectWiFi {
		e.reconnectWiFi = false
		online = e.conn.Connect(&e.cfg)
	} else {
		online = e.conn.ReconnectIfNeeded(&e.cfg)
	}
	e.trackOutage(online)
	if online {
		e.session.Tick()
		e.trackAuthFailures()
	}

	for _, i := range e.relays.Update() {
		e.deps.Journal.Record(db.EventPulseComplete, i, "", "")
		e.deps.Metrics.RelayState(i, false)
		e.session.PublishRelayStatus(i, false)
	}
}

func (e *Engine) trackOutage(online bool) {
	now := e.deps.Clock.Monotonic()
	switch {
	case !online && e.offlineSince.IsZero():
		e.offlineSince = now
	case online && !e.offlineSince.IsZero():
		e.notify("WiFi restored", "Offline for "+now.Sub(e.offlineSince).Round(time.Second).String())
		e.offlineSince = time.Time{}
	}
}

// trackAuthFailures alerts once per streak in which re-registration did not recover the
// broker credentials.
func (e *Engine) trackAuthFailures() {
	n := e.session.AuthFailures()
	if n < e.opts.Broker.AuthFailureThreshold {
		e.authAlerted = false
		return
	}
	if !e.authAlerted {
		e.authAlerted = true
		e.notify("Broker rejects credentials", fmt.Sprintf("%d rejected connects, re-registration did not help", n))
	}
}

func (e *Engine) notify(title, message string) {
	if e.deps.Notifier == nil {
		return
	}
	e.deps.Notifier.Notify(title, message)
}

// Run ticks until ctx is cancelled or a factory reset asks for a restart.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
			if e.restart {
				return ErrRestart
			}
		}
	}
}

// Shutdown switches every relay off and leaves the broker gracefully. Call it after Run
// has returned.
func (e *Engine) Shutdown() {
	e.relays.AllOff()
	for i := 0; i < e.relays.Count(); i++ {
		e.session.PublishRelayStatus(i, false)
		e.deps.Metrics.RelayState(i, false)
	}
	e.session.Close()
	log.Info().Msg("Relays off, broker session closed")
}

func (e *Engine) drainRequests() {
	for {
		select {
		case r := <-e.requests:
			r.fn()
			close(r.done)
		default:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case e.requests <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
