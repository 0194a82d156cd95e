package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/identity"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relay"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "idle"
	}
}

type Options struct {
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	AuthFailureThreshold int
	KeepAlive            time.Duration
	SocketTimeout        time.Duration
	RegistrationTimeout  time.Duration
	InboundQueue         int
	FWVersion            string
}

func DefaultOptions() Options {
	return Options{
		ReconnectInterval:    5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		AuthFailureThreshold: 3,
		KeepAlive:            60 * time.Second,
		SocketTimeout:        10 * time.Second,
		RegistrationTimeout:  15 * time.Second,
		InboundQueue:         32,
	}
}

type Registrar interface {
	RegisterRelay(ctx context.Context, cfg *model.DeviceConfig, index int) error
}

// ConfigStore is the slice of the encrypted store the session needs.
type ConfigStore interface {
	Save(cfg model.DeviceConfig) error
	HasCert() bool
	LoadCert() ([]byte, error)
}

type Deps struct {
	Transport Transport
	Clock     clock.Clock
	Relays    *relay.Controller
	Registrar Registrar
	Store     ConfigStore
	Identity  identity.Identity
	LocalIP   func() string
	Journal   *db.Journal
	Metrics   *metrics.Metrics
}

// Session owns the MQTT connection. Every method except the transport's message
// callback must run on the control loop goroutine.
type Session struct {
	cfg  *model.DeviceConfig
	deps Deps
	opts Options

	inbound chan Message

	state         State
	lastErr       error
	lastAttempt   time.Time
	lastHeartbeat time.Time
	authFailures  int
}

func New(cfg *model.DeviceConfig, deps Deps, opts Options) *Session {
	if deps.LocalIP == nil {
		deps.LocalIP = func() string { return "" }
	}
	return &Session{
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		inbound: make(chan Message, opts.InboundQueue),
	}
}

func (s *Session) State() State      { return s.state }
func (s *Session) LastError() error  { return s.lastErr }
func (s *Session) AuthFailures() int { return s.authFailures }

func (s *Session) mac() string {
	return s.deps.Identity.Compact()
}

// Connect makes one connection attempt. On success the device announces itself and
// subscribes every relay's trigger topic.
func (s *Session) Connect() error {
	s.lastAttempt = s.deps.Clock.Monotonic()

	if !s.cfg.HasCredentials() {
		s.state = Idle
		s.lastErr = ErrNoCredentials
		return ErrNoCredentials
	}
	s.state = Connecting

	host := s.cfg.Broker.Host
	port := s.cfg.Broker.Port
	tlsConf := s.tlsConfig()
	scheme := "ssl"
	if tlsConf == nil {
		scheme = "tcp"
	}

	log.Info().
		Str("host", host).
		Uint16("port", port).
		Str("user", s.cfg.Broker.User).
		Bool("tls", tlsConf != nil).
		Msg("Connecting to MQTT broker")

	err := s.deps.Transport.Connect(ConnectOptions{
		URL:         fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(port)))),
		ClientID:    "RELAY_" + s.mac(),
		Username:    s.cfg.Broker.User,
		Password:    s.cfg.Broker.Password,
		TLS:         tlsConf,
		WillTopic:   DeviceStatusTopic(s.mac()),
		WillPayload: mustJSON(DeviceStatus{Online: false}),
		KeepAlive:   s.opts.KeepAlive,
		Timeout:     s.opts.SocketTimeout,
		OnMessage:   s.enqueue,
	})
	if err != nil {
		s.state = Backoff
		s.lastErr = err
		s.deps.Metrics.BrokerConnected(false)
		log.Warn().Err(err).Bool("auth_rejected", errors.Is(err, ErrAuthRejected)).Msg("MQTT connect failed")
		return err
	}

	s.state = Connected
	s.lastErr = nil
	s.lastHeartbeat = s.deps.Clock.Monotonic()
	s.discardInbound()
	s.deps.Metrics.BrokerConnected(true)
	s.deps.Journal.Record(db.EventBrokerOnline, -1, "", host)
	log.Info().Str("host", host).Msg("MQTT connected")

	online := DeviceStatus{
		Online:    true,
		FWVersion: s.opts.FWVersion,
		MAC:       s.deps.Identity.String(),
		IP:        s.deps.LocalIP(),
	}
	if err := s.deps.Transport.Publish(DeviceStatusTopic(s.mac()), mustJSON(online), true); err != nil {
		log.Warn().Err(err).Msg("Failed to publish online status")
	}

	for i := 0; i < s.cfg.RelayCount(); i++ {
		topic := TriggerTopic(s.cfg.ResolvedTopic(i))
		if err := s.deps.Transport.Subscribe(topic, 1); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Subscribe failed")
			continue
		}
		log.Info().Int("relay", i).Str("topic", topic).Msg("Subscribed")
	}
	return nil
}

func (s *Session) tlsConfig() *tls.Config {
	if s.cfg.Broker.Port == model.PlainMQTTPort {
		return nil
	}
	conf := &tls.Config{
		ServerName: s.cfg.Broker.Host,
		MinVersion: tls.VersionTLS12,
		Time:       s.deps.Clock.Now, // the system clock may predate the NTP correction
	}
	if !s.cfg.TLSSecure || !s.deps.Store.HasCert() {
		conf.InsecureSkipVerify = true
		return conf
	}

	der, err := s.deps.Store.LoadCert()
	if err == nil {
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(der); err == nil {
			pool := x509.NewCertPool()
			pool.AddCert(cert)
			conf.RootCAs = pool
			return conf
		}
	}
	log.Warn().Err(err).Msg("Stored CA certificate unusable, verifying against system roots")
	return conf
}

// Tick runs once per loop iteration.
func (s *Session) Tick() {
	now := s.deps.Clock.Monotonic()

	if s.state == Connected && !s.deps.Transport.IsConnected() {
		log.Warn().Msg("MQTT session dropped")
		s.state = Backoff
		s.lastErr = ErrConnLost
		s.deps.Metrics.BrokerConnected(false)
	}

	if s.state != Connected {
		if now.Sub(s.lastAttempt) < s.opts.ReconnectInterval {
			return
		}
		if errors.Is(s.lastErr, ErrAuthRejected) {
			s.authFailures++
			s.deps.Metrics.AuthFailure()
			s.deps.Journal.Record(db.EventAuthFailure, -1, "", strconv.Itoa(s.authFailures))
			log.Warn().Int("count", s.authFailures).Msg("MQTT authentication rejected")

			if s.authFailures >= s.opts.AuthFailureThreshold && s.reregister() {
				s.authFailures = 0
			}
		}
		s.Connect()
		return
	}

	s.authFailures = 0
	s.drainInbound()

	if now.Sub(s.lastHeartbeat) >= s.opts.HeartbeatInterval {
		s.lastHeartbeat = now
		s.publishHeartbeat(s.deps.Clock.Now())
	}
}

// reregister tries every relay that still holds an enrollment code and persists the
// config if any of them succeeded. A result that cannot be saved is discarded.
func (s *Session) reregister() bool {
	if s.deps.Registrar == nil {
		return false
	}
	prev := *s.cfg
	var done []int
	for i := 0; i < s.cfg.RelayCount(); i++ {
		if s.cfg.Relays[i].EnrollmentCode == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RegistrationTimeout)
		err := s.deps.Registrar.RegisterRelay(ctx, s.cfg, i)
		cancel()

		if err != nil {
			s.deps.Metrics.Registration(i, false)
			log.Warn().Err(err).Int("relay", i).Msg("Re-registration failed")
			continue
		}
		done = append(done, i)
	}
	if len(done) == 0 {
		log.Warn().Msg("No relay could be re-registered")
		return false
	}
	if err := s.deps.Store.Save(*s.cfg); err != nil {
		log.Error().Err(err).Msg("Failed to persist re-registered config, discarding it")
		*s.cfg = prev
		return false
	}
	for _, i := range done {
		s.deps.Metrics.Registration(i, true)
		s.deps.Journal.Record(db.EventRegistration, i, "reauth", s.cfg.ResolvedTopic(i))
	}
	return true
}

func (s *Session) publishHeartbeat(now time.Time) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := ms.HeapIdle - ms.HeapReleased

	hb := Heartbeat{TS: now.Unix(), Heap: free}
	if err := s.deps.Transport.Publish(HeartbeatTopic(s.mac()), mustJSON(hb), false); err != nil {
		log.Warn().Err(err).Msg("Heartbeat publish failed")
		return
	}
	s.deps.Metrics.Heap(free)
	log.Debug().Int64("ts", hb.TS).Uint64("heap", hb.Heap).Msg("Heartbeat")
}

// enqueue is the transport callback. It must not block the network goroutine.
func (s *Session) enqueue(m Message) {
	select {
	case s.inbound <- m:
	default:
		log.Warn().Str("topic", m.Topic).Msg("Inbound queue full, dropping message")
	}
}

func (s *Session) drainInbound() {
	for {
		select {
		case m := <-s.inbound:
			s.handle(m)
		default:
			return
		}
	}
}

func (s *Session) discardInbound() {
	for {
		select {
		case <-s.inbound:
		default:
			return
		}
	}
}

func (s *Session) handle(m Message) {
	cmd, err := ParseCommand(m.Payload)
	if err != nil {
		log.Debug().Err(err).Str("topic", m.Topic).Msg("Dropping command")
		return
	}

	index := -1
	for i := 0; i < s.cfg.RelayCount(); i++ {
		if TriggerTopic(s.cfg.ResolvedTopic(i)) == m.Topic {
			index = i
			break
		}
	}
	if index < 0 {
		log.Debug().Str("topic", m.Topic).Msg("No relay for topic")
		return
	}

	switch cmd.Action {
	case ActionOn:
		s.deps.Relays.SetState(index, true)
	case ActionOff:
		s.deps.Relays.SetState(index, false)
	case ActionPulse:
		s.deps.Relays.Pulse(index, time.Duration(cmd.Duration)*time.Millisecond)
	}

	on := s.deps.Relays.IsOn(index)
	log.Info().Int("relay", index).Str("action", cmd.Action).Int64("duration_ms", cmd.Duration).Msg("Relay command")
	s.deps.Journal.Record(db.EventRelayCommand, index, "mqtt", describe(cmd))
	s.deps.Metrics.RelayState(index, on)
	s.PublishRelayStatus(index, on)
}

func describe(cmd Command) string {
	if cmd.Action == ActionPulse {
		return fmt.Sprintf("pulse %dms", cmd.Duration)
	}
	return cmd.Action
}

// PublishRelayStatus announces a relay's state; it does nothing while disconnected.
func (s *Session) PublishRelayStatus(index int, on bool) {
	if s.state != Connected || index < 0 || index >= s.cfg.RelayCount() {
		return
	}
	s.PublishStatusTo(s.cfg.ResolvedTopic(index), on)
}

// PublishStatusTo announces a state on relay topic directly, for relays whose config is
// about to change.
func (s *Session) PublishStatusTo(topic string, on bool) {
	if s.state != Connected {
		return
	}
	status := StatusTopic(topic)
	if err := s.deps.Transport.Publish(status, relayStatusPayload(on), true); err != nil {
		log.Warn().Err(err).Str("topic", status).Msg("Status publish failed")
	}
}

// Invalidate drops the connection so the next Tick reconnects with the current config.
func (s *Session) Invalidate() {
	s.deps.Transport.Disconnect()
	s.state = Backoff
	s.lastErr = nil
	s.lastAttempt = time.Time{}
	s.authFailures = 0
	s.deps.Metrics.BrokerConnected(false)
}

// Close announces a graceful offline and disconnects.
func (s *Session) Close() {
	if s.state == Connected {
		if err := s.deps.Transport.Publish(DeviceStatusTopic(s.mac()), mustJSON(DeviceStatus{Online: false}), true); err != nil {
			log.Warn().Err(err).Msg("Failed to publish offline status")
		}
	}
	s.deps.Transport.Disconnect()
	s.state = Idle
	s.deps.Metrics.BrokerConnected(false)
}
