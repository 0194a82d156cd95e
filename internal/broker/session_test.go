package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/gpio"
	"github.com/thatsimonsguy/relay-controller/internal/identity"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/relay"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeTransport struct {
	connectErrs []error // consumed one per Connect; empty = success
	connects    []ConnectOptions
	connected   bool
	published   []published
	subscribed  []string
	onMessage   func(Message)
}

func (f *fakeTransport) Connect(o ConnectOptions) error {
	f.connects = append(f.connects, o)
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			f.connected = false
			return err
		}
	}
	f.connected = true
	f.onMessage = o.OnMessage
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) Publish(topic string, payload []byte, retained bool) error {
	f.published = append(f.published, published{topic, string(payload), retained})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, _ byte) error {
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) Disconnect() { f.connected = false }

func (f *fakeTransport) deliver(topic, payload string) {
	f.onMessage(Message{Topic: topic, Payload: []byte(payload)})
}

func (f *fakeTransport) publishedTo(topic string) []published {
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type fakeStore struct {
	saved   []model.DeviceConfig
	cert    []byte
	saveErr error
}

func (f *fakeStore) Save(cfg model.DeviceConfig) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, cfg)
	return nil
}

func (f *fakeStore) HasCert() bool { return f.cert != nil }

func (f *fakeStore) LoadCert() ([]byte, error) {
	if f.cert == nil {
		return nil, errors.New("no cert")
	}
	return f.cert, nil
}

type fakeRegistrar struct {
	calls []int
	fail  map[int]bool
}

func (f *fakeRegistrar) RegisterRelay(_ context.Context, cfg *model.DeviceConfig, index int) error {
	f.calls = append(f.calls, index)
	if f.fail[index] {
		return errors.New("registration refused")
	}
	cfg.Broker.User = "new-user"
	cfg.Broker.Password = "new-pass"
	cfg.Broker.Registered = true
	cfg.Relays[index].EnrollmentCode = ""
	return nil
}

type harness struct {
	cfg       *model.DeviceConfig
	clock     *clock.Fake
	transport *fakeTransport
	store     *fakeStore
	registrar *fakeRegistrar
	relays    *relay.Controller
	gpio      *gpio.Memory
	session   *Session
}

func newHarness(t *testing.T, cfg model.DeviceConfig) *harness {
	t.Helper()
	id, err := identity.Parse("aa:bb:cc:01:02:03")
	require.NoError(t, err)

	h := &harness{
		cfg:       &cfg,
		clock:     clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		transport: &fakeTransport{},
		store:     &fakeStore{},
		registrar: &fakeRegistrar{fail: map[int]bool{}},
		gpio:      gpio.NewMemory(),
	}
	h.relays = relay.New(h.gpio, h.clock)
	h.relays.Begin(h.cfg)

	opts := DefaultOptions()
	opts.FWVersion = "1.2.0"
	h.session = New(h.cfg, Deps{
		Transport: h.transport,
		Clock:     h.clock,
		Relays:    h.relays,
		Registrar: h.registrar,
		Store:     h.store,
		Identity:  id,
		LocalIP:   func() string { return "10.0.0.7" },
	}, opts)
	return h
}

func registeredConfig() model.DeviceConfig {
	cfg := model.Defaults()
	cfg.Broker.User = "u"
	cfg.Broker.Password = "p"
	cfg.Broker.Registered = true
	cfg.Relays[0] = model.RelayConfig{Pin: 5, ActiveLow: true, Name: "Front|door"}
	cfg.Relays[1] = model.RelayConfig{Pin: 6, ActiveLow: false, Name: "Garage"}
	return cfg
}

func authErr() error {
	return errors.Join(ErrAuthRejected, errors.New("bad user name or password"))
}

func TestConnect_Success(t *testing.T) {
	h := newHarness(t, registeredConfig())

	require.NoError(t, h.session.Connect())
	assert.Equal(t, Connected, h.session.State())

	require.Len(t, h.transport.connects, 1)
	o := h.transport.connects[0]
	assert.Equal(t, "ssl://smilart.ru:8883", o.URL)
	assert.Equal(t, "RELAY_AABBCC010203", o.ClientID)
	assert.Equal(t, "u", o.Username)
	assert.Equal(t, "sys/devices/AABBCC010203/status", o.WillTopic)
	assert.JSONEq(t, `{"online":false}`, string(o.WillPayload))
	require.NotNil(t, o.TLS)
	assert.True(t, o.TLS.InsecureSkipVerify)

	online := h.transport.publishedTo("sys/devices/AABBCC010203/status")
	require.Len(t, online, 1)
	assert.True(t, online[0].retained)
	assert.JSONEq(t, `{"online":true,"fw_version":"1.2.0","mac":"AA:BB:CC:01:02:03","ip":"10.0.0.7"}`, online[0].payload)

	assert.Equal(t, []string{"relay/door/trigger", "relay/Garage/trigger"}, h.transport.subscribed)
}

func TestConnect_RequiresCredentials(t *testing.T) {
	h := newHarness(t, model.Defaults())

	assert.ErrorIs(t, h.session.Connect(), ErrNoCredentials)
	assert.Equal(t, Idle, h.session.State())
	assert.Empty(t, h.transport.connects)
}

func TestConnect_PlainPort(t *testing.T) {
	cfg := registeredConfig()
	cfg.Broker.Host = "10.0.0.2"
	cfg.Broker.Port = model.PlainMQTTPort
	h := newHarness(t, cfg)

	require.NoError(t, h.session.Connect())
	assert.Equal(t, "tcp://10.0.0.2:1883", h.transport.connects[0].URL)
	assert.Nil(t, h.transport.connects[0].TLS)
}

func TestConnect_VerifiesAgainstStoredCA(t *testing.T) {
	cfg := registeredConfig()
	cfg.TLSSecure = true
	h := newHarness(t, cfg)
	h.store.cert = selfSignedDER(t)

	require.NoError(t, h.session.Connect())
	conf := h.transport.connects[0].TLS
	require.NotNil(t, conf)
	assert.False(t, conf.InsecureSkipVerify)
	assert.NotNil(t, conf.RootCAs)
	assert.Equal(t, "smilart.ru", conf.ServerName)
}

func TestConnect_TLSChecksCorrectedTime(t *testing.T) {
	cfg := registeredConfig()
	cfg.TLSSecure = true
	h := newHarness(t, cfg)
	h.store.cert = selfSignedDER(t)
	h.clock.SetOffset(365 * 24 * time.Hour)

	require.NoError(t, h.session.Connect())
	conf := h.transport.connects[0].TLS
	require.NotNil(t, conf.Time)
	assert.Equal(t, h.clock.Now(), conf.Time())
}

func TestConnect_BadStoredCAFallsBackToSystemRoots(t *testing.T) {
	cfg := registeredConfig()
	cfg.TLSSecure = true
	h := newHarness(t, cfg)
	h.store.cert = []byte("not a certificate")

	require.NoError(t, h.session.Connect())
	conf := h.transport.connects[0].TLS
	assert.False(t, conf.InsecureSkipVerify)
	assert.Nil(t, conf.RootCAs)
}

func TestTick_BacksOffBetweenAttempts(t *testing.T) {
	h := newHarness(t, registeredConfig())
	h.transport.connectErrs = []error{ErrConnectFailed, ErrConnectFailed}

	require.Error(t, h.session.Connect())
	assert.Equal(t, Backoff, h.session.State())

	h.clock.Advance(4 * time.Second)
	h.session.Tick()
	assert.Len(t, h.transport.connects, 1)

	h.clock.Advance(time.Second)
	h.session.Tick()
	assert.Len(t, h.transport.connects, 2)
	assert.Equal(t, 0, h.session.AuthFailures(), "non-auth failures are not counted")

	h.clock.Advance(5 * time.Second)
	h.session.Tick()
	assert.Len(t, h.transport.connects, 3)
	assert.Equal(t, Connected, h.session.State())
}

func TestTick_BackoffIgnoresTimeSync(t *testing.T) {
	h := newHarness(t, registeredConfig())
	h.transport.connectErrs = []error{ErrConnectFailed}

	require.Error(t, h.session.Connect())
	h.clock.SetOffset(-time.Hour)
	h.clock.Advance(5 * time.Second)
	h.session.Tick()
	assert.Len(t, h.transport.connects, 2)
	assert.Equal(t, Connected, h.session.State())
}

func TestTick_AuthFailuresTriggerReregistration(t *testing.T) {
	cfg := registeredConfig()
	cfg.Relays[0].EnrollmentCode = "123456"
	cfg.Relays[1].EnrollmentCode = "654321"
	h := newHarness(t, cfg)
	h.transport.connectErrs = []error{authErr(), authErr(), authErr()}

	require.ErrorIs(t, h.session.Connect(), ErrAuthRejected)
	for i := 0; i < 2; i++ {
		h.clock.Advance(5 * time.Second)
		h.session.Tick()
	}
	assert.Equal(t, 2, h.session.AuthFailures())
	assert.Empty(t, h.registrar.calls)
	assert.Len(t, h.transport.connects, 3)

	h.clock.Advance(5 * time.Second)
	h.session.Tick()

	assert.Equal(t, []int{0, 1}, h.registrar.calls, "one attempt per relay holding a code")
	assert.Equal(t, 0, h.session.AuthFailures())
	require.Len(t, h.store.saved, 1)
	assert.Equal(t, "new-user", h.store.saved[0].Broker.User)

	require.Len(t, h.transport.connects, 4, "reconnects in the same tick")
	assert.Equal(t, "new-user", h.transport.connects[3].Username)
	assert.Equal(t, Connected, h.session.State())
}

func TestTick_FailedReregistrationKeepsRetrying(t *testing.T) {
	cfg := registeredConfig()
	cfg.Relays[0].EnrollmentCode = "123456"
	h := newHarness(t, cfg)
	h.registrar.fail[0] = true
	h.transport.connectErrs = []error{authErr(), authErr(), authErr(), authErr(), authErr()}

	require.Error(t, h.session.Connect())
	for i := 0; i < 4; i++ {
		h.clock.Advance(5 * time.Second)
		h.session.Tick()
	}

	assert.Equal(t, []int{0, 0}, h.registrar.calls)
	assert.Empty(t, h.store.saved)
	assert.Equal(t, Backoff, h.session.State())
	assert.Equal(t, 4, h.session.AuthFailures())
}

func TestTick_UnsavedReregistrationIsDiscarded(t *testing.T) {
	cfg := registeredConfig()
	cfg.Relays[0].EnrollmentCode = "123456"
	h := newHarness(t, cfg)
	h.store.saveErr = errors.New("read-only filesystem")
	h.transport.connectErrs = []error{authErr(), authErr(), authErr(), authErr()}

	require.Error(t, h.session.Connect())
	for i := 0; i < 3; i++ {
		h.clock.Advance(5 * time.Second)
		h.session.Tick()
	}

	assert.Equal(t, []int{0}, h.registrar.calls)
	assert.Equal(t, 3, h.session.AuthFailures(), "counter not reset")
	assert.Equal(t, "u", h.cfg.Broker.User)
	assert.Equal(t, "123456", h.cfg.Relays[0].EnrollmentCode, "code kept for the next attempt")
	require.Len(t, h.transport.connects, 4)
	assert.Equal(t, "u", h.transport.connects[3].Username)
}

func TestTick_NoCodesNoReregistration(t *testing.T) {
	h := newHarness(t, registeredConfig())
	h.transport.connectErrs = []error{authErr(), authErr(), authErr(), authErr()}

	require.Error(t, h.session.Connect())
	for i := 0; i < 3; i++ {
		h.clock.Advance(5 * time.Second)
		h.session.Tick()
	}
	assert.Empty(t, h.registrar.calls)
	assert.Empty(t, h.store.saved)
}

func TestTick_ConnectedResetsCounterAndHeartbeats(t *testing.T) {
	h := newHarness(t, registeredConfig())
	h.transport.connectErrs = []error{authErr()}

	require.Error(t, h.session.Connect())
	h.clock.Advance(5 * time.Second)
	h.session.Tick()
	assert.Equal(t, 1, h.session.AuthFailures())
	require.Equal(t, Connected, h.session.State())

	h.session.Tick()
	assert.Equal(t, 0, h.session.AuthFailures())

	hbTopic := "sys/devices/AABBCC010203/heartbeat"
	h.clock.Advance(29 * time.Second)
	h.session.Tick()
	assert.Empty(t, h.transport.publishedTo(hbTopic))

	h.clock.Advance(time.Second)
	h.session.Tick()
	hb := h.transport.publishedTo(hbTopic)
	require.Len(t, hb, 1)
	assert.False(t, hb[0].retained)
	assert.Contains(t, hb[0].payload, `"ts":`)
	assert.Contains(t, hb[0].payload, `"heap":`)
}

func TestTick_DetectsDroppedConnection(t *testing.T) {
	h := newHarness(t, registeredConfig())
	require.NoError(t, h.session.Connect())

	h.transport.connected = false
	h.session.Tick()
	assert.Equal(t, Backoff, h.session.State())
	assert.ErrorIs(t, h.session.LastError(), ErrConnLost)

	h.clock.Advance(5 * time.Second)
	h.session.Tick()
	assert.Equal(t, Connected, h.session.State())
}

func TestInbound_PulseEndToEnd(t *testing.T) {
	h := newHarness(t, registeredConfig())
	require.NoError(t, h.session.Connect())

	h.transport.deliver("relay/door/trigger", `{"action":"pulse","duration":1000}`)
	h.session.Tick()

	assert.Equal(t, relay.Pulsing, h.relays.State(0))
	level, _ := h.gpio.Level(5)
	assert.False(t, level, "active-low relay driven on")

	status := h.transport.publishedTo("relay/door/status")
	require.Len(t, status, 1)
	assert.True(t, status[0].retained)
	assert.JSONEq(t, `{"state":"on"}`, status[0].payload)

	for elapsed := 0; elapsed < 990; elapsed += 10 {
		h.clock.Advance(10 * time.Millisecond)
		assert.Empty(t, h.relays.Update())
	}
	h.clock.Advance(10 * time.Millisecond)
	assert.Equal(t, []int{0}, h.relays.Update())
	assert.False(t, h.relays.IsOn(0))
	level, _ = h.gpio.Level(5)
	assert.True(t, level)

	assert.Len(t, h.transport.publishedTo("relay/door/status"), 1, "session does not announce pulse completion")
}

func TestInbound_OnOff(t *testing.T) {
	h := newHarness(t, registeredConfig())
	require.NoError(t, h.session.Connect())

	h.transport.deliver("relay/Garage/trigger", `{"action":"on"}`)
	h.session.Tick()
	assert.Equal(t, relay.On, h.relays.State(1))
	level, _ := h.gpio.Level(6)
	assert.True(t, level, "active-high relay")

	h.transport.deliver("relay/Garage/trigger", `{"action":"off"}`)
	h.session.Tick()
	assert.Equal(t, relay.Off, h.relays.State(1))

	status := h.transport.publishedTo("relay/Garage/status")
	require.Len(t, status, 2)
	assert.JSONEq(t, `{"state":"on"}`, status[0].payload)
	assert.JSONEq(t, `{"state":"off"}`, status[1].payload)
}

func TestInbound_DropsMalformedAndUnknown(t *testing.T) {
	h := newHarness(t, registeredConfig())
	require.NoError(t, h.session.Connect())
	before := len(h.transport.published)

	for _, m := range []Message{
		{"relay/door/trigger", []byte(`not json`)},
		{"relay/door/trigger", []byte(`{"action":"explode"}`)},
		{"relay/door/trigger", []byte(`{"action":"pulse"}`)},
		{"relay/door/trigger", []byte(`{"action":"pulse","duration":-5}`)},
		{"relay/unknown/trigger", []byte(`{"action":"on"}`)},
	} {
		h.transport.onMessage(m)
	}
	h.session.Tick()

	assert.Equal(t, relay.Off, h.relays.State(0))
	assert.Equal(t, relay.Off, h.relays.State(1))
	assert.Len(t, h.transport.published, before)
}

func TestInbound_FirstMatchingRelayWins(t *testing.T) {
	cfg := registeredConfig()
	cfg.Relays[1].Name = "Back|door"
	h := newHarness(t, cfg)
	require.NoError(t, h.session.Connect())

	h.transport.deliver("relay/door/trigger", `{"action":"on"}`)
	h.session.Tick()
	assert.True(t, h.relays.IsOn(0))
	assert.False(t, h.relays.IsOn(1))
}

func TestPublishRelayStatus_NoopWhenDisconnected(t *testing.T) {
	h := newHarness(t, registeredConfig())
	h.session.PublishRelayStatus(0, true)
	assert.Empty(t, h.transport.published)

	require.NoError(t, h.session.Connect())
	h.session.PublishRelayStatus(0, false)
	status := h.transport.publishedTo("relay/door/status")
	require.Len(t, status, 1)
	assert.JSONEq(t, `{"state":"off"}`, status[0].payload)
}

func TestInvalidateAndClose(t *testing.T) {
	h := newHarness(t, registeredConfig())
	require.NoError(t, h.session.Connect())

	h.cfg.Relays[1].Name = "Garage|garage"
	h.session.Invalidate()
	assert.Equal(t, Backoff, h.session.State())
	h.session.Tick()
	assert.Equal(t, Connected, h.session.State(), "reconnects on the next tick")
	assert.Contains(t, h.transport.subscribed, "relay/garage/trigger")

	h.session.Close()
	assert.Equal(t, Idle, h.session.State())
	assert.False(t, h.transport.connected)
	last := h.transport.published[len(h.transport.published)-1]
	assert.Equal(t, "sys/devices/AABBCC010203/status", last.topic)
	assert.JSONEq(t, `{"online":false}`, last.payload)
	assert.True(t, last.retained)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"pulse","duration":500}`))
	require.NoError(t, err)
	assert.Equal(t, Command{Action: ActionPulse, Duration: 500}, cmd)

	cmd, err = ParseCommand([]byte(`{"action":"on","duration":500}`))
	require.NoError(t, err)
	assert.Equal(t, ActionOn, cmd.Action)

	_, err = ParseCommand([]byte(`{"action":"pulse","duration":0}`))
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestAuthRejectedMatchesConnectFailed(t *testing.T) {
	assert.ErrorIs(t, authErr(), ErrConnectFailed)
	assert.NotErrorIs(t, ErrConnectFailed, ErrAuthRejected)
}

func selfSignedDER(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}
