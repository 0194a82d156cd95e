package metrics

import (
	"strconv"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

// Sink is the part of the DogStatsD client Metrics uses.
type Sink interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Close() error
}

// Metrics emits DogStatsD metrics. A nil *Metrics, or one whose agent could not be
// reached, drops everything.
type Metrics struct {
	client Sink
}

func New(addr, namespace string, tags []string) *Metrics {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace), statsd.WithTags(tags))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return &Metrics{}
	}

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")
	return &Metrics{client: client}
}

// NewWithSink emits to s instead of a DogStatsD agent.
func NewWithSink(s Sink) *Metrics {
	return &Metrics{client: s}
}

func (m *Metrics) Gauge(name string, value float64, tags ...string) {
	if m == nil || m.client == nil {
		return
	}
	if err := m.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (m *Metrics) Count(name string, value int64, tags ...string) {
	if m == nil || m.client == nil {
		return
	}
	if err := m.client.Count(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
	}
}

func (m *Metrics) RelayState(index int, on bool) {
	m.Gauge("relay.state", boolValue(on), "relay:"+strconv.Itoa(index))
}

func (m *Metrics) BrokerConnected(connected bool) {
	m.Gauge("broker.connected", boolValue(connected))
}

func (m *Metrics) AuthFailure() {
	m.Count("broker.auth_failures", 1)
}

func (m *Metrics) Registration(index int, ok bool) {
	m.Count("registration.attempts", 1, "relay:"+strconv.Itoa(index), "success:"+strconv.FormatBool(ok))
}

func (m *Metrics) Heap(bytes uint64) {
	m.Gauge("runtime.heap_free", float64(bytes))
}

func (m *Metrics) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Close()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
