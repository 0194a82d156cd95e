package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type point struct {
	name  string
	value float64
	tags  []string
}

type recorder struct {
	points []point
	closed bool
	err    error
}

func (r *recorder) Gauge(name string, value float64, tags []string, _ float64) error {
	r.points = append(r.points, point{name, value, tags})
	return r.err
}

func (r *recorder) Count(name string, value int64, tags []string, _ float64) error {
	r.points = append(r.points, point{name, float64(value), tags})
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestMetrics(t *testing.T) {
	rec := &recorder{}
	m := &Metrics{client: rec}

	m.RelayState(2, true)
	m.BrokerConnected(false)
	m.AuthFailure()
	m.Registration(0, true)
	m.Heap(1024)
	m.Close()

	assert.Equal(t, []point{
		{"relay.state", 1, []string{"relay:2"}},
		{"broker.connected", 0, nil},
		{"broker.auth_failures", 1, nil},
		{"registration.attempts", 1, []string{"relay:0", "success:true"}},
		{"runtime.heap_free", 1024, nil},
	}, rec.points)
	assert.True(t, rec.closed)
}

func TestMetrics_ErrorsAreSwallowed(t *testing.T) {
	m := &Metrics{client: &recorder{err: errors.New("agent down")}}
	assert.NotPanics(t, func() { m.RelayState(0, false) })
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RelayState(0, true)
		m.AuthFailure()
		m.Close()
	})

	assert.NotPanics(t, func() { (&Metrics{}).Heap(1) })
}
