package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/gpio"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

func setup(t *testing.T) (*Controller, *gpio.Memory, *clock.Fake) {
	t.Helper()
	cfg := model.Defaults()
	cfg.Relays[0] = model.RelayConfig{Pin: 5, ActiveLow: true, Name: "Gate|door"}
	cfg.Relays[1] = model.RelayConfig{Pin: 6, ActiveLow: false, Name: "Garage|garage"}

	drv := gpio.NewMemory()
	clk := clock.NewFake(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	c := New(drv, clk)
	c.Begin(&cfg)
	return c, drv, clk
}

func level(t *testing.T, d *gpio.Memory, pin int) bool {
	t.Helper()
	l, err := d.Level(pin)
	require.NoError(t, err)
	return l
}

func TestBegin_DrivesInactiveLevels(t *testing.T) {
	c, drv, _ := setup(t)
	assert.Equal(t, 2, c.Count())
	assert.True(t, level(t, drv, 5), "active-low relay idles high")
	assert.False(t, level(t, drv, 6), "active-high relay idles low")
	assert.False(t, c.IsOn(0))
	assert.False(t, c.IsOn(1))
}

func TestBegin_SkipsUnusedSlots(t *testing.T) {
	cfg := model.Defaults()
	cfg.Relays[0].Pin = model.NoPin
	cfg.Relays[1] = model.RelayConfig{Pin: 7}

	drv := gpio.NewMemory()
	c := New(drv, clock.NewFake(time.Now()))
	c.Begin(&cfg)

	assert.Equal(t, 0, c.Count())
	assert.Equal(t, []gpio.Record{{Pin: 7, High: false}}, drv.Writes())
}

func TestSetState_Polarity(t *testing.T) {
	c, drv, _ := setup(t)

	c.SetState(0, true)
	assert.False(t, level(t, drv, 5))
	assert.True(t, c.IsOn(0))

	c.SetState(1, true)
	assert.True(t, level(t, drv, 6))

	c.SetState(0, false)
	assert.True(t, level(t, drv, 5))
	assert.False(t, c.IsOn(0))
}

func TestOutOfRangeIsNoop(t *testing.T) {
	c, drv, _ := setup(t)
	before := len(drv.Writes())

	c.SetState(2, true)
	c.SetState(-1, true)
	c.Pulse(3, time.Second)
	assert.False(t, c.Toggle(2))
	assert.Equal(t, Off, c.State(9))

	assert.Len(t, drv.Writes(), before)
}

func TestPulse(t *testing.T) {
	c, drv, clk := setup(t)

	c.Pulse(0, 500*time.Millisecond)
	assert.Equal(t, Pulsing, c.State(0))
	assert.False(t, level(t, drv, 5), "relay 0 is ON immediately")

	clk.Advance(499 * time.Millisecond)
	assert.Empty(t, c.Update())
	assert.True(t, c.IsOn(0))

	clk.Advance(time.Millisecond)
	assert.Equal(t, []int{0}, c.Update())
	assert.False(t, c.IsOn(0))
	assert.True(t, level(t, drv, 5))

	writes := len(drv.Writes())
	clk.Advance(time.Second)
	assert.Empty(t, c.Update(), "pulse completes exactly once")
	assert.Len(t, drv.Writes(), writes)
}

func TestPulse_UnaffectedByTimeSync(t *testing.T) {
	t.Run("clock jumps forward", func(t *testing.T) {
		c, _, clk := setup(t)
		c.Pulse(0, 10*time.Second)

		clk.SetOffset(time.Hour)
		assert.Empty(t, c.Update())
		assert.Equal(t, Pulsing, c.State(0))

		clk.Advance(10 * time.Second)
		assert.Equal(t, []int{0}, c.Update())
	})

	t.Run("clock jumps back", func(t *testing.T) {
		c, _, clk := setup(t)
		c.Pulse(0, 10*time.Second)

		clk.SetOffset(-time.Hour)
		clk.Advance(10 * time.Second)
		assert.Equal(t, []int{0}, c.Update())
	})
}

func TestSetStateCancelsPulse(t *testing.T) {
	c, _, clk := setup(t)

	c.Pulse(0, time.Second)
	c.SetState(0, true)
	clk.Advance(2 * time.Second)

	assert.Empty(t, c.Update())
	assert.Equal(t, On, c.State(0))
}

func TestToggle(t *testing.T) {
	c, drv, _ := setup(t)

	assert.True(t, c.Toggle(1))
	assert.True(t, level(t, drv, 6))
	assert.False(t, c.Toggle(1))
	assert.False(t, level(t, drv, 6))

	c.Pulse(1, time.Minute)
	assert.False(t, c.Toggle(1), "toggling a pulsing relay turns it off")
}

func TestAllOff(t *testing.T) {
	c, drv, _ := setup(t)
	c.SetState(0, true)
	c.Pulse(1, time.Hour)

	c.AllOff()

	assert.False(t, c.IsOn(0))
	assert.False(t, c.IsOn(1))
	assert.True(t, level(t, drv, 5))
	assert.False(t, level(t, drv, 6))
}
