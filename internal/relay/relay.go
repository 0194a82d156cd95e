package relay

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/gpio"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

type State int

const (
	Off State = iota
	On
	Pulsing
)

func (s State) String() string {
	switch s {
	case On:
		return "on"
	case Pulsing:
		return "pulsing"
	default:
		return "off"
	}
}

type slot struct {
	pin       int
	activeLow bool
	state     State
	pulseEnd  time.Time
}

// Controller owns relay output levels and pulse timers. Indices at or beyond the relay
// count are ignored.
type Controller struct {
	driver gpio.Driver
	clock  clock.Clock
	slots  [model.MaxRelays]slot
	count  int
}

func New(driver gpio.Driver, clk clock.Clock) *Controller {
	c := &Controller{driver: driver, clock: clk}
	for i := range c.slots {
		c.slots[i].pin = model.NoPin
	}
	return c
}

// Begin configures every valid slot as an output driven to its inactive level.
func (c *Controller) Begin(cfg *model.DeviceConfig) {
	c.count = cfg.RelayCount()
	for i := range c.slots {
		rc := cfg.Relays[i]
		c.slots[i] = slot{pin: model.NoPin}
		if !rc.Valid() {
			continue
		}
		c.slots[i] = slot{pin: rc.Pin, activeLow: rc.ActiveLow, state: Off}

		inactive := c.level(i, false)
		if err := c.driver.ConfigureOutput(rc.Pin, inactive); err != nil {
			log.Error().Err(err).Int("relay", i).Int("pin", rc.Pin).Msg("Failed to configure relay output")
			continue
		}
		if level, err := c.driver.Level(rc.Pin); err == nil && level != inactive {
			log.Warn().Int("relay", i).Int("pin", rc.Pin).Msg("Relay pin did not settle at its inactive level")
		}
	}
	log.Info().Int("relays", c.count).Msg("Relays initialised")
}

func (c *Controller) Count() int {
	return c.count
}

func (c *Controller) SetState(i int, on bool) {
	if !c.inRange(i) {
		return
	}
	c.drive(i, on)
	if on {
		c.slots[i].state = On
	} else {
		c.slots[i].state = Off
	}
	c.slots[i].pulseEnd = time.Time{}
	log.Info().Int("relay", i).Bool("on", on).Msg("Relay set")
}

// Pulse drives relay i on and schedules it off after d. Completion is observed by Update.
func (c *Controller) Pulse(i int, d time.Duration) {
	if !c.inRange(i) {
		return
	}
	c.drive(i, true)
	c.slots[i].state = Pulsing
	c.slots[i].pulseEnd = c.clock.Monotonic().Add(d)
	log.Info().Int("relay", i).Dur("duration", d).Msg("Relay pulse started")
}

func (c *Controller) Toggle(i int) bool {
	if !c.inRange(i) {
		return false
	}
	on := c.slots[i].state == Off
	c.SetState(i, on)
	return on
}

func (c *Controller) IsOn(i int) bool {
	if !c.inRange(i) {
		return false
	}
	return c.slots[i].state != Off
}

func (c *Controller) State(i int) State {
	if !c.inRange(i) {
		return Off
	}
	return c.slots[i].state
}

// Update ends expired pulses and returns the indices that were switched off.
func (c *Controller) Update() []int {
	var done []int
	now := c.clock.Monotonic()
	for i := 0; i < c.count; i++ {
		s := &c.slots[i]
		if s.state != Pulsing || now.Before(s.pulseEnd) {
			continue
		}
		c.drive(i, false)
		s.state = Off
		s.pulseEnd = time.Time{}
		done = append(done, i)
		log.Info().Int("relay", i).Msg("Relay pulse finished")
	}
	return done
}

// AllOff drives every configured relay to its inactive level.
func (c *Controller) AllOff() {
	for i := range c.slots {
		if c.slots[i].pin == model.NoPin {
			continue
		}
		c.drive(i, false)
		c.slots[i].state = Off
		c.slots[i].pulseEnd = time.Time{}
	}
}

func (c *Controller) inRange(i int) bool {
	return i >= 0 && i < c.count
}

func (c *Controller) level(i int, on bool) bool {
	if c.slots[i].activeLow {
		return !on
	}
	return on
}

func (c *Controller) drive(i int, on bool) {
	if err := c.driver.Write(c.slots[i].pin, c.level(i, on)); err != nil {
		log.Error().Err(err).Int("relay", i).Int("pin", c.slots[i].pin).Msg("Failed to drive relay")
	}
}
