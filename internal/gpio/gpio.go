package gpio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	gpiocdev "github.com/warthog618/go-gpiocdev"

	"github.com/thatsimonsguy/relay-controller/internal/pinctrl"
)

// Driver writes physical output levels. Polarity is handled by the caller.
type Driver interface {
	ConfigureOutput(pin int, high bool) error
	Write(pin int, high bool) error
	Level(pin int) (bool, error)
	Close() error
}

// New returns the driver named by kind: "cdev", "pinctrl" or "memory".
func New(kind, chip string) (Driver, error) {
	switch kind {
	case "cdev", "":
		return NewCdev(chip)
	case "pinctrl":
		return Pinctrl{}, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", kind)
	}
}

// Pinctrl drives pins through the Raspberry Pi pinctrl tool.
type Pinctrl struct{}

func (Pinctrl) ConfigureOutput(pin int, high bool) error {
	return pinctrl.DriveOutput(pin, high)
}

func (Pinctrl) Write(pin int, high bool) error {
	return pinctrl.DriveOutput(pin, high)
}

func (Pinctrl) Level(pin int) (bool, error) {
	return pinctrl.ReadLevel(pin)
}

func (Pinctrl) Close() error { return nil }

// Cdev drives pins through the Linux GPIO character device.
type Cdev struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

func NewCdev(chipName string) (*Cdev, error) {
	if chipName == "" {
		chipName = "gpiochip0"
	}
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer("relay-controller"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", chipName, err)
	}
	log.Info().Str("chip", chipName).Msg("GPIO chip opened")
	return &Cdev{chip: chip, lines: make(map[int]*gpiocdev.Line)}, nil
}

func (c *Cdev) ConfigureOutput(pin int, high bool) error {
	if line, ok := c.lines[pin]; ok {
		return line.SetValue(toValue(high))
	}
	line, err := c.chip.RequestLine(pin, gpiocdev.AsOutput(toValue(high)))
	if err != nil {
		return fmt.Errorf("failed to request line %d: %w", pin, err)
	}
	c.lines[pin] = line
	return nil
}

func (c *Cdev) Write(pin int, high bool) error {
	line, ok := c.lines[pin]
	if !ok {
		return c.ConfigureOutput(pin, high)
	}
	return line.SetValue(toValue(high))
}

func (c *Cdev) Level(pin int) (bool, error) {
	line, ok := c.lines[pin]
	if !ok {
		return false, fmt.Errorf("line %d not requested", pin)
	}
	v, err := line.Value()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (c *Cdev) Close() error {
	for pin, line := range c.lines {
		if err := line.Close(); err != nil {
			log.Warn().Err(err).Int("pin", pin).Msg("Failed to release GPIO line")
		}
	}
	c.lines = make(map[int]*gpiocdev.Line)
	return c.chip.Close()
}

func toValue(high bool) int {
	if high {
		return 1
	}
	return 0
}

// Memory records levels without touching hardware. Used in safe mode and tests.
type Memory struct {
	mu     sync.Mutex
	levels map[int]bool
	writes []Record
}

type Record struct {
	Pin  int
	High bool
}

func NewMemory() *Memory {
	return &Memory{levels: make(map[int]bool)}
}

func (m *Memory) ConfigureOutput(pin int, high bool) error {
	return m.Write(pin, high)
}

func (m *Memory) Write(pin int, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = high
	m.writes = append(m.writes, Record{Pin: pin, High: high})
	return nil
}

func (m *Memory) Level(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Writes returns every write recorded so far.
func (m *Memory) Writes() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.writes...)
}

func (m *Memory) Close() error { return nil }
