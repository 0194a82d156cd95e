package model

import (
	"errors"
	"strings"
)

const (
	// MaxRelays is the number of relay slots a device carries.
	MaxRelays = 4

	// NoPin marks an unused relay slot.
	NoPin = -1

	EnrollmentCodeLength = 6
	NameSeparator        = "|"

	DefaultCloudHost = "smilart.ru"
	DefaultMQTTPort  = 8883
	PlainMQTTPort    = 1883
)

var ErrInvalidEnrollmentCode = errors.New("enrollment code must be empty or exactly 6 digits")

type WiFiCredentials struct {
	SSID       string
	Passphrase string
}

type Broker struct {
	Host       string
	Port       uint16
	User       string
	Password   string
	Registered bool
}

type RelayConfig struct {
	Pin            int
	ActiveLow      bool
	Name           string // "display|topic"
	EnrollmentCode string
}

type DeviceConfig struct {
	PrimaryWiFi WiFiCredentials
	BackupWiFi  WiFiCredentials
	Broker      Broker
	TLSSecure   bool
	Timezone    string
	Relays      [MaxRelays]RelayConfig
}

// Defaults returns the factory configuration: one relay, cloud host preset, unregistered.
func Defaults() DeviceConfig {
	cfg := DeviceConfig{
		Broker: Broker{
			Host: DefaultCloudHost,
			Port: DefaultMQTTPort,
		},
	}
	for i := range cfg.Relays {
		cfg.Relays[i] = RelayConfig{Pin: NoPin, ActiveLow: true}
	}
	cfg.Relays[0] = RelayConfig{Pin: 5, ActiveLow: true, Name: "Relay 1"}
	return cfg
}

func (r RelayConfig) Valid() bool {
	return r.Pin > NoPin
}

// RelayCount counts contiguous valid slots from index 0; the scan stops at the first unused slot.
func (c *DeviceConfig) RelayCount() int {
	n := 0
	for n < MaxRelays && c.Relays[n].Valid() {
		n++
	}
	return n
}

// ResolvedTopic returns the MQTT topic suffix for relay i. Until registration has bound a
// topic the display name is used.
func (c *DeviceConfig) ResolvedTopic(i int) string {
	if i < 0 || i >= MaxRelays {
		return ""
	}
	display, topic := DecodeName(c.Relays[i].Name)
	if topic != "" {
		return topic
	}
	return display
}

// SetEnrollmentCode stores code on relay i after validating it.
func (c *DeviceConfig) SetEnrollmentCode(i int, code string) error {
	if i < 0 || i >= MaxRelays {
		return errors.New("relay index out of range")
	}
	if err := ValidateEnrollmentCode(code); err != nil {
		return err
	}
	c.Relays[i].EnrollmentCode = code
	return nil
}

func (c *DeviceConfig) HasCredentials() bool {
	return c.Broker.User != ""
}

func ValidateEnrollmentCode(code string) error {
	if code == "" {
		return nil
	}
	if len(code) != EnrollmentCodeLength {
		return ErrInvalidEnrollmentCode
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return ErrInvalidEnrollmentCode
		}
	}
	return nil
}

func EncodeName(display, topic string) string {
	return display + NameSeparator + topic
}

// DecodeName splits on the first separator. Without one the whole string is the display name.
func DecodeName(name string) (display, topic string) {
	display, topic, found := strings.Cut(name, NameSeparator)
	if !found {
		return name, ""
	}
	return display, topic
}

// WithTopic keeps the display part of name and replaces its topic.
func WithTopic(name, topic string) string {
	display, _ := DecodeName(name)
	return EncodeName(display, topic)
}
