package store

import (
	"encoding/json"
	"fmt"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

// wireConfig is the persisted layout. Keys are kept short to keep the record small.
type wireConfig struct {
	W1S string      `json:"w1s"`
	W1P string      `json:"w1p"`
	W2S string      `json:"w2s"`
	W2P string      `json:"w2p"`
	MH  *string     `json:"mh"`
	MP  *uint16     `json:"mp"`
	MU  string      `json:"mu"`
	MPS string      `json:"mps"`
	Reg bool        `json:"reg"`
	TLS bool        `json:"tls"`
	TZ  string      `json:"tz"`
	RL  []wireRelay `json:"rl"`
}

type wireRelay struct {
	P  *int    `json:"p"`
	AL *bool   `json:"al"`
	N  *string `json:"n"`
	C  string  `json:"c"`
}

func encode(cfg model.DeviceConfig) ([]byte, error) {
	host := cfg.Broker.Host
	port := cfg.Broker.Port
	w := wireConfig{
		W1S: cfg.PrimaryWiFi.SSID,
		W1P: cfg.PrimaryWiFi.Passphrase,
		W2S: cfg.BackupWiFi.SSID,
		W2P: cfg.BackupWiFi.Passphrase,
		MH:  &host,
		MP:  &port,
		MU:  cfg.Broker.User,
		MPS: cfg.Broker.Password,
		Reg: cfg.Broker.Registered,
		TLS: cfg.TLSSecure,
		TZ:  cfg.Timezone,
		RL:  make([]wireRelay, 0, model.MaxRelays),
	}
	// every slot is written, unused ones included, so a reload reproduces the same config
	for i := range cfg.Relays {
		r := cfg.Relays[i]
		w.RL = append(w.RL, wireRelay{P: &r.Pin, AL: &r.ActiveLow, N: &r.Name, C: r.EnrollmentCode})
	}
	return json.Marshal(w)
}

func decode(data []byte) (model.DeviceConfig, error) {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return model.DeviceConfig{}, fmt.Errorf("json: %w", err)
	}
	if len(w.RL) > model.MaxRelays {
		return model.DeviceConfig{}, fmt.Errorf("%d relay slots, max %d", len(w.RL), model.MaxRelays)
	}

	cfg := model.DeviceConfig{
		PrimaryWiFi: model.WiFiCredentials{SSID: w.W1S, Passphrase: w.W1P},
		BackupWiFi:  model.WiFiCredentials{SSID: w.W2S, Passphrase: w.W2P},
		Broker: model.Broker{
			Host:       model.DefaultCloudHost,
			Port:       model.DefaultMQTTPort,
			User:       w.MU,
			Password:   w.MPS,
			Registered: w.Reg,
		},
		TLSSecure: w.TLS,
		Timezone:  w.TZ,
	}
	if w.MH != nil {
		cfg.Broker.Host = *w.MH
	}
	if w.MP != nil {
		if *w.MP == 0 {
			return model.DeviceConfig{}, fmt.Errorf("broker port is zero")
		}
		cfg.Broker.Port = *w.MP
	}

	for i := range cfg.Relays {
		cfg.Relays[i] = model.RelayConfig{Pin: model.NoPin, ActiveLow: true}
	}
	for i, r := range w.RL {
		slot := model.RelayConfig{Pin: model.NoPin, ActiveLow: true, Name: "Relay", EnrollmentCode: r.C}
		if r.P != nil {
			slot.Pin = *r.P
		}
		if r.AL != nil {
			slot.ActiveLow = *r.AL
		}
		if r.N != nil {
			slot.Name = *r.N
		}
		if slot.Pin < model.NoPin {
			return model.DeviceConfig{}, fmt.Errorf("relay %d: invalid pin %d", i, slot.Pin)
		}
		if err := model.ValidateEnrollmentCode(slot.EnrollmentCode); err != nil {
			return model.DeviceConfig{}, fmt.Errorf("relay %d: %w", i, err)
		}
		cfg.Relays[i] = slot
	}
	return cfg, nil
}
