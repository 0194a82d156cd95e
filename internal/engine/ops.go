package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

var (
	ErrInvalidRelay = errors.New("relay index out of range")
	ErrInvalidName  = errors.New("relay name must not contain " + model.NameSeparator)
	ErrInvalidPin   = errors.New("invalid pin")
	ErrInvalidValue = errors.New("invalid setting")
	ErrNoCert       = errors.New("certificate validation needs a stored CA certificate")
)

type RelayStatus struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Pin       int    `json:"pin"`
	ActiveLow bool   `json:"active_low"`
	Valid     bool   `json:"valid"`
	On        bool   `json:"on"`
	State     string `json:"state"`
	HasCode   bool   `json:"has_code"`
}

type Status struct {
	MAC          string        `json:"mac"`
	IP           string        `json:"ip"`
	Registered   bool          `json:"registered"`
	HasCert      bool          `json:"has_cert"`
	TLSSecure    bool          `json:"tls_secure"`
	Timezone     string        `json:"timezone"`
	PrimarySSID  string        `json:"primary_ssid"`
	BackupSSID   string        `json:"backup_ssid"`
	BrokerHost   string        `json:"broker_host"`
	BrokerPort   uint16        `json:"broker_port"`
	WiFi         string        `json:"wifi"`
	Broker       string        `json:"broker"`
	AuthFailures int           `json:"auth_failures"`
	Relays       []RelayStatus `json:"relays"`

	// Rejected broker logins journaled over the last day. Filled in by the API server.
	RecentAuthFailures int `json:"recent_auth_failures"`
}

// WiFiSettings replaces both networks. An empty passphrase keeps the stored one for
// an unchanged SSID.
type WiFiSettings struct {
	PrimarySSID       string `json:"primary_ssid"`
	PrimaryPassphrase string `json:"primary_passphrase"`
	BackupSSID        string `json:"backup_ssid"`
	BackupPassphrase  string `json:"backup_passphrase"`
}

// RelayUpdate changes the fields that are set.
type RelayUpdate struct {
	Pin       *int    `json:"pin"`
	ActiveLow *bool   `json:"active_low"`
	Name      *string `json:"name"`
}

type Settings struct {
	TLSSecure  *bool   `json:"tls_secure"`
	Timezone   *string `json:"timezone"`
	BrokerHost *string `json:"broker_host"`
	BrokerPort *uint16 `json:"broker_port"`
}

type RegisterResult struct {
	Registered bool   `json:"registered"`
	Topic      string `json:"topic,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() { st = e.status() })
	return st, err
}

func (e *Engine) SetWiFi(ctx context.Context, w WiFiSettings) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = e.setWiFi(w) }); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) SetRelay(ctx context.Context, index int, u RelayUpdate) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = e.setRelay(index, u) }); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) SetSettings(ctx context.Context, s Settings) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = e.setSettings(s) }); err != nil {
		return err
	}
	return opErr
}

// Register stores code on relay index and tries to enroll right away. A failed attempt
// keeps the code for the next boot or the broker's re-registration path.
func (e *Engine) Register(ctx context.Context, index int, code string) (RegisterResult, error) {
	var (
		res   RegisterResult
		opErr error
	)
	if err := e.do(ctx, func() { res, opErr = e.registerCode(index, code) }); err != nil {
		return res, err
	}
	return res, opErr
}

// Reset erases the device config. Run returns ErrRestart on its next tick.
func (e *Engine) Reset(ctx context.Context) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = e.factoryReset() }); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) InstallCert(ctx context.Context, der []byte) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = e.installCert(der) }); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) RemoveCert(ctx context.Context) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = e.removeCert() }); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) status() Status {
	st := Status{
		MAC:          e.deps.Identity.String(),
		IP:           e.conn.LocalIP(),
		Registered:   e.cfg.Broker.Registered,
		HasCert:      e.deps.Store.HasCert(),
		TLSSecure:    e.cfg.TLSSecure,
		Timezone:     e.cfg.Timezone,
		PrimarySSID:  e.cfg.PrimaryWiFi.SSID,
		BackupSSID:   e.cfg.BackupWiFi.SSID,
		BrokerHost:   e.cfg.Broker.Host,
		BrokerPort:   e.cfg.Broker.Port,
		WiFi:         e.conn.State().String(),
		Broker:       e.session.State().String(),
		AuthFailures: e.session.AuthFailures(),
	}
	for i, rc := range e.cfg.Relays {
		display, _ := model.DecodeName(rc.Name)
		st.Relays = append(st.Relays, RelayStatus{
			Index:     i,
			Name:      display,
			Topic:     e.cfg.ResolvedTopic(i),
			Pin:       rc.Pin,
			ActiveLow: rc.ActiveLow,
			Valid:     i < e.cfg.RelayCount(),
			On:        e.relays.IsOn(i),
			State:     e.relays.State(i).String(),
			HasCode:   rc.EnrollmentCode != "",
		})
	}
	return st
}

func (e *Engine) setWiFi(w WiFiSettings) error {
	next := e.cfg
	next.PrimaryWiFi = mergeWiFi(e.cfg.PrimaryWiFi, w.PrimarySSID, w.PrimaryPassphrase)
	next.BackupWiFi = mergeWiFi(e.cfg.BackupWiFi, w.BackupSSID, w.BackupPassphrase)
	if err := e.commit(next); err != nil {
		return err
	}
	e.deps.Journal.Record(db.EventConfigChange, -1, "api", "wifi")
	log.Info().Str("primary", next.PrimaryWiFi.SSID).Str("backup", next.BackupWiFi.SSID).Msg("WiFi settings saved")
	e.reconnectWiFi = true
	return nil
}

func mergeWiFi(cur model.WiFiCredentials, ssid, passphrase string) model.WiFiCredentials {
	if passphrase == "" && ssid == cur.SSID {
		passphrase = cur.Passphrase
	}
	return model.WiFiCredentials{SSID: ssid, Passphrase: passphrase}
}

func (e *Engine) setRelay(index int, u RelayUpdate) error {
	if index < 0 || index >= model.MaxRelays {
		return fmt.Errorf("%w: %d", ErrInvalidRelay, index)
	}
	next := e.cfg
	rc := &next.Relays[index]
	if u.Pin != nil {
		if *u.Pin < model.NoPin {
			return fmt.Errorf("%w: %d", ErrInvalidPin, *u.Pin)
		}
		rc.Pin = *u.Pin
	}
	if u.ActiveLow != nil {
		rc.ActiveLow = *u.ActiveLow
	}
	if u.Name != nil {
		if strings.Contains(*u.Name, model.NameSeparator) {
			return ErrInvalidName
		}
		_, topic := model.DecodeName(rc.Name)
		if topic == "" {
			rc.Name = *u.Name
		} else {
			rc.Name = model.EncodeName(*u.Name, topic)
		}
	}
	prev := e.cfg
	var wasOn []int
	for i := 0; i < e.relays.Count(); i++ {
		if e.relays.IsOn(i) {
			wasOn = append(wasOn, i)
		}
	}
	if err := e.commit(next); err != nil {
		return err
	}
	e.deps.Journal.Record(db.EventConfigChange, index, "api", "relay")

	e.relays.AllOff()
	for _, i := range wasOn {
		e.deps.Metrics.RelayState(i, false)
		e.session.PublishStatusTo(prev.ResolvedTopic(i), false)
	}
	e.relays.Begin(&e.cfg)
	e.session.Invalidate()
	return nil
}

func (e *Engine) setSettings(s Settings) error {
	next := e.cfg
	if s.TLSSecure != nil {
		if *s.TLSSecure && !e.deps.Store.HasCert() {
			return ErrNoCert
		}
		next.TLSSecure = *s.TLSSecure
	}
	if s.BrokerHost != nil {
		if *s.BrokerHost == "" {
			return fmt.Errorf("%w: broker host is empty", ErrInvalidValue)
		}
		next.Broker.Host = *s.BrokerHost
	}
	if s.BrokerPort != nil {
		if *s.BrokerPort == 0 {
			return fmt.Errorf("%w: broker port is zero", ErrInvalidValue)
		}
		next.Broker.Port = *s.BrokerPort
	}
	if s.Timezone != nil {
		if err := e.conn.SetTimezone(*s.Timezone); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		next.Timezone = *s.Timezone
	}
	if err := e.commit(next); err != nil {
		return err
	}
	e.deps.Journal.Record(db.EventConfigChange, -1, "api", "settings")

	if s.TLSSecure != nil || s.BrokerHost != nil || s.BrokerPort != nil {
		e.session.Invalidate()
	}
	return nil
}

func (e *Engine) registerCode(index int, code string) (RegisterResult, error) {
	if index < 0 || index >= e.cfg.RelayCount() {
		return RegisterResult{}, fmt.Errorf("%w: %d", ErrInvalidRelay, index)
	}
	if code == "" {
		return RegisterResult{}, model.ErrInvalidEnrollmentCode
	}
	next := e.cfg
	if err := next.SetEnrollmentCode(index, code); err != nil {
		return RegisterResult{}, err
	}
	if err := e.commit(next); err != nil {
		return RegisterResult{}, err
	}

	if !e.conn.ReconnectIfNeeded(&e.cfg) {
		return RegisterResult{Error: "offline, code saved for later"}, nil
	}
	if err := e.register(index); err != nil {
		return RegisterResult{Error: err.Error()}, nil
	}
	e.session.Invalidate()
	return RegisterResult{Registered: true, Topic: e.cfg.ResolvedTopic(index)}, nil
}

func (e *Engine) factoryReset() error {
	if err := e.deps.Store.Reset(); err != nil {
		return err
	}
	log.Warn().Msg("Factory reset, restarting")
	e.relays.AllOff()
	e.restart = true
	return nil
}

func (e *Engine) installCert(der []byte) error {
	if err := e.deps.Store.SaveCert(der); err != nil {
		return err
	}
	log.Info().Int("bytes", len(der)).Msg("CA certificate installed")
	if e.cfg.TLSSecure {
		e.session.Invalidate()
	}
	return nil
}

func (e *Engine) removeCert() error {
	if err := e.deps.Store.DeleteCert(); err != nil {
		return err
	}
	log.Info().Msg("CA certificate removed")
	if e.cfg.TLSSecure {
		e.session.Invalidate()
	}
	return nil
}
