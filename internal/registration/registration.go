package registration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/identity"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

var (
	ErrInvalidRelay          = errors.New("registration: relay index out of range")
	ErrNoEnrollmentCode      = errors.New("registration: relay has no enrollment code")
	ErrRegistrationHTTP      = errors.New("registration: request failed")
	ErrRegistrationMalformed = errors.New("registration: malformed response")
)

const maxResponseBytes = 64 << 10

type Request struct {
	Code       string `json:"code"`
	MAC        string `json:"mac"`
	RelayIndex int    `json:"relay_index"`
	FWVersion  string `json:"fw_version"`
}

type Response struct {
	MQTTUser string         `json:"mqtt_user"`
	MQTTPass string         `json:"mqtt_pass"`
	Relays   []RelayBinding `json:"relays"`
}

type RelayBinding struct {
	RelayIndex int    `json:"relay_index"`
	MQTTTopic  string `json:"mqtt_topic"`
}

// Client exchanges enrollment codes for MQTT credentials.
type Client struct {
	url       string
	id        identity.Identity
	fwVersion string
	http      *http.Client
}

// New builds a client for url. Server certificates are not verified: this bootstrap call
// trusts the fixed registration host.
func New(url string, id identity.Identity, fwVersion string, timeout time.Duration) *Client {
	return &Client{
		url:       url,
		id:        id,
		fwVersion: fwVersion,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// RegisterRelay enrolls relay index with its stored code. On success cfg receives the
// credentials and topic bindings and the relay's code is cleared; on failure cfg is untouched.
func (c *Client) RegisterRelay(ctx context.Context, cfg *model.DeviceConfig, index int) error {
	if index < 0 || index >= cfg.RelayCount() {
		return fmt.Errorf("%w: %d", ErrInvalidRelay, index)
	}
	code := cfg.Relays[index].EnrollmentCode
	if len(code) != model.EnrollmentCodeLength {
		return fmt.Errorf("%w: relay %d", ErrNoEnrollmentCode, index)
	}

	log.Info().Int("relay", index).Str("code", code).Msg("Registering relay")

	resp, err := c.post(ctx, Request{
		Code:       code,
		MAC:        c.id.String(),
		RelayIndex: index,
		FWVersion:  c.fwVersion,
	})
	if err != nil {
		log.Warn().Err(err).Int("relay", index).Msg("Registration failed")
		return err
	}

	updated := *cfg
	updated.Broker.User = resp.MQTTUser
	updated.Broker.Password = resp.MQTTPass
	updated.Broker.Registered = true
	for _, b := range resp.Relays {
		if b.RelayIndex < 0 || b.RelayIndex >= model.MaxRelays {
			log.Warn().Int("relay_index", b.RelayIndex).Msg("Ignoring binding for unknown relay")
			continue
		}
		updated.Relays[b.RelayIndex].Name = model.WithTopic(updated.Relays[b.RelayIndex].Name, b.MQTTTopic)
	}
	updated.Relays[index].EnrollmentCode = ""
	*cfg = updated

	log.Info().
		Int("relay", index).
		Str("mqtt_user", resp.MQTTUser).
		Int("bindings", len(resp.Relays)).
		Msg("Relay registered")
	return nil
}

func (c *Client) post(ctx context.Context, body Request) (*Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationHTTP, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationHTTP, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRegistrationHTTP, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationHTTP, err)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationMalformed, err)
	}
	if out.MQTTUser == "" || out.MQTTPass == "" {
		return nil, fmt.Errorf("%w: missing credentials", ErrRegistrationMalformed)
	}
	return &out, nil
}
