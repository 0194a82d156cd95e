package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/engine"
)

// Client talks to a running controller's local API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) SetWiFi(ctx context.Context, w engine.WiFiSettings) error {
	return c.do(ctx, http.MethodPut, "/api/wifi", w, nil)
}

func (c *Client) SetRelay(ctx context.Context, index int, u engine.RelayUpdate) error {
	return c.do(ctx, http.MethodPut, "/api/relays/"+strconv.Itoa(index), u, nil)
}

func (c *Client) SetSettings(ctx context.Context, s engine.Settings) error {
	return c.do(ctx, http.MethodPut, "/api/settings", s, nil)
}

func (c *Client) Register(ctx context.Context, index int, code string) (engine.RegisterResult, error) {
	var res engine.RegisterResult
	err := c.do(ctx, http.MethodPost, "/api/relays/"+strconv.Itoa(index)+"/register", RegisterRequest{Code: code}, &res)
	return res, err
}

func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/reset", nil, nil)
}

// InstallCert uploads a PEM or DER certificate.
func (c *Client) InstallCert(ctx context.Context, cert []byte) error {
	return c.send(ctx, http.MethodPut, "/api/cert", "application/octet-stream", bytes.NewReader(cert), nil)
}

func (c *Client) RemoveCert(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/cert", nil, nil)
}

// Events lists journal entries, newest first. relay < 0 selects all relays.
func (c *Client) Events(ctx context.Context, limit, relay int) ([]db.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if relay >= 0 {
		q.Set("relay", strconv.Itoa(relay))
	}
	var events []db.Event
	err := c.do(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil, &events)
	return events, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.send(ctx, method, path, "application/json", body, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
