package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Ntfy posts operator alerts to an ntfy server. A nil *Ntfy sends nothing.
type Ntfy struct {
	client *http.Client
	server string
	topic  string
	tags   []string
}

// New returns nil, disabling alerts, when topic is empty.
func New(server, topic string, tags []string) *Ntfy {
	if topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return nil
	}

	n := &Ntfy{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		server: strings.TrimRight(server, "/"),
		topic:  topic,
		tags:   tags,
	}

	log.Info().
		Str("server", n.server).
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
	return n
}

// Notify sends in the background; failures are only logged.
func (n *Ntfy) Notify(title, message string) {
	if n == nil {
		return
	}
	go func() {
		if err := n.Send(title, message); err != nil {
			log.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
		}
	}()
}

// Send publishes one message and waits for the server to accept it.
func (n *Ntfy) Send(title, message string) error {
	if n == nil {
		return fmt.Errorf("notifications not initialized")
	}

	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}
	if len(n.tags) > 0 {
		payload["tags"] = n.tags
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// ntfy takes JSON publishes on the server root; the topic is in the body.
	req, err := http.NewRequest(http.MethodPost, n.server+"/", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}
