// Package webhook is an illustrative engine.Channel implementation that
// POSTs an Alert as JSON to a configured URL. It exists so ChannelSet's
// fan-out (spec §4.8) is exercised against a real transport in tests, not
// only a mock.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/r3e-network/sentryd/engine"
)

// Payload is the wire shape posted to the webhook URL.
type Payload struct {
	ID        string            `json:"id"`
	ProbeID   string            `json:"probeId"`
	RuleID    string            `json:"ruleId"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Entities  map[string]string `json:"entities,omitempty"`
}

// Channel delivers alerts via HTTP POST.
type Channel struct {
	name   string
	url    string
	client *http.Client
}

// New creates a webhook Channel named name, posting to url.
func New(name, url string) *Channel {
	return &Channel{name: name, url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Send(ctx context.Context, alert engine.Alert) error {
	payload := Payload{
		ID:        alert.ID,
		ProbeID:   alert.ProbeID,
		RuleID:    alert.RuleID,
		Severity:  string(alert.Severity),
		Title:     alert.Title,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
		Entities:  alert.Entities,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook %q: marshal alert: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %q: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %q: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %q: unexpected status %d", c.name, resp.StatusCode)
	}
	return nil
}
