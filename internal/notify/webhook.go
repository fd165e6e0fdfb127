package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type webhookPayload struct {
	Event     string `json:"event"`
	Report    Report `json:"report"`
	Timestamp string `json:"timestamp"`
}

// sendWebhook POSTs the report as JSON
func (n *Notifier) sendWebhook(r Report) error {
	body, err := json.Marshal(webhookPayload{
		Event:     "calibration_finished",
		Report:    r,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := n.client.Post(n.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
