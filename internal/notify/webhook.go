package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10000 * time.Millisecond

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event      string `json:"event"`
	Station    string `json:"station,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Alert describes a capture state change.
type Alert struct {
	Station    string
	SessionID  string
	Error      string
	RetryCount int
}

// SendCaptureLostWebhook notifies the webhook that capture stopped after repeated failures.
func SendCaptureLostWebhook(ctx context.Context, webhookURL string, a Alert) error {
	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:      "capture_lost",
		Station:    a.Station,
		SessionID:  a.SessionID,
		Error:      a.Error,
		RetryCount: a.RetryCount,
		Timestamp:  timestampUTC(),
	})
}

// SendCaptureRestoredWebhook notifies the webhook that capture is running again.
func SendCaptureRestoredWebhook(ctx context.Context, webhookURL string, a Alert) error {
	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:     "capture_restored",
		Station:   a.Station,
		SessionID: a.SessionID,
		Timestamp: timestampUTC(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(ctx context.Context, webhookURL, stationName string) error {
	if webhookURL == "" {
		return errors.New("webhook URL not configured")
	}

	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:     "test",
		Station:   stationName,
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if webhookURL == "" {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
