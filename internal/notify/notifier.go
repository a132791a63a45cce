package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// sendTimeout bounds one alert delivery including retries.
const sendTimeout = 2 * time.Minute

// Test channels accepted by SendTest.
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelZabbix  = "zabbix"
)

// CaptureNotifier sends an alert when the meter gives up on its audio source
// and a recovery notice once capture starts again.
type CaptureNotifier struct {
	cfg *config.Config

	// mu protects the notification state fields below
	mu sync.Mutex

	// Channels that were alerted for the current loss
	webhookSent bool
	emailSent   bool
	zabbixSent  bool

	// Cached Graph client for e-mail alerts
	graphClient *GraphClient

	wg sync.WaitGroup
}

// NewCaptureNotifier returns a CaptureNotifier configured with the given config.
func NewCaptureNotifier(cfg *config.Config) *CaptureNotifier {
	return &CaptureNotifier{cfg: cfg}
}

// InvalidateGraphClient clears the cached Graph client.
// Call this when the Graph configuration changes.
func (n *CaptureNotifier) InvalidateGraphClient() {
	n.mu.Lock()
	n.graphClient = nil
	n.mu.Unlock()
}

// getOrCreateGraphClient returns the cached Graph client, creating it if needed.
func (n *CaptureNotifier) getOrCreateGraphClient(cfg *GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

// HandleEvent reacts to meter session events.
func (n *CaptureNotifier) HandleEvent(ev *eventlog.Event) {
	switch ev.Type {
	case eventlog.MeterGaveUp:
		n.handleCaptureLost(alertFromEvent(ev))
	case eventlog.MeterStarted:
		n.handleCaptureRestored(alertFromEvent(ev))
	}
}

// Wait blocks until all pending deliveries finished.
func (n *CaptureNotifier) Wait() {
	n.wg.Wait()
}

func alertFromEvent(ev *eventlog.Event) Alert {
	a := Alert{SessionID: ev.SessionID}
	if d, ok := ev.Details.(*eventlog.MeterDetails); ok {
		a.Error = d.Error
		a.RetryCount = d.RetryCount
	}
	return a
}

// handleCaptureLost alerts every configured channel once per loss.
func (n *CaptureNotifier) handleCaptureLost(a Alert) {
	cfg := n.cfg.Snapshot()
	a.Station = cfg.StationName

	n.trySend(&n.webhookSent, cfg.HasWebhook(), "Capture lost webhook", func(ctx context.Context) error {
		return SendCaptureLostWebhook(ctx, cfg.WebhookURL, a)
	})
	n.trySend(&n.emailSent, cfg.HasGraph(), "Capture lost email", func(ctx context.Context) error {
		subject, body := captureLostEmail(a)
		return n.sendEmail(ctx, BuildGraphConfig(&cfg), subject, body)
	})
	n.trySend(&n.zabbixSent, cfg.HasZabbix(), "Capture lost zabbix", func(ctx context.Context) error {
		return SendCaptureLostZabbix(ctx, BuildZabbixTarget(&cfg), a)
	})
}

// handleCaptureRestored sends recovery notices on the channels that saw the loss.
func (n *CaptureNotifier) handleCaptureRestored(a Alert) {
	cfg := n.cfg.Snapshot()
	a.Station = cfg.StationName

	n.mu.Lock()
	webhook, email, zabbix := n.webhookSent, n.emailSent, n.zabbixSent
	n.webhookSent, n.emailSent, n.zabbixSent = false, false, false
	n.mu.Unlock()

	if webhook {
		n.deliver("Capture restored webhook", func(ctx context.Context) error {
			return SendCaptureRestoredWebhook(ctx, cfg.WebhookURL, a)
		})
	}
	if email {
		n.deliver("Capture restored email", func(ctx context.Context) error {
			subject, body := captureRestoredEmail(a)
			return n.sendEmail(ctx, BuildGraphConfig(&cfg), subject, body)
		})
	}
	if zabbix {
		n.deliver("Capture restored zabbix", func(ctx context.Context) error {
			return SendCaptureRestoredZabbix(ctx, BuildZabbixTarget(&cfg), a)
		})
	}
}

// trySend delivers a notification if the condition is met and it was not sent yet.
func (n *CaptureNotifier) trySend(sent *bool, condition bool, notifyType string, send func(context.Context) error) {
	n.mu.Lock()
	shouldSend := !*sent && condition
	if shouldSend {
		*sent = true
	}
	n.mu.Unlock()
	if shouldSend {
		n.deliver(notifyType, send)
	}
}

// deliver runs send in the background and logs the result.
func (n *CaptureNotifier) deliver(notifyType string, send func(context.Context) error) {
	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			slog.Error("notification failed", "type", notifyType, "error", err)
			return
		}
		slog.Info("notification sent", "type", notifyType)
	})
}

// SendTest sends a test notification on one channel.
func (n *CaptureNotifier) SendTest(ctx context.Context, channel string) error {
	cfg := n.cfg.Snapshot()
	switch channel {
	case ChannelWebhook:
		return SendTestWebhook(ctx, cfg.WebhookURL, cfg.StationName)
	case ChannelEmail:
		return SendTestEmail(ctx, BuildGraphConfig(&cfg), cfg.StationName)
	case ChannelZabbix:
		return SendTestZabbix(ctx, BuildZabbixTarget(&cfg))
	default:
		return fmt.Errorf("unknown alert channel %q", channel)
	}
}

// BuildGraphConfig creates a GraphConfig from the config snapshot.
func BuildGraphConfig(cfg *config.Snapshot) *GraphConfig {
	return &GraphConfig{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		FromAddress:  cfg.GraphFromAddress,
		Recipients:   cfg.GraphRecipients,
	}
}

// BuildZabbixTarget creates a ZabbixTarget from the config snapshot.
func BuildZabbixTarget(cfg *config.Snapshot) ZabbixTarget {
	return ZabbixTarget{
		Server: cfg.ZabbixServer,
		Port:   cfg.ZabbixPort,
		Host:   cfg.ZabbixHost,
		Key:    cfg.ZabbixKey,
	}
}

// sendEmail sends a message with the cached Graph client.
func (n *CaptureNotifier) sendEmail(ctx context.Context, cfg *GraphConfig, subject, body string) error {
	if !IsConfigured(cfg) {
		return nil
	}

	client, err := n.getOrCreateGraphClient(cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	if err := client.SendMail(ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}
