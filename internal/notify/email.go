package notify

import (
	"context"
	"fmt"

	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// captureLostEmail returns the subject and body of a capture lost alert.
func captureLostEmail(a Alert) (subject, body string) {
	subject = "[ALERT] Audio Capture Lost - " + a.Station
	body = fmt.Sprintf(
		"The dB meter stopped capturing audio.\n\n"+
			"Session:    %s\n"+
			"Attempts:   %d\n"+
			"Last error: %s\n"+
			"Time:       %s\n\n"+
			"The meter gave up reopening the audio source. Check the input device and start the meter again.",
		a.SessionID, a.RetryCount, a.Error, humanTime(),
	)
	return subject, body
}

// captureRestoredEmail returns the subject and body of a capture restored notice.
func captureRestoredEmail(a Alert) (subject, body string) {
	subject = "[OK] Audio Capture Restored - " + a.Station
	body = fmt.Sprintf(
		"The dB meter is capturing audio again.\n\n"+
			"Session: %s\n"+
			"Time:    %s",
		a.SessionID, humanTime(),
	)
	return subject, body
}

// SendTestEmail sends a test e-mail to verify the Graph configuration.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, stationName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + stationName
	body := fmt.Sprintf(
		"Test e-mail from the %s.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		AppName, humanTime(),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return util.WrapError("send e-mail", err)
	}
	return nil
}
