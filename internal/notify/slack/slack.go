// Package slack delivers notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/notify"
)

const (
	maxBodyLen   = 3000
	maxHeaderLen = 150
	httpTimeout  = 10 * time.Second
)

// Notifier posts messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a new Slack notifier. If webhookURL is empty, Deliver reports failure.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Deliver implements notify.Deliverer. Webhooks return no message id, so a
// ULID is generated for correlation in logs.
func (n *Notifier) Deliver(ctx context.Context, msg notify.Message) (string, bool) {
	if n.webhookURL == "" {
		return "", false
	}
	if err := n.send(ctx, msg); err != nil {
		n.logger.Error(ctx, err, "slack delivery failed", "subject", msg.Subject)
		return "", false
	}
	return "slack:" + ulid.Make().String(), true
}

func (n *Notifier) send(ctx context.Context, msg notify.Message) error {
	body, err := json.Marshal(buildMessage(msg, n.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(m notify.Message, at time.Time) map[string]any {
	text := truncate(m.Body, maxBodyLen)
	if text == "" {
		text = "_No details._"
	}
	return map[string]any{
		"text": m.Subject, // notification fallback
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": truncate(fmt.Sprintf("%s %s", severityEmoji(m.Critical), m.Subject), maxHeaderLen),
				},
			},
			{"type": "divider"},
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": fmt.Sprintf("sentinel • %s", at.UTC().Format("2006-01-02 15:04 UTC"))},
				},
			},
		},
	}
}

func severityEmoji(critical bool) string {
	if critical {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e1" // yellow circle
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
