// Package slack forwards alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hazardwatch/internal/alerts"
	"github.com/linnemanlabs/hazardwatch/internal/notification"
)

const (
	maxDescriptionLen = 3000
	httpTimeout       = 10 * time.Second
)

// Notifier posts alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

var _ alerts.Emitter = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Send and Emit are no-ops.
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

// Emit posts a in the background. Delivery failures are logged, not returned.
func (n *Notifier) Emit(ctx context.Context, a alerts.Alert) {
	if n.webhookURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Send(ctx, a); err != nil {
			n.logger.Error(ctx, err, "slack alert delivery failed", "title", a.Title)
		}
	}()
}

// Wait blocks until background deliveries started by Emit have finished.
func (n *Notifier) Wait() { n.wg.Wait() }

// Send posts a synchronously.
func (n *Notifier) Send(ctx context.Context, a alerts.Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(a, n.now()))
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

func buildMessage(a alerts.Alert, ts time.Time) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(a),
			descriptionBlock(a),
			contextBlock(a, ts),
		},
	}
}

func headerBlock(a alerts.Alert) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", severityEmoji(a.Severity), a.Title),
		},
	}
}

func descriptionBlock(a alerts.Alert) map[string]any {
	text := truncate(a.Description, maxDescriptionLen)
	if text == "" {
		text = "_No details._"
	}
	if a.ActionLink != "" {
		text += fmt.Sprintf("\n<%s|Open>", a.ActionLink)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(a alerts.Alert, ts time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("hazardwatch • %s • %s", a.Severity, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func severityEmoji(s notification.Severity) string {
	switch s {
	case notification.SeverityError:
		return "\U0001f534" // red circle
	case notification.SeverityWarning:
		return "\U0001f7e1" // yellow circle
	case notification.SeveritySuccess:
		return "✅" // check mark
	default:
		return "\U0001f535" // blue circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
