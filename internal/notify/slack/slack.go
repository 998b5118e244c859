// Package slack sends run notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/useir/internal/run"
	"github.com/linnemanlabs/useir/internal/seir"
)

const (
	maxErrorLen = 2000
	httpTimeout = 10 * time.Second
)

// Notifier sends finished runs to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, r *run.Run) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(r))
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

	n.logger.Info(ctx, "run notification sent", "run_id", r.ID, "status", r.Status)
	return nil
}

func buildMessage(r *run.Run) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		{"type": "divider"},
		fieldsBlock(r),
	}
	if r.Error != "" {
		blocks = append(blocks, map[string]any{"type": "divider"}, errorBlock(r))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(r))
	return map[string]any{"blocks": blocks}
}

func headerBlock(r *run.Run) map[string]any {
	title := "Run Complete"
	switch {
	case r.Status == run.StatusFailed:
		title = "Run Failed"
	case r.Outcome == seir.OutcomeCapped:
		title = "Run Capped"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: R0=%g", outcomeEmoji(r), title, r.Params.R0),
		},
	}
}

func field(format string, args ...any) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
}

func fieldsBlock(r *run.Run) map[string]any {
	s := r.Summary
	fields := []map[string]any{
		field("*Exposed:* %s", r.Params.Exposed),
		field("*Infected:* %s", r.Params.Infected),
		field("*Peak I:* %.4g at t=%.2f", s.PeakI, s.PeakIT),
		field("*Final R:* %.4g (attack rate %.1f%%)", s.FinalR, 100*s.AttackRate),
		field("*Steps:* %d (%.1f days)", s.Steps, s.Days),
		field("*Duration:* %.2fs", r.Duration),
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func errorBlock(r *run.Run) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Error*\n\n```%s```", truncate(r.Error, maxErrorLen)),
		},
	}
}

func contextBlock(r *run.Run) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			field("useir • run %s • eps=%g • %s", r.ID, r.Config.Eps, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
}

func outcomeEmoji(r *run.Run) string {
	switch {
	case r.Status == run.StatusFailed:
		return "\U0001f534" // red circle
	case r.Outcome == seir.OutcomeCapped:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
