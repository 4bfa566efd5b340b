// Package slack posts remediation plans to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/planner"
)

const (
	maxPlanLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends plan notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts the incident's plan to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, inc *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(inc))
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
	n.logger.Info(ctx, "plan posted to slack", "incident_id", inc.IncidentID)
	return nil
}

func buildMessage(inc *incident.Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inc),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			planBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func plan(inc *incident.Incident) *incident.Plan {
	if inc.RemediationPlan == nil {
		return &incident.Plan{}
	}
	return inc.RemediationPlan
}

func headerBlock(inc *incident.Incident) map[string]any {
	p := plan(inc)
	title := "Plan Ready"
	if p.RequiresManualApproval {
		title = "Plan Awaiting Approval"
	}
	text := fmt.Sprintf("%s %s: %s", riskEmoji(p.Risk), title, inc.Service)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inc *incident.Incident) map[string]any {
	p := plan(inc)
	score := "n/a"
	if inc.AnomalyScore != nil {
		score = fmt.Sprintf("%.2f", *inc.AnomalyScore)
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", p.Risk)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Manual approval:* %s", yesNo(p.RequiresManualApproval))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", inc.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Anomaly score:* %s", score)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", inc.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Steps:* %d", len(p.Steps))},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func planBlock(inc *incident.Incident) map[string]any {
	p := plan(inc)
	var b strings.Builder
	if p.Summary != "" {
		fmt.Fprintf(&b, "%s\n", p.Summary)
	}
	if p.RootCause != "" {
		fmt.Fprintf(&b, "_Root cause:_ %s\n", p.RootCause)
	}
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s", i+1, s.Description)
		if s.Action != "" {
			fmt.Fprintf(&b, " `%s`", s.Action)
		}
		b.WriteString("\n")
	}

	text := truncate(strings.TrimSpace(b.String()), maxPlanLen)
	if text == "" {
		text = "_No plan details available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Remediation plan*\n\n%s", text),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	ts := time.Time{}
	if inc.PlanningTimestamp != nil {
		ts = *inc.PlanningTimestamp
	}
	if ts.IsZero() {
		ts = inc.ReceivedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("opsflow • incident %s • %s", inc.IncidentID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func riskEmoji(risk string) string {
	switch strings.ToUpper(risk) {
	case incident.RiskLow:
		return "\U0001f7e2" // green circle
	case incident.RiskMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f534" // red circle
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

var _ planner.Notifier = (*Notifier)(nil)
