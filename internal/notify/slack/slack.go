// Package slack posts operator notifications to Slack via incoming webhooks.
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
	"unicode/utf8"

	"github.com/linnemanlabs/beacon/internal/alert"
)

const (
	maxListItems   = 5
	maxSectionLen  = 2900
	httpTimeout    = 10 * time.Second
	timestampStyle = "2006-01-02 15:04 UTC"
)

// Notifier sends alert events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify implements incident.Notifier.
func (n *Notifier) Notify(ctx context.Context, ev alert.Event) error {
	if n.webhookURL == "" || ev.Alert == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(ev))
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

func buildMessage(ev alert.Event) map[string]any {
	a := ev.Alert
	blocks := []map[string]any{
		headerBlock(ev),
		fieldsBlock(a),
	}
	if a.Plan != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, planBlock(a.Plan))
	}
	if a.State == alert.StateFailed && a.FailureReason != "" {
		blocks = append(blocks, section("*Failure*\n"+a.FailureReason))
	}
	blocks = append(blocks, contextBlock(ev))
	return map[string]any{
		"text":   headline(ev),
		"blocks": blocks,
	}
}

func headline(ev alert.Event) string {
	a := ev.Alert
	var verb string
	switch ev.Kind {
	case alert.EventPlanned:
		verb = "Response plan ready"
	case alert.EventDispatched:
		verb = "Dispatched"
	case alert.EventFailed:
		verb = "Alert failed"
	default:
		verb = string(ev.Kind)
	}
	return fmt.Sprintf("%s %s: %s at %s", severityEmoji(a), verb, a.Type, a.LocationText)
}

func headerBlock(ev alert.Event) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(headline(ev), 150),
		},
	}
}

func fieldsBlock(a *alert.Alert) map[string]any {
	score := "n/a"
	if a.PriorityScore != nil {
		score = fmt.Sprintf("%d/100", *a.PriorityScore)
	}
	fields := []map[string]any{
		mrkdwn("*Severity:* %s", a.ReportedSeverity),
		mrkdwn("*Priority:* %s", score),
		mrkdwn("*State:* %s", a.State),
		mrkdwn("*Affected:* %d", a.EstimatedAffected),
	}
	if a.MergeCount > 0 {
		fields = append(fields, mrkdwn("*Duplicate reports:* %d", a.MergeCount))
	}
	if loc := a.ResolvedLocation; loc != nil && loc.Lat != nil && loc.Lng != nil {
		fields = append(fields, mrkdwn("*Coordinates:* %.4f, %.4f (%s)", *loc.Lat, *loc.Lng, loc.Source))
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func planBlock(p *alert.ResponsePlan) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "*Plan* (%s, ~%d min)\n", p.Confidence, p.EstimatedResponseTimeMinutes)
	writeList(&b, "Instructions", p.Instructions)
	writeList(&b, "Evacuation routes", p.EvacuationRoutes)
	writeList(&b, "Teams", p.RequiredTeams)
	return section(b.String())
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n_%s_\n", title)
	for i, it := range items {
		if i == maxListItems {
			fmt.Fprintf(b, "• …and %d more\n", len(items)-maxListItems)
			break
		}
		fmt.Fprintf(b, "• %s\n", it)
	}
}

func contextBlock(ev alert.Event) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn("beacon • alert %s • %s", ev.AlertID, ev.At.UTC().Format(timestampStyle)),
		},
	}
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": truncate(text, maxSectionLen)},
	}
}

func mrkdwn(format string, args ...any) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
}

func severityEmoji(a *alert.Alert) string {
	if a.State == alert.StateFailed {
		return "⚠️" // warning
	}
	switch a.ReportedSeverity {
	case alert.SeverityCritical:
		return "\U0001f534" // red circle
	case alert.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate limits s to limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit-3]) + "..."
}
