package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

// Notifier delivers an alert to one destination.
type Notifier interface {
	Notify(ctx context.Context, dest models.AlertDestination, alert models.Alert) error
}

// DefaultPagerDutyURL is the Events API v2 enqueue endpoint.
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

const headerPrefix = "header:"

var slackColors = map[models.AlertSeverity]string{
	models.AlertInfo:     "#36a64f",
	models.AlertWarning:  "#ff9900",
	models.AlertError:    "#ff0000",
	models.AlertCritical: "#8b0000",
}

// SlackNotifier posts an attachment to an incoming webhook (config key webhook_url).
type SlackNotifier struct {
	Client *http.Client
}

func (n SlackNotifier) Notify(ctx context.Context, dest models.AlertDestination, alert models.Alert) error {
	url := dest.Config["webhook_url"]
	if url == "" {
		return fmt.Errorf("slack destination %s: webhook_url not configured", dest.ID)
	}
	color, ok := slackColors[alert.Severity]
	if !ok {
		color = slackColors[models.AlertWarning]
	}
	fields := []map[string]any{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Status", "value": string(alert.Status), "short": true},
	}
	if alert.ResourceID != "" {
		fields = append(fields, map[string]any{"title": "Resource", "value": alert.ResourceID, "short": true})
	}
	payload := map[string]any{
		"text": alert.Title,
		"attachments": []map[string]any{{
			"color":  color,
			"title":  alert.Title,
			"text":   alert.Message,
			"fields": fields,
			"footer": "topdeck",
			"ts":     alert.TriggeredAt.Unix(),
		}},
	}
	if channel := dest.Config["channel"]; channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, n.Client, url, payload, nil, func(code int) bool { return code >= 200 && code < 300 })
}

// PagerDutyNotifier raises an Events API v2 trigger (config key routing_key, optional url).
type PagerDutyNotifier struct {
	Client *http.Client
	URL    string
}

func (n PagerDutyNotifier) Notify(ctx context.Context, dest models.AlertDestination, alert models.Alert) error {
	key := dest.Config["routing_key"]
	if key == "" {
		return fmt.Errorf("pagerduty destination %s: routing_key not configured", dest.ID)
	}
	url := firstNonEmpty(dest.Config["url"], n.URL, DefaultPagerDutyURL)
	details := map[string]string{"message": alert.Message, "rule_id": alert.RuleID, "trigger_type": string(alert.TriggerType)}
	for k, v := range alert.Metadata {
		details[k] = v
	}
	payload := map[string]any{
		"routing_key":  key,
		"event_action": "trigger",
		"dedup_key":    alert.ID,
		"payload": map[string]any{
			"summary":        alert.Title,
			"source":         firstNonEmpty(alert.ResourceID, "topdeck-diagnostics"),
			"severity":       pagerDutySeverity(alert.Severity),
			"timestamp":      alert.TriggeredAt.UTC().Format(time.RFC3339),
			"custom_details": details,
		},
	}
	return postJSON(ctx, n.Client, url, payload, nil, func(code int) bool { return code == http.StatusAccepted })
}

func pagerDutySeverity(s models.AlertSeverity) string {
	switch s {
	case models.AlertInfo, models.AlertWarning, models.AlertError, models.AlertCritical:
		return string(s)
	default:
		return string(models.AlertWarning)
	}
}

// WebhookNotifier posts the alert as JSON to config key url. Config keys prefixed with
// "header:" become request headers.
type WebhookNotifier struct {
	Client *http.Client
}

func (n WebhookNotifier) Notify(ctx context.Context, dest models.AlertDestination, alert models.Alert) error {
	url := dest.Config["url"]
	if url == "" {
		return fmt.Errorf("webhook destination %s: url not configured", dest.ID)
	}
	headers := map[string]string{}
	for k, v := range dest.Config {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok && name != "" {
			headers[name] = v
		}
	}
	return postJSON(ctx, n.Client, url, alert, headers, func(code int) bool { return code >= 200 && code < 300 })
}

// SMTPSettings is the default relay for email destinations.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailNotifier sends a plain-text mail to the comma-separated config key to. Destinations may
// override smtp_host, smtp_port and from.
type EmailNotifier struct {
	SMTP SMTPSettings
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier constructs an email notifier over net/smtp.
func NewEmailNotifier(settings SMTPSettings) EmailNotifier {
	return EmailNotifier{SMTP: settings, send: smtp.SendMail}
}

func (n EmailNotifier) Notify(ctx context.Context, dest models.AlertDestination, alert models.Alert) error {
	var to []string
	for _, addr := range strings.Split(dest.Config["to"], ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return fmt.Errorf("email destination %s: no recipients", dest.ID)
	}
	host := firstNonEmpty(dest.Config["smtp_host"], n.SMTP.Host)
	if host == "" {
		return fmt.Errorf("email destination %s: smtp host not configured", dest.ID)
	}
	port := n.SMTP.Port
	if p, err := strconv.Atoi(dest.Config["smtp_port"]); err == nil && p > 0 {
		port = p
	}
	if port == 0 {
		port = 587
	}
	from := firstNonEmpty(dest.Config["from"], n.SMTP.From, "topdeck@localhost")

	var auth smtp.Auth
	if n.SMTP.Username != "" {
		auth = smtp.PlainAuth("", n.SMTP.Username, n.SMTP.Password, host)
	}
	msg := EmailBody(from, to, alert)
	send := n.send
	if send == nil {
		send = smtp.SendMail
	}
	// net/smtp has no context support; honour cancellation before dialing.
	if err := ctx.Err(); err != nil {
		return err
	}
	return send(net.JoinHostPort(host, strconv.Itoa(port)), auth, from, to, msg)
}

// EmailBody renders the RFC 5322 message for an alert.
func EmailBody(from string, to []string, alert models.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Alert ID: %s\r\n", alert.ID)
	fmt.Fprintf(&b, "Rule: %s\r\n", alert.RuleID)
	fmt.Fprintf(&b, "Severity: %s\r\n", alert.Severity)
	if alert.ResourceID != "" {
		fmt.Fprintf(&b, "Resource: %s\r\n", alert.ResourceID)
	}
	fmt.Fprintf(&b, "Triggered at: %s\r\n", alert.TriggeredAt.UTC().Format(time.RFC3339))
	return []byte(b.String())
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string, accepted func(int) bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !accepted(resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
