package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type captured struct {
	req  *http.Request
	body map[string]any
}

func stubClient(t *testing.T, status int, got *captured) *http.Client {
	t.Helper()
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		data, _ := io.ReadAll(req.Body)
		got.req = req
		got.body = map[string]any{}
		if err := json.Unmarshal(data, &got.body); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
	})}
}

func sampleAlert() models.Alert {
	return models.Alert{
		ID:          "rule-1717243200",
		RuleID:      "rule",
		TriggerType: models.TriggerServiceFailure,
		Severity:    models.AlertCritical,
		Status:      models.AlertActive,
		Title:       "Service failure: API",
		Message:     "API has failed",
		ResourceID:  "api",
		TriggeredAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlackNotifierColorsBySeverity(t *testing.T) {
	var got captured
	n := SlackNotifier{Client: stubClient(t, http.StatusOK, &got)}
	dest := models.AlertDestination{ID: "s", Type: models.DestinationSlack, Config: map[string]string{"webhook_url": "https://hooks.example/x"}}
	if err := n.Notify(context.Background(), dest, sampleAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	attachments := got.body["attachments"].([]any)
	color := attachments[0].(map[string]any)["color"]
	if color != "#8b0000" {
		t.Fatalf("expected dark red for critical, got %v", color)
	}
	if got.req.URL.String() != "https://hooks.example/x" {
		t.Fatalf("unexpected url %s", got.req.URL)
	}
}

func TestSlackNotifierRequiresWebhook(t *testing.T) {
	n := SlackNotifier{}
	if err := n.Notify(context.Background(), models.AlertDestination{ID: "s"}, sampleAlert()); err == nil {
		t.Fatalf("expected missing webhook_url error")
	}
}

func TestPagerDutyNotifierPayload(t *testing.T) {
	var got captured
	n := PagerDutyNotifier{Client: stubClient(t, http.StatusAccepted, &got)}
	dest := models.AlertDestination{ID: "pd", Config: map[string]string{"routing_key": "key-1"}}
	if err := n.Notify(context.Background(), dest, sampleAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.req.URL.String() != DefaultPagerDutyURL {
		t.Fatalf("unexpected url %s", got.req.URL)
	}
	if got.body["event_action"] != "trigger" || got.body["dedup_key"] != "rule-1717243200" || got.body["routing_key"] != "key-1" {
		t.Fatalf("unexpected payload %v", got.body)
	}
	payload := got.body["payload"].(map[string]any)
	if payload["severity"] != "critical" || payload["source"] != "api" {
		t.Fatalf("unexpected event payload %v", payload)
	}
}

func TestPagerDutyNotifierRejectsNon202(t *testing.T) {
	var got captured
	n := PagerDutyNotifier{Client: stubClient(t, http.StatusOK, &got)}
	dest := models.AlertDestination{ID: "pd", Config: map[string]string{"routing_key": "key-1"}}
	if err := n.Notify(context.Background(), dest, sampleAlert()); err == nil {
		t.Fatalf("expected non-202 to be an error")
	}
}

func TestWebhookNotifierHeaders(t *testing.T) {
	var got captured
	n := WebhookNotifier{Client: stubClient(t, http.StatusNoContent, &got)}
	dest := models.AlertDestination{ID: "w", Config: map[string]string{
		"url":                  "https://example.com/alerts",
		"header:Authorization": "Bearer t0k",
		"timeout":              "ignored",
	}}
	if err := n.Notify(context.Background(), dest, sampleAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.req.Header.Get("Authorization") != "Bearer t0k" {
		t.Fatalf("expected configured header, got %v", got.req.Header)
	}
	if got.req.Header.Get("timeout") != "" {
		t.Fatalf("plain config keys must not become headers")
	}
	if got.body["id"] != "rule-1717243200" || got.body["severity"] != "critical" {
		t.Fatalf("unexpected webhook body %v", got.body)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	var got captured
	n := WebhookNotifier{Client: stubClient(t, http.StatusInternalServerError, &got)}
	dest := models.AlertDestination{ID: "w", Config: map[string]string{"url": "https://example.com/alerts"}}
	if err := n.Notify(context.Background(), dest, sampleAlert()); err == nil {
		t.Fatalf("expected 500 to be an error")
	}
}

func TestEmailNotifier(t *testing.T) {
	var addr, from string
	var to []string
	var msg []byte
	n := EmailNotifier{
		SMTP: SMTPSettings{Host: "smtp.example.com", Port: 2525, From: "alerts@example.com"},
		send: func(a string, _ smtp.Auth, f string, t []string, m []byte) error {
			addr, from, to, msg = a, f, t, m
			return nil
		},
	}
	dest := models.AlertDestination{ID: "e", Config: map[string]string{"to": "a@example.com, b@example.com"}}
	if err := n.Notify(context.Background(), dest, sampleAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if addr != "smtp.example.com:2525" || from != "alerts@example.com" || len(to) != 2 {
		t.Fatalf("unexpected envelope %s %s %v", addr, from, to)
	}
	if !strings.Contains(string(msg), "Subject: [CRITICAL] Service failure: API") {
		t.Fatalf("unexpected message:\n%s", msg)
	}

	if err := n.Notify(context.Background(), models.AlertDestination{ID: "e"}, sampleAlert()); err == nil {
		t.Fatalf("expected missing recipients error")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, models.AlertDestination, models.Alert) error {
	f.calls++
	return errors.New("webhook down")
}

type countingNotifier struct{ calls int }

func (c *countingNotifier) Notify(context.Context, models.AlertDestination, models.Alert) error {
	c.calls++
	return nil
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{RateLimit: 1000, RateBurst: 100}, nil)
	slack := &failingNotifier{}
	email := &countingNotifier{}
	d.Register(models.DestinationSlack, slack)
	d.Register(models.DestinationEmail, email)

	d.Dispatch(context.Background(), sampleAlert(), []models.AlertDestination{
		{ID: "s", Type: models.DestinationSlack, Enabled: true},
		{ID: "e", Type: models.DestinationEmail, Enabled: true},
		{ID: "off", Type: models.DestinationEmail},
	})
	if slack.calls != 1 || email.calls != 1 {
		t.Fatalf("expected one call per enabled destination, got slack=%d email=%d", slack.calls, email.calls)
	}
}

func TestDispatcherBreakerOpensAfterFailures(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{RateLimit: 1000, RateBurst: 100}, nil)
	hook := &failingNotifier{}
	d.Register(models.DestinationWebhook, hook)
	dest := models.AlertDestination{ID: "w", Type: models.DestinationWebhook, Enabled: true}

	for i := 0; i < 5; i++ {
		_ = d.Send(context.Background(), dest, sampleAlert())
	}
	if hook.calls != 3 {
		t.Fatalf("expected the breaker to open after 3 failures, notifier called %d times", hook.calls)
	}
	if err := d.Send(context.Background(), models.AlertDestination{ID: "x", Type: "sms"}, sampleAlert()); err == nil {
		t.Fatalf("expected unknown destination type error")
	}
}
