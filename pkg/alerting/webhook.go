package alerting

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/unsgate/unsgate/pkg/models"
)

const webhookTimeout = 10 * time.Second

// webhookSummary is the JSON body posted to a rule's webhook on firing.
type webhookSummary struct {
	AlertID      string          `json:"alert_id"`
	RuleID       string          `json:"rule_id"`
	RuleName     string          `json:"rule_name"`
	Topic        string          `json:"topic"`
	Severity     models.Severity `json:"severity"`
	TriggerValue string          `json:"trigger_value"`
	CreatedAt    time.Time       `json:"created_at"`
}

type webhookSender struct {
	client *http.Client
}

func newWebhookSender() *webhookSender {
	return &webhookSender{client: &http.Client{Timeout: webhookTimeout}}
}

// send posts the firing summary. Failures are logged, never retried; when
// one event fires several webhook rules the posts race unordered.
func (w *webhookSender) send(url string, alert *models.Alert) {
	body, err := json.Marshal(webhookSummary{
		AlertID:      alert.ID,
		RuleID:       alert.RuleID,
		RuleName:     alert.RuleName,
		Topic:        alert.Topic,
		Severity:     alert.Severity,
		TriggerValue: alert.TriggerValue,
		CreatedAt:    alert.CreatedAt,
	})
	if err != nil {
		slog.Error("Failed to encode webhook payload", "alert_id", alert.ID, "error", err)
		return
	}

	resp, err := w.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("Alert webhook delivery failed", "alert_id", alert.ID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("Alert webhook rejected", "alert_id", alert.ID, "url", url, "status", resp.StatusCode)
	}
}
