package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/config"
	"github.com/sells-group/archive-flow/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertRunSkipped     AlertType = "run_budget_exhausted"
	AlertAwaitingInput  AlertType = "awaiting_input_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates run results and backlog snapshots against configured
// thresholds and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// EvaluateRun checks one dispatcher run and returns any alerts.
func (a *Alerter) EvaluateRun(res *model.BatchResult) []Alert {
	if res == nil {
		return nil
	}
	var alerts []Alert
	now := time.Now().UTC()

	finished := res.Succeeded + res.Failed
	if finished >= a.minItems() && res.FailureRate() > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				res.RunID, res.FailureRate()*100, a.cfg.FailureRateThreshold*100, res.Failed, finished,
			),
			Details: map[string]any{
				"run_id":       res.RunID,
				"strategy":     res.Strategy,
				"failure_rate": res.FailureRate(),
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       res.Failed,
				"finished":     finished,
				"failed_items": failedItems(res),
			},
			Timestamp: now,
		})
	}

	if res.Skipped > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunSkipped,
			Severity: "medium",
			Message:  fmt.Sprintf("Run %s stopped early: %d item(s) skipped when the run budget ran out", res.RunID, res.Skipped),
			Details: map[string]any{
				"run_id":  res.RunID,
				"skipped": res.Skipped,
				"total":   res.TotalItems,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Evaluate checks a backlog snapshot and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	if snap == nil || a.cfg.AwaitingInputThreshold <= 0 || snap.AwaitingInput <= a.cfg.AwaitingInputThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertAwaitingInput,
		Severity: "medium",
		Message: fmt.Sprintf("%d item(s) are awaiting user input (threshold %d)",
			snap.AwaitingInput, a.cfg.AwaitingInputThreshold),
		Details: map[string]any{
			"awaiting_input": snap.AwaitingInput,
			"threshold":      a.cfg.AwaitingInputThreshold,
			"eligible":       snap.Eligible,
		},
		Timestamp: time.Now().UTC(),
	}}
}

func (a *Alerter) minItems() int {
	if a.cfg.MinItems <= 0 {
		return 5
	}
	return a.cfg.MinItems
}

func failedItems(res *model.BatchResult) []string {
	var ids []string
	for _, o := range res.Outcomes {
		if !o.Success && !o.Skipped {
			ids = append(ids, o.ItemID)
		}
	}
	return ids
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
