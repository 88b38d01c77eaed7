package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/archive-flow/internal/config"
	"github.com/sells-group/archive-flow/internal/model"
)

func runResult(succeeded, failed, skipped int) *model.BatchResult {
	res := &model.BatchResult{RunID: "run-1", Strategy: "batch"}
	for i := 0; i < succeeded; i++ {
		res.Add(model.WorkflowOutcome{ItemID: "ok", Success: true})
	}
	for i := 0; i < failed; i++ {
		res.Add(model.WorkflowOutcome{ItemID: "bad", Error: &model.OutcomeError{Class: model.ErrorClassTaskFailure}})
	}
	for i := 0; i < skipped; i++ {
		res.Add(model.WorkflowOutcome{ItemID: "late", Skipped: true})
	}
	return res
}

func TestAlerter_EvaluateRun_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.EvaluateRun(runResult(19, 1, 0))
	assert.Empty(t, alerts)
}

func TestAlerter_EvaluateRun_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.EvaluateRun(runResult(12, 8, 0))
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Len(t, alerts[0].Details["failed_items"], 8)
}

func TestAlerter_EvaluateRun_MinimumItemsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// Only 3 finished items, below the default minimum of 5.
	assert.Empty(t, a.EvaluateRun(runResult(1, 2, 0)))

	a = NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, MinItems: 2})
	assert.Len(t, a.EvaluateRun(runResult(1, 2, 0)), 1)
}

func TestAlerter_EvaluateRun_Skipped(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.5})

	alerts := a.EvaluateRun(runResult(5, 0, 3))
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunSkipped, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "3 item(s) skipped")
}

func TestAlerter_EvaluateRun_Nil(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, a.EvaluateRun(nil))
}

func TestAlerter_Evaluate_AwaitingInput(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{AwaitingInputThreshold: 3})

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{AwaitingInput: 3}))

	alerts := a.Evaluate(&MetricsSnapshot{AwaitingInput: 4, Eligible: 10})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAwaitingInput, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4 item(s)")
}

func TestAlerter_Evaluate_ZeroThresholdDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{AwaitingInputThreshold: 0})

	alerts := a.Evaluate(&MetricsSnapshot{AwaitingInput: 999})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertRunFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertAwaitingInput, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: ""})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}
