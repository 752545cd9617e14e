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

	"github.com/sells-group/decidekit/internal/config"
	"github.com/sells-group/decidekit/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertCostOverrun    AlertType = "cost_overrun"
	AlertStalledRuns    AlertType = "stalled_runs"
)

// minFinishedForRate is the number of finished runs needed before the
// failure rate is trusted.
const minFinishedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and returns an alert when its threshold is breached.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert

// rules run in order; alerts keep this order.
var rules = []rule{failureRateRule, costRule, stalledRule}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	finished := snap.RunsBuild + snap.RunsDoNotBuild + snap.RunsAborted + snap.RunsFailed
	if finished < minFinishedForRate || snap.FailRate <= cfg.FailureRateThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertRunFailureRate,
		Severity: "high",
		Message: fmt.Sprintf(
			"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.FailRate*100, cfg.FailureRateThreshold*100,
			snap.RunsFailed, finished, snap.LookbackHours,
		),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.RunsFailed,
			"finished":     finished,
		},
	}
}

func costRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.CostThresholdUSD <= 0 || snap.CostUSD <= cfg.CostThresholdUSD {
		return nil
	}
	return &Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message: fmt.Sprintf(
			"API cost $%.2f exceeds threshold $%.2f in last %dh",
			snap.CostUSD, cfg.CostThresholdUSD, snap.LookbackHours,
		),
		Details: map[string]any{
			"cost_usd":      snap.CostUSD,
			"threshold_usd": cfg.CostThresholdUSD,
			"runs_total":    snap.RunsTotal,
		},
	}
}

func stalledRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if len(snap.StalledRunIDs) == 0 {
		return nil
	}
	return &Alert{
		Type:     AlertStalledRuns,
		Severity: "medium",
		Message: fmt.Sprintf(
			"%d run(s) stuck in a working stage for over %d minutes",
			len(snap.StalledRunIDs), cfg.StallMinutes,
		),
		Details: map[string]any{"run_ids": snap.StalledRunIDs},
	}
}

// Alerter evaluates snapshots against thresholds and posts breaches to a
// webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against every rule and returns the alerts
// that fired, stamped with the snapshot's collection time.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	at := snap.CollectedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var alerts []Alert
	for _, r := range rules {
		if alert := r(a.cfg, snap); alert != nil {
			alert.Timestamp = at
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
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

// post sends one alert. Retryable statuses come back as transient errors.
func (a *Alerter) post(ctx context.Context, alert Alert) error {
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
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
