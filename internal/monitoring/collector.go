// Package monitoring watches analysis run health and delivers webhook alerts
// when failure rate, spend or stalled runs cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal      int     `json:"runs_total"`
	RunsBuild      int     `json:"runs_build"`
	RunsDoNotBuild int     `json:"runs_do_not_build"`
	RunsAborted    int     `json:"runs_aborted"`
	RunsFailed     int     `json:"runs_failed"`
	RunsQueued     int     `json:"runs_queued"`
	RunsInFlight   int     `json:"runs_in_flight"`
	FailRate       float64 `json:"fail_rate"`
	CostUSD        float64 `json:"cost_usd"`
	AvgTokens      int64   `json:"avg_tokens"`
	AvgConfidence  float64 `json:"avg_confidence"`

	// StalledRunIDs are working-stage runs untouched for longer than the
	// stall threshold.
	StalledRunIDs []string `json:"stalled_run_ids,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store   store.Store
	stall   time.Duration
	nowFunc func() time.Time
}

// NewCollector creates a collector. Runs in a working stage whose last
// update is older than stall are reported as stalled; zero disables it.
func NewCollector(st store.Store, stall time.Duration) *Collector {
	return &Collector{store: st, stall: stall, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var totalTokens int64
	var totalConf float64
	var scored int

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.CostUSD += r.CostUSD
		totalTokens += r.Usage.Total()
		if r.Confidence != nil {
			totalConf += *r.Confidence
			scored++
		}

		switch {
		case r.Stage == model.StageCompletedBuild:
			snap.RunsBuild++
		case r.Stage == model.StageCompletedDoNotBuild:
			snap.RunsDoNotBuild++
		case r.Stage == model.StageFailed:
			// An abort is the pipeline working as intended, not a failure.
			if r.Failure != nil && r.Failure.Kind == model.FailureAborted {
				snap.RunsAborted++
			} else {
				snap.RunsFailed++
			}
		case r.Stage == model.StageQueued:
			snap.RunsQueued++
		default:
			snap.RunsInFlight++
			if c.stall > 0 && now.Sub(r.UpdatedAt) > c.stall {
				snap.StalledRunIDs = append(snap.StalledRunIDs, r.ID)
			}
		}
	}

	finished := snap.RunsBuild + snap.RunsDoNotBuild + snap.RunsAborted + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsTotal > 0 {
		snap.AvgTokens = totalTokens / int64(snap.RunsTotal)
	}
	if scored > 0 {
		snap.AvgConfidence = totalConf / float64(scored)
	}

	return snap, nil
}
