package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/config"
)

// defaultCooldown suppresses repeats of an alert type that was just sent.
const defaultCooldown = time.Hour

// Checker runs periodic alert checks in the background. An alert type that
// was delivered is not delivered again until its cooldown has passed.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	cooldown  time.Duration

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	nowFunc  func() time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		cooldown:  defaultCooldown,
		lastSent:  make(map[AlertType]time.Time),
		nowFunc:   time.Now,
	}
}

// Run checks once immediately and then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot, delivers alerts whose cooldown has passed,
// and returns the alerts that were due.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		log.Debug("monitoring: no alerts due")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, due)
	if sent > 0 {
		c.markSent(due)
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
	return due
}

func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		out = append(out, a)
	}
	return out
}

// markSent starts the cooldown for every alert type in alerts. A partially
// failed delivery is still marked; the next check after cooldown retries it.
func (c *Checker) markSent(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
