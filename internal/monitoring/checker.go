package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/config"
	"github.com/sells-group/archive-flow/internal/model"
)

// Checker runs periodic backlog checks and reports finished runs.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// ObserveRun evaluates a finished dispatcher run and sends any alerts.
// It returns the number of alerts triggered.
func (c *Checker) ObserveRun(ctx context.Context, res *model.BatchResult) int {
	alerts := c.alerter.EvaluateRun(res)
	if len(alerts) == 0 {
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: run alerts",
		zap.String("run_id", res.RunID),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return len(alerts)
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	log.Debug("monitoring: backlog",
		zap.Int("eligible", snap.Eligible),
		zap.Int("in_flight", snap.InFlight),
		zap.Int("awaiting_input", snap.AwaitingInput),
		zap.Int("complete", snap.Complete),
	)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
