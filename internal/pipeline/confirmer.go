package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/confirmation"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/jonboulle/clockwork"
)

// ConfirmationRunner processes field reports for every unconfirmed event.
type ConfirmationRunner interface {
	RunCycle(ctx context.Context) (confirmation.Summary, error)
}

// Confirmer runs the confirmation workflow on a fixed interval, independent
// of the poller.
type Confirmer struct {
	runner   ConfirmationRunner
	clock    clockwork.Clock
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewConfirmer creates a Confirmer.
func NewConfirmer(runner ConfirmationRunner, clock clockwork.Clock, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Confirmer {
	return &Confirmer{runner: runner, clock: clock, interval: interval, logger: logger, metrics: metrics}
}

// Run starts a cycle immediately and then every interval until ctx is cancelled.
func (c *Confirmer) Run(ctx context.Context) error {
	c.logger.Info("confirmer started", "interval", c.interval)
	c.metrics.ConfirmerRunning.Set(1)
	defer c.metrics.ConfirmerRunning.Set(0)

	for {
		start := c.clock.Now()
		sum, err := c.runner.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("confirmation cycle failed", "error", err)
		} else if err == nil {
			c.logger.Info("confirmation cycle complete",
				"events", sum.Events,
				"fetched", sum.Fetched,
				"accepted", sum.Accepted,
				"rejected", sum.Rejected,
				"deferred", sum.Deferred,
				"confirmed", sum.Confirmed,
				"failed", sum.Failed,
				"duration", c.clock.Since(start),
			)
		}
		if !sleepWithContext(ctx, c.clock, c.interval) {
			break
		}
	}
	c.logger.Info("confirmer stopping", "reason", ctx.Err())
	return nil
}
