package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Feed pulls the active hazard alerts changed since the watermark.
type Feed interface {
	FetchActive(ctx context.Context, since string) (domain.FeedResult, error)
}

// Planner turns a feed batch into ordered lifecycle actions.
type Planner interface {
	Plan(ctx context.Context, batch []domain.Envelope) (engine.Plan, error)
}

// Sweeper closes entities past their expected end.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// CycleResult summarises one polling cycle.
type CycleResult struct {
	CycleID      string
	Fetched      int
	NotModified  bool
	Actions      int
	Applied      int
	Skipped      int
	Deferred     int
	PendingLinks int
	Expired      int
	Watermark    string
}

// Poller drives the feed through the engine on a fixed interval.
type Poller struct {
	feed       Feed
	planner    Planner
	dispatcher engine.Dispatcher
	sweeper    Sweeper
	clock      clockwork.Clock
	interval   time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool

	mu        sync.Mutex
	watermark string
}

// NewPoller creates a Poller.
func NewPoller(feed Feed, planner Planner, dispatcher engine.Dispatcher, sweeper Sweeper, clock clockwork.Clock, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	return &Poller{
		feed:       feed,
		planner:    planner,
		dispatcher: dispatcher,
		sweeper:    sweeper,
		clock:      clock,
		interval:   interval,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once a polling cycle has completed.
func (p *Poller) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("poller has not completed a cycle yet")
	}
	return nil
}

// Watermark returns the Last-Modified value sent with the next feed pull.
func (p *Poller) Watermark() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Run polls until ctx is cancelled. A failed cycle is retried with backoff,
// capped at the polling interval.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval)
	p.metrics.PollerRunning.Set(1)
	defer p.metrics.PollerRunning.Set(0)

	limit := min(maxBackoff, p.interval)
	backoff := min(initialBackoff, limit)
	for {
		wait := p.interval
		if _, err := p.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.metrics.CycleFailures.Inc()
			p.logger.Error("poll cycle failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff = nextBackoff(backoff, limit)
		} else {
			backoff = min(initialBackoff, limit)
		}
		if !sleepWithContext(ctx, p.clock, wait) {
			break
		}
	}
	p.logger.Info("poller stopping", "reason", ctx.Err())
	return nil
}

// RunCycle pulls the feed once, dispatches the planned actions and sweeps
// expired entities. The watermark only moves when every alert in a changed
// batch was handled.
func (p *Poller) RunCycle(ctx context.Context) (CycleResult, error) {
	start := p.clock.Now()
	since := p.Watermark()
	res := CycleResult{Watermark: since}

	feed, err := p.feed.FetchActive(ctx, since)
	if err != nil {
		return res, fmt.Errorf("fetch feed: %w", err)
	}
	res.Fetched = len(feed.Alerts)
	res.NotModified = feed.NotModified
	if feed.NotModified {
		p.metrics.FeedNotModified.Inc()
	}

	plan, err := p.planner.Plan(ctx, feed.Alerts)
	if err != nil {
		return res, fmt.Errorf("plan: %w", err)
	}
	res.CycleID = plan.CycleID
	res.Actions = len(plan.Actions)
	res.Deferred = plan.Deferred
	res.PendingLinks = plan.PendingLinks

	sum, err := p.dispatcher.Dispatch(ctx, plan.Actions)
	res.Applied, res.Skipped = sum.Applied, sum.Skipped
	if err != nil {
		return res, fmt.Errorf("dispatch cycle %s: %w", plan.CycleID, err)
	}

	if !feed.NotModified && feed.LastModified != "" {
		if plan.Held() {
			p.logger.Warn("feed watermark held", "cycle_id", plan.CycleID, "deferred", plan.Deferred, "watermark", since)
		} else {
			p.mu.Lock()
			p.watermark = feed.LastModified
			p.mu.Unlock()
			res.Watermark = feed.LastModified
		}
	}

	expired, err := p.sweeper.SweepExpired(ctx)
	res.Expired = expired
	if err != nil {
		return res, fmt.Errorf("sweep expired: %w", err)
	}

	p.metrics.CycleAlerts.Observe(float64(res.Fetched))
	p.metrics.CycleDuration.Observe(p.clock.Since(start).Seconds())
	p.ready.Store(true)

	p.logger.Info("poll cycle complete",
		"cycle_id", res.CycleID,
		"fetched", res.Fetched,
		"not_modified", res.NotModified,
		"actions", res.Actions,
		"applied", res.Applied,
		"skipped", res.Skipped,
		"deferred", res.Deferred,
		"pending_links", res.PendingLinks,
		"expired", res.Expired,
	)
	return res, nil
}
