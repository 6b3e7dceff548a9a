package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/jonboulle/clockwork"
)

// DeliverySource reads queued actions in batches.
type DeliverySource interface {
	ReadBatch(ctx context.Context, batchSize int) ([]engine.Delivery, error)
}

// Applier applies one lifecycle action.
type Applier interface {
	Apply(ctx context.Context, act engine.Action) (engine.Outcome, error)
}

// Consumer applies queued actions in delivery order and commits each offset
// once its action has been applied or dropped.
type Consumer struct {
	source    DeliverySource
	applier   Applier
	clock     clockwork.Clock
	batchSize int
	logger    *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(source DeliverySource, applier Applier, clock clockwork.Clock, batchSize int, logger *slog.Logger) *Consumer {
	return &Consumer{
		source:    source,
		applier:   applier,
		clock:     clock,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("action consumer started", "batch_size", c.batchSize)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("action consumer stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !c.processBatch(ctx, &backoff) {
			c.logger.Info("action consumer stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// processBatch reads and applies one batch. Returns false if the consumer
// should stop.
func (c *Consumer) processBatch(ctx context.Context, backoff *time.Duration) bool {
	batch, err := c.source.ReadBatch(ctx, c.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("read action batch failed", "error", err)
		return c.backoffOrStop(ctx, backoff)
	}
	*backoff = initialBackoff

	for _, d := range batch {
		if d.DecodeErr != nil {
			c.logger.Warn("undecodable action, skipping message",
				"error", d.DecodeErr,
				"topic", d.Topic,
				"partition", d.Partition,
				"offset", d.Offset,
			)
			c.commit(ctx, d)
			continue
		}
		if !c.apply(ctx, d, backoff) {
			return false
		}
		c.commit(ctx, d)
	}
	return true
}

// apply retries d until it is applied, turns out to be recoverable, or ctx
// ends. Returns false only when ctx ended.
func (c *Consumer) apply(ctx context.Context, d engine.Delivery, backoff *time.Duration) bool {
	for {
		_, err := c.applier.Apply(ctx, d.Action)
		switch {
		case err == nil:
			*backoff = initialBackoff
			return true
		case engine.Recoverable(err):
			c.logger.Info("action skipped",
				"action_id", d.Action.ID,
				"target", d.Action.Target.String(),
				"offset", d.Offset,
				"error", err,
			)
			return true
		}
		c.logger.Error("apply action failed",
			"action_id", d.Action.ID,
			"target", d.Action.Target.String(),
			"offset", d.Offset,
			"error", err,
		)
		if !c.backoffOrStop(ctx, backoff) {
			return false
		}
	}
}

// backoffOrStop sleeps for the current backoff and advances it. Returns false
// if the consumer should stop.
func (c *Consumer) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, c.clock, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func (c *Consumer) commit(ctx context.Context, d engine.Delivery) {
	if d.Commit == nil {
		return
	}
	if err := d.Commit(ctx); err != nil {
		c.logger.Warn("commit offset failed", "error", err,
			"topic", d.Topic, "partition", d.Partition, "offset", d.Offset)
	}
}
