package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
)

// Dispatcher hands planned actions to the lifecycle, directly or through a queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, actions []Action) (DispatchSummary, error)
}

// DispatchSummary counts what a Dispatch call did with its actions.
type DispatchSummary struct {
	Applied int
	Skipped int
}

// InlineDispatcher applies actions in order in the calling goroutine.
type InlineDispatcher struct {
	lifecycle *Lifecycle
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewInlineDispatcher creates an InlineDispatcher.
func NewInlineDispatcher(lifecycle *Lifecycle, logger *slog.Logger, metrics *observability.Metrics) *InlineDispatcher {
	return &InlineDispatcher{lifecycle: lifecycle, logger: logger, metrics: metrics}
}

// Dispatch applies each action in turn. Cancellation is checked between
// actions, so a cancelled cycle commits a prefix of the plan. Failures local
// to one action are logged and skipped; any other failure stops the batch.
func (d *InlineDispatcher) Dispatch(ctx context.Context, actions []Action) (DispatchSummary, error) {
	var sum DispatchSummary
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		d.metrics.ActionsDispatched.WithLabelValues("inline").Inc()
		if _, err := d.lifecycle.Apply(ctx, a); err != nil {
			if Recoverable(err) {
				d.logger.Info("action skipped", "action_id", a.ID, "target", a.Target.String(), "error", err)
				sum.Skipped++
				continue
			}
			return sum, fmt.Errorf("apply %s %s: %w", a.Bucket, a.Target, err)
		}
		sum.Applied++
	}
	return sum, nil
}
