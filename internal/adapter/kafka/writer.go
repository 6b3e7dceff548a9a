// Package kafka carries lifecycle actions over a Kafka topic. Actions are
// keyed by their target so every action for one entity lands on the same
// partition and is applied in publish order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-alert-correlator/internal/config"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes lifecycle actions. It implements engine.Dispatcher; a
// successful Dispatch means the actions are durably queued, not yet applied.
type Writer struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewWriter creates a Kafka producer for the configured action topic.
func NewWriter(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaActionTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchFlushInterval,
	}
	return &Writer{writer: w, logger: logger, metrics: metrics}
}

// Dispatch serializes and publishes the actions in a single WriteMessages
// call. Order is kept per target key.
func (w *Writer) Dispatch(ctx context.Context, actions []engine.Action) (engine.DispatchSummary, error) {
	if len(actions) == 0 {
		return engine.DispatchSummary{}, nil
	}
	msgs := make([]kafkago.Message, len(actions))
	for i := range actions {
		msg, err := serializeToMessage(actions[i])
		if err != nil {
			return engine.DispatchSummary{}, err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return engine.DispatchSummary{}, fmt.Errorf("publish actions: %w", err)
	}
	w.metrics.ActionsDispatched.WithLabelValues("kafka").Add(float64(len(msgs)))
	w.logger.Debug("actions published", "topic", w.writer.Topic, "count", len(msgs))
	return engine.DispatchSummary{Applied: len(msgs)}, nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an Action into a Kafka message keyed by its target.
func serializeToMessage(act engine.Action) (kafkago.Message, error) {
	data, err := json.Marshal(act)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize action %s: %w", act.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(act.Target.String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "bucket", Value: []byte(act.Bucket)},
			{Key: "cycle_id", Value: []byte(act.CycleID)},
		},
	}, nil
}
