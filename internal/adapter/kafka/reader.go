package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/config"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	kafkago "github.com/segmentio/kafka-go"
)

// Reader consumes lifecycle actions as a member of the configured group.
// Offsets are committed explicitly after an action is applied.
type Reader struct {
	reader        *kafkago.Reader
	flushInterval time.Duration
	logger        *slog.Logger
}

// NewReader creates a Kafka consumer for the configured action topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaActionTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.BatchFlushInterval,
	})
	return &Reader{reader: r, flushInterval: cfg.BatchFlushInterval, logger: logger}
}

// ReadBatch blocks for the first action, then collects up to batchSize
// actions or whatever arrives within the flush interval.
func (r *Reader) ReadBatch(ctx context.Context, batchSize int) ([]engine.Delivery, error) {
	first, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch action: %w", err)
	}
	batch := []engine.Delivery{r.delivery(first)}

	flushCtx, cancel := context.WithTimeout(ctx, r.flushInterval)
	defer cancel()
	for len(batch) < batchSize {
		msg, err := r.reader.FetchMessage(flushCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break
			}
			return batch, fmt.Errorf("fetch action: %w", err)
		}
		batch = append(batch, r.delivery(msg))
	}
	r.logger.Debug("action batch fetched", "topic", r.reader.Config().Topic, "count", len(batch))
	return batch, nil
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func (r *Reader) delivery(msg kafkago.Message) engine.Delivery {
	d := mapMessageToDelivery(msg)
	d.Commit = func(ctx context.Context) error {
		return r.reader.CommitMessages(ctx, msg)
	}
	return d
}

// mapMessageToDelivery decodes a Kafka message into an action. A decode
// failure is carried on the delivery so the consumer can skip past it.
func mapMessageToDelivery(msg kafkago.Message) engine.Delivery {
	d := engine.Delivery{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if err := json.Unmarshal(msg.Value, &d.Action); err != nil {
		d.DecodeErr = fmt.Errorf("decode action at offset %d: %w", msg.Offset, err)
	}
	return d
}
