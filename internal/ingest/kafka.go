package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"gasguard/internal/logging"
)

type KafkaOptions struct {
	Brokers []string
	Topic   string
	GroupID string
}

// ServeKafka consumes telemetry from a topic in a consumer group. The
// message key, when set, is taken as the sid.
func ServeKafka(ctx context.Context, opts KafkaOptions, d *Dispatcher, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	logger.Info("kafka ingest enabled", "brokers", opts.Brokers, "topic", opts.Topic, "group_id", opts.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	peer := "kafka/" + opts.Topic
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka read error", "error", err)
			if !BackoffSleep(ctx, 0) {
				return nil
			}
			continue
		}
		d.IngestAs(ctx, nil, "kafka", peer, string(m.Key), string(m.Value))
	}
}
