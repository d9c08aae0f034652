package notify

import (
	"context"
	"log/slog"
)

// LogSink writes notification events to the structured log. Used in local
// development when no NATS server is configured.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "notification",
		slog.String("kind", string(event.Kind)),
		slog.String("subscription_id", event.SubscriptionID.String()),
		slog.String("customer_id", event.CustomerID.String()),
		slog.Any("payload", event.Payload),
	)
	return nil
}
