package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/journiapp/journi-be/shared/rabbitmq"
)

// AMQPSink broadcasts progress events to a RabbitMQ exchange so external
// consumers (analytics, notification senders) can follow jobs without
// holding an HTTP connection. One sink serves all jobs; it is registered per
// job like any other observer.
type AMQPSink struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAMQPSink creates a sink publishing through client.
func NewAMQPSink(client *rabbitmq.Client, logger *slog.Logger) *AMQPSink {
	return &AMQPSink{client: client, logger: logger}
}

// Deliver implements Observer. Publish failures are returned so the channel
// drops the sink; the job itself is unaffected.
func (s *AMQPSink) Deliver(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	routingKey := fmt.Sprintf("journey.%s", event.Status)
	if err := s.client.PublishWithRetry(ctx, routingKey, body, "application/json"); err != nil {
		s.logger.Warn("Failed to publish progress event",
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
