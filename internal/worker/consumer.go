package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Nafiz1/task-management-api/internal/queue/producer"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming wake-up hints
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	consumerTag := fmt.Sprintf("%s-wakeup", w.workerID)

	deliveries, err := w.wakeups.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start wake-up consumer: %w", err)
	}

	w.logger.Info("Wake-up consumer started",
		slog.String("consumer_tag", consumerTag),
	)

	return deliveries, nil
}

// parseWakeup decodes a hint published by the producer
func parseWakeup(body []byte) (producer.WakeupMessage, error) {
	var msg producer.WakeupMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("malformed wake-up message: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("invalid job_id %q in wake-up message", msg.JobID)
	}
	return msg, nil
}

// startWakeupDispatcher turns each enqueue hint into a wake-up for one idle
// worker. The hint carries no work: the job is still leased from the store,
// so malformed, lost or duplicate messages are harmless.
func (w *Worker) startWakeupDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Wake-up dispatcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Wake-up dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				// polling keeps the pool working without hints
				w.logger.Warn("Wake-up delivery channel closed, falling back to polling")
				return
			}

			msg, err := parseWakeup(delivery.Body)
			if err != nil {
				w.logger.Warn("Dropping wake-up message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// not requeued: a redelivery would fail the same way
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK wake-up message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			w.wake()

			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK wake-up message",
					slog.String("job_id", msg.JobID),
					slog.String("error", ackErr.Error()),
				)
				continue
			}

			w.logger.Debug("Wake-up dispatched",
				slog.String("job_id", msg.JobID),
				slog.String("task_id", msg.TaskID),
			)
		}
	}
}
