package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Source hands out deliveries of the process's wake-up queue
type Source interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Target receives refs announced by other processes
type Target interface {
	Add(ref domain.Ref)
}

// ConsumerConfig holds the dependencies of a Consumer
type ConsumerConfig struct {
	Source Source
	Target Target
	// Origin is this process's id, used as consumer tag and to skip own messages
	Origin string
	// Accept reports whether this process runs queue. Nil accepts every queue.
	Accept func(queue string) bool
	Logger *slog.Logger
}

// Consumer feeds wake-ups into the scheduler
type Consumer struct {
	source Source
	target Target
	origin string
	accept func(string) bool
	logger *slog.Logger
}

// NewConsumer creates a Consumer
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Accept == nil {
		cfg.Accept = func(string) bool { return true }
	}
	return &Consumer{
		source: cfg.Source,
		target: cfg.Target,
		origin: cfg.Origin,
		accept: cfg.Accept,
		logger: cfg.Logger.With(slog.String("component", "notify_consumer")),
	}
}

// Run consumes until ctx is done or the delivery channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.origin)
	if err != nil {
		return fmt.Errorf("failed to start consuming wake-ups: %w", err)
	}

	c.logger.Info("Wake-up consumer started", slog.String("consumer_tag", c.origin))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Wake-up consumer stopped")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				// Store refreshes keep picking work up without the broker
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			c.handle(delivery)
		}
	}
}

func (c *Consumer) handle(delivery amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		c.nack(delivery)
		return
	}

	if !domain.ValidID(msg.ID) {
		c.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.ID),
		)
		c.nack(delivery)
		return
	}

	if msg.Origin != c.origin && c.accept(msg.Queue) {
		c.target.Add(msg.Ref)
		c.logger.Debug("Wake-up received",
			slog.String("job_id", msg.ID),
			slog.String("queue", msg.Queue),
			slog.String("origin", msg.Origin),
		)
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK wake-up",
			slog.String("job_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// nack drops a malformed message without requeue
func (c *Consumer) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		c.logger.Error("Failed to NACK malformed message",
			slog.String("error", err.Error()),
		)
	}
}
