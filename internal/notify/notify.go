// Package notify broadcasts enqueue wake-ups over a RabbitMQ fanout exchange
// so engine processes pick up new work without waiting for their next store
// refresh. Messages are hints only; the store stays authoritative.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// ContentType of wake-up messages
const ContentType = "application/json"

// Message is the wake-up body
type Message struct {
	domain.Ref
	// Origin is the id of the publishing process; it skips its own messages
	Origin string `json:"origin"`
}

// Broker publishes raw message bodies
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher announces newly Pending jobs
type Publisher struct {
	broker Broker
	origin string
	logger *slog.Logger
}

// NewPublisher creates a Publisher tagging messages with origin
func NewPublisher(broker Broker, origin string, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		origin: origin,
		logger: logger.With(slog.String("component", "notify_publisher")),
	}
}

// Notify publishes a wake-up for ref
func (p *Publisher) Notify(ctx context.Context, ref domain.Ref) error {
	body, err := json.Marshal(Message{Ref: ref, Origin: p.origin})
	if err != nil {
		return fmt.Errorf("failed to marshal wake-up: %w", err)
	}
	if err := p.broker.PublishWithRetry(ctx, body, ContentType); err != nil {
		return fmt.Errorf("failed to publish wake-up for job %s: %w", ref.ID, err)
	}
	p.logger.Debug("Wake-up published",
		slog.String("job_id", ref.ID),
		slog.String("queue", ref.Queue),
	)
	return nil
}
