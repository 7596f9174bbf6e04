// Package jobs provides the built-in handlers the worker service binds to
// configured queues: one that logs payloads and one that delivers them to a
// webhook.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/worker"
)

// Handler kinds accepted in queue configuration
const (
	KindLog     = "log"
	KindWebhook = "webhook"
)

// DefaultWebhookTimeout bounds one webhook request when the client has none
const DefaultWebhookTimeout = 10 * time.Second

// Spec selects the handler for a queue
type Spec struct {
	Queue      string
	Kind       string
	WebhookURL string
}

// Doer sends HTTP requests; *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Log returns a handler that logs each payload and succeeds
func Log(queue string, logger *slog.Logger) domain.Handler {
	logger = logger.With(slog.String("component", "log_handler"), slog.String("queue", queue))
	return func(ctx context.Context, payload []byte) domain.Outcome {
		logger.InfoContext(ctx, "Job payload", slog.String("payload", string(payload)))
		return domain.Success()
	}
}

// LogBatch is the batch form of Log
func LogBatch(queue string, logger *slog.Logger) domain.BatchHandler {
	logger = logger.With(slog.String("component", "log_handler"), slog.String("queue", queue))
	return func(ctx context.Context, items []domain.BatchItem) []domain.Outcome {
		outcomes := make([]domain.Outcome, len(items))
		for i, item := range items {
			logger.InfoContext(ctx, "Job payload",
				slog.String("job_id", item.ID),
				slog.String("payload", string(item.Payload)),
			)
			outcomes[i] = domain.Success()
		}
		return outcomes
	}
}

// Webhook POSTs the payload to url. 2xx succeeds, 408, 429 and 5xx are
// retried, any other status fails permanently.
func Webhook(client Doer, url string) domain.Handler {
	return func(ctx context.Context, payload []byte) domain.Outcome {
		return deliver(ctx, client, url, payload)
	}
}

// WebhookBatch POSTs the batch as a JSON array of {"job_id", "payload"}
// objects. The response status applies to every item.
func WebhookBatch(client Doer, url string) domain.BatchHandler {
	return func(ctx context.Context, items []domain.BatchItem) []domain.Outcome {
		type entry struct {
			JobID   string          `json:"job_id"`
			Payload json.RawMessage `json:"payload"`
		}
		body := make([]entry, len(items))
		for i, item := range items {
			payload := item.Payload
			if !json.Valid(payload) {
				payload, _ = json.Marshal(string(item.Payload))
			}
			body[i] = entry{JobID: item.ID, Payload: payload}
		}

		outcome := domain.Permanent("failed to encode batch")
		if encoded, err := json.Marshal(body); err == nil {
			outcome = deliver(ctx, client, url, encoded)
		}

		outcomes := make([]domain.Outcome, len(items))
		for i := range outcomes {
			outcomes[i] = outcome
		}
		return outcomes
	}
}

func deliver(ctx context.Context, client Doer, url string, body []byte) domain.Outcome {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultWebhookTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(fmt.Sprintf("failed to build webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return domain.Retry(fmt.Sprintf("webhook request failed: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.Success()
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return domain.Retry(fmt.Sprintf("webhook returned %d", resp.StatusCode))
	default:
		return domain.Permanent(fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
}

// Registrar is the part of the engine that binds handlers
type Registrar interface {
	Register(queue string, h domain.Handler, opts worker.QueueOptions) error
	RegisterBatch(queue string, h domain.BatchHandler, opts worker.QueueOptions) error
}

// Bind registers the handler selected by spec. Queues with a batch size above
// one get the batch form.
func Bind(r Registrar, spec Spec, opts worker.QueueOptions, client Doer, logger *slog.Logger) error {
	batch := opts.BatchSize > 1
	switch spec.Kind {
	case "", KindLog:
		if batch {
			return r.RegisterBatch(spec.Queue, LogBatch(spec.Queue, logger), opts)
		}
		return r.Register(spec.Queue, Log(spec.Queue, logger), opts)
	case KindWebhook:
		if spec.WebhookURL == "" {
			return fmt.Errorf("%w: queue %s: webhook handler needs a url", domain.ErrInvalidJob, spec.Queue)
		}
		if batch {
			return r.RegisterBatch(spec.Queue, WebhookBatch(client, spec.WebhookURL), opts)
		}
		return r.Register(spec.Queue, Webhook(client, spec.WebhookURL), opts)
	default:
		return fmt.Errorf("%w: queue %s: unknown handler %q", domain.ErrInvalidJob, spec.Queue, spec.Kind)
	}
}
