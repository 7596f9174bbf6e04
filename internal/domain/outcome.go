package domain

import (
	"context"
	"errors"
	"fmt"
)

// OutcomeKind tags the result of a handler invocation
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// ParseOutcomeKind converts a wire name into an OutcomeKind
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch s {
	case "success":
		return OutcomeSuccess, nil
	case "retryable":
		return OutcomeRetryable, nil
	case "permanent":
		return OutcomePermanent, nil
	default:
		return 0, fmt.Errorf("%w: unknown outcome %q", ErrInvalidJob, s)
	}
}

// Outcome is what a handler reports for one job
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Success reports that the job completed
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Retry reports a transient failure
func Retry(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

// Permanent reports a failure that must not be retried
func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// FromError classifies a handler error. A nil error is a success, a
// PermanentError is permanent, anything else (including RetryableError and
// context errors) is retryable.
func FromError(err error) Outcome {
	if err == nil {
		return Success()
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return Permanent(err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return Retry("handler canceled: " + err.Error())
	}
	return Retry(err.Error())
}

// Handler processes one job payload. It must be safe to invoke more than
// once for the same job.
type Handler func(ctx context.Context, payload []byte) Outcome

// HandlerFunc adapts an error-returning function to a Handler using FromError
func HandlerFunc(fn func(ctx context.Context, payload []byte) error) Handler {
	return func(ctx context.Context, payload []byte) Outcome {
		return FromError(fn(ctx, payload))
	}
}

// BatchItem is one job handed to a batch handler
type BatchItem struct {
	ID      string
	Payload []byte
}

// BatchHandler processes several jobs of one queue in a single invocation and
// returns one outcome per item, in item order.
type BatchHandler func(ctx context.Context, items []BatchItem) []Outcome
