package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

func okHandler(context.Context, []byte) domain.Outcome { return domain.Success() }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	reg, err := r.Register("email", okHandler, QueueOptions{Concurrency: -3, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, reg.Options.MaxAttempts)
	assert.Equal(t, 0, reg.Options.Concurrency)
	assert.Equal(t, 0, reg.Options.BatchSize, "single handlers never batch")
	assert.False(t, reg.IsBatch())

	got, ok := r.Lookup("email")
	require.True(t, ok)
	assert.Same(t, reg, got)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_RegisterBatch(t *testing.T) {
	r := NewRegistry()
	h := func(_ context.Context, items []domain.BatchItem) []domain.Outcome { return nil }

	reg, err := r.RegisterBatch("bulk", h, QueueOptions{MaxAttempts: 2})
	require.NoError(t, err)
	assert.True(t, reg.IsBatch())
	assert.Equal(t, 1, reg.Options.BatchSize)
	assert.Equal(t, DefaultBatchTimeout, reg.Options.BatchTimeout)
	assert.Equal(t, 2, reg.Options.MaxAttempts)
}

func TestRegistry_Errors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(r *Registry) error
	}{
		{
			name: "nil handler",
			fn: func(r *Registry) error {
				_, err := r.Register("q", nil, QueueOptions{})
				return err
			},
		},
		{
			name: "nil batch handler",
			fn: func(r *Registry) error {
				_, err := r.RegisterBatch("q", nil, QueueOptions{})
				return err
			},
		},
		{
			name: "empty queue",
			fn: func(r *Registry) error {
				_, err := r.Register("", okHandler, QueueOptions{})
				return err
			},
		},
		{
			name: "duplicate queue",
			fn: func(r *Registry) error {
				if _, err := r.Register("q", okHandler, QueueOptions{}); err != nil {
					return nil
				}
				_, err := r.Register("q", okHandler, QueueOptions{})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(NewRegistry()), domain.ErrInvalidJob)
		})
	}
}

func TestRegistry_Queues(t *testing.T) {
	r := NewRegistry()
	for _, q := range []string{"sms", "email", "push"} {
		_, err := r.Register(q, okHandler, QueueOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"email", "push", "sms"}, r.Queues())
}
