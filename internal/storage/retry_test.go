package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps the backoff short enough for property runs.
var fastRetry = retryConfig{
	maxAttempts:  3,
	initialDelay: time.Millisecond,
	maxDelay:     4 * time.Millisecond,
	multiplier:   2,
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"server selection", errors.New("server selection timeout"), true},
		{"wrapped eof", fmt.Errorf("read: %w", errors.New("EOF")), true},
		{"duplicate key", errors.New("E11000 duplicate key error"), false},
		{"not found sentinel", ErrNotFound, false},
		{"conflict sentinel", fmt.Errorf("claim: %w", ErrConflict), false},
		{"context cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestRetryOperation_TransientErrorsAreRetried(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("succeeds iff failures stay below max attempts", prop.ForAll(
		func(numFails int) bool {
			attempts := 0
			err := retryOperation(context.Background(), zerolog.Nop(), fastRetry, "Test", func() error {
				attempts++
				if attempts <= numFails {
					return errors.New("i/o timeout")
				}
				return nil
			})

			if numFails < fastRetry.maxAttempts {
				return err == nil && attempts == numFails+1
			}
			return err != nil && attempts == fastRetry.maxAttempts
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func TestRetryOperation_NonTransientFailsImmediately(t *testing.T) {
	attempts := 0
	err := retryOperation(context.Background(), zerolog.Nop(), fastRetry, "Test", func() error {
		attempts++
		return ErrConflict
	})

	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, attempts)
}

func TestRetryOperation_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry
	cfg.initialDelay = time.Hour

	attempts := 0
	err := retryOperation(ctx, zerolog.Nop(), cfg, "Test", func() error {
		attempts++
		cancel()
		return errors.New("connection reset")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestMongoStore_ConditionalWritesRunOnce(t *testing.T) {
	s := &MongoStore{logger: zerolog.Nop(), retry: fastRetry}
	transient := errors.New("i/o timeout")

	attempts := 0
	err := s.doOnce(context.Background(), "ClaimTicket", func() error {
		attempts++
		return transient
	})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, 1, attempts, "a write whose outcome is unknown is not replayed")

	attempts = 0
	err = s.do(context.Background(), "GetTicket", func() error {
		attempts++
		return transient
	})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, fastRetry.maxAttempts, attempts)
	assert.Equal(t, 3, s.retry.maxAttempts, "once does not change the store's own policy")
}
