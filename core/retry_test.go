package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestRetryWithBackoff(t *testing.T) {
	errOther := errors.New("boom")
	conflict := func() error { return errors.Wrap(ErrTxConflict, "deadlock detected") }

	tests := []struct {
		name      string
		results   []error
		wantCalls int
		wantCause error
	}{
		{"succeeds at once", []error{nil}, 1, nil},
		{"retries conflicts", []error{conflict(), conflict(), nil}, 3, nil},
		{"stops on other errors", []error{conflict(), errOther}, 2, errOther},
		{"gives up", []error{conflict(), conflict(), conflict(), nil}, 3, ErrTxConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := RetryWithBackoff(context.Background(), func() error {
				err := tt.results[calls]
				calls++
				return err
			}, WithMaxAttempts(3), WithBaseDelay(time.Millisecond))

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantCause, errors.Cause(err))
		})
	}

	t.Run("one attempt disables retries", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), func() error {
			calls++
			return conflict()
		}, WithMaxAttempts(1), WithBaseDelay(time.Millisecond))

		assert.Equal(t, 1, calls)
		assert.Equal(t, ErrTxConflict, errors.Cause(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := RetryWithBackoff(ctx, func() error {
			calls++
			cancel()
			return conflict()
		}, WithBaseDelay(time.Hour))

		assert.Equal(t, 1, calls)
		assert.Equal(t, context.Canceled, errors.Cause(err))
	})
}
