package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{MaxAttempts: 3, BackoffBase: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustionWrapsUnavailable(t *testing.T) {
	p := Policy{MaxAttempts: 3, BackoffBase: time.Millisecond}

	calls := 0
	cause := errors.New("still down")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return cause
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 3, calls)
	require.Contains(t, err.Error(), "still down")
}

func TestDoPermanentShortCircuits(t *testing.T) {
	p := Policy{MaxAttempts: 5, BackoffBase: time.Millisecond}

	calls := 0
	cause := errors.New("bad credentials")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	require.Equal(t, 1, calls)
	require.NotErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, cause)
	require.True(t, IsPermanent(err))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 10, BackoffBase: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("flaky")
		})
	}()

	// Cancel while Do is backing off; it must give up promptly.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not honor cancellation")
	}
}

func TestZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 1, calls)
}

func TestPermanentNilIsNil(t *testing.T) {
	require.NoError(t, Permanent(nil))
	require.False(t, IsPermanent(errors.New("plain")))
}
