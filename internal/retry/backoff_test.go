package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tinyPolicy() Policy {
	return Policy{Base: time.Millisecond, Factor: 1.5, Max: 20 * time.Millisecond, JitterFrac: 0.01, MaxAttempts: 3}
}

func TestRunResubscribesOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := Run(context.Background(), tinyPolicy(), func(ctx context.Context, onValue func(int)) error {
		calls++
		if calls < 3 {
			return boom
		}
		onValue(calls)
		return nil
	}, func(v int) {
		require.Equal(t, 3, v)
	}, nil)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRunExhaustsMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := Run(context.Background(), tinyPolicy(), func(ctx context.Context, onValue func(int)) error {
		calls++
		return boom
	}, nil, nil)

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestRunResetsAttemptCounterOnSuccess(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	failuresAfterValue := 0

	policy := tinyPolicy()
	policy.MaxAttempts = 3

	err := Run(context.Background(), policy, func(ctx context.Context, onValue func(int)) error {
		calls++
		switch calls {
		case 1:
			return boom // 1st consecutive failure
		case 2:
			onValue(1) // resets counter; this failure is the 1st since the value
			return boom
		case 3:
			failuresAfterValue++
			return boom // 2nd since the value; without the reset it would be the 3rd and exhaust
		default:
			return nil
		}
	}, nil, nil)

	require.NoError(t, err)
	require.Equal(t, 4, calls)
	require.Equal(t, 1, failuresAfterValue)
}

func TestRunCleanEndReturnsNil(t *testing.T) {
	err := Run(context.Background(), tinyPolicy(), func(ctx context.Context, onValue func(int)) error {
		return nil
	}, nil, nil)
	require.NoError(t, err)
}

func TestRunContextCancelledWhileWaiting(t *testing.T) {
	boom := errors.New("boom")
	ctx, cancel := context.WithCancel(context.Background())

	policy := Policy{Base: time.Second, MaxAttempts: 0}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, policy, func(ctx context.Context, onValue func(int)) error {
		return boom
	}, nil, nil)

	require.ErrorIs(t, err, context.Canceled)
}
