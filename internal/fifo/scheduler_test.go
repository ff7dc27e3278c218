package fifo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsInOrder(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Close()

	var mu sync.Mutex
	var order []int

	var chans []<-chan Result[int]
	for i := 0; i < 5; i++ {
		i := i
		ch := Schedule(s, func(ctx context.Context) (int, error) {
			time.Sleep(time.Millisecond * time.Duration(5-i))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		chans = append(chans, ch)
	}

	for i, ch := range chans {
		res := <-ch
		require.NoError(t, res.Err)
		require.Equal(t, i, res.Value)
	}

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSchedulerFailedJobDoesNotBlockSubsequent(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Close()

	boom := errors.New("boom")
	ch1 := Schedule(s, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	ch2 := Schedule(s, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	res1 := <-ch1
	require.ErrorIs(t, res1.Err, boom)

	res2 := <-ch2
	require.NoError(t, res2.Err)
	require.Equal(t, 42, res2.Value)
}

func TestSchedulerReentrantSubmission(t *testing.T) {
	// A job that itself calls Schedule must not block waiting for that
	// nested job inline -- the nested job cannot start until the outer one
	// returns, exactly like the teacher's queue draining one item at a time.
	// The outer job instead hands the nested channel back to the caller.
	s := NewScheduler(context.Background())
	defer s.Close()

	var mu sync.Mutex
	var order []string

	type nested struct {
		ch <-chan Result[int]
	}

	outer := Schedule(s, func(ctx context.Context) (nested, error) {
		inner := Schedule(s, func(ctx context.Context) (int, error) {
			mu.Lock()
			order = append(order, "inner")
			mu.Unlock()
			return 1, nil
		})
		mu.Lock()
		order = append(order, "outer")
		mu.Unlock()

		return nested{ch: inner}, nil
	})

	outerRes := <-outer
	require.NoError(t, outerRes.Err)

	innerRes := <-outerRes.Value.ch
	require.NoError(t, innerRes.Err)
	require.Equal(t, 1, innerRes.Value)
	require.Equal(t, []string{"outer", "inner"}, order)
}
