package sharedstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHotFirstSubscriberStartsProducer(t *testing.T) {
	var starts int32

	h := New(func() Producer[int] {
		atomic.AddInt32(&starts, 1)
		return func(ctx context.Context, emit func(int), fail func(error)) {
			emit(1)
			<-ctx.Done()
		}
	})

	var got int
	var mu sync.Mutex
	sub1 := h.Subscribe(func(v int) {
		mu.Lock()
		got = v
		mu.Unlock()
	}, nil)
	sub2 := h.Subscribe(func(v int) {}, nil)

	time.Sleep(5 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&starts))
	require.Equal(t, 2, h.SubscriberCount())

	mu.Lock()
	require.Equal(t, 1, got)
	mu.Unlock()

	sub1.Unsubscribe()
	require.Equal(t, 1, h.SubscriberCount())
	sub2.Unsubscribe()
	require.Equal(t, 0, h.SubscriberCount())
}

func TestHotLastUnsubscribeCancelsProducer(t *testing.T) {
	cancelled := make(chan struct{})

	h := New(func() Producer[int] {
		return func(ctx context.Context, emit func(int), fail func(error)) {
			emit(1)
			<-ctx.Done()
			close(cancelled)
		}
	})

	sub := h.Subscribe(func(int) {}, nil)
	sub.Unsubscribe()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled")
	}
}

func TestHotLateSubscriberReplaysLatestValue(t *testing.T) {
	h := New(func() Producer[int] {
		return func(ctx context.Context, emit func(int), fail func(error)) {
			emit(42)
			<-ctx.Done()
		}
	})

	h.Subscribe(func(int) {}, nil)
	time.Sleep(5 * time.Millisecond)

	var late int
	h.Subscribe(func(v int) { late = v }, nil)
	require.Equal(t, 42, late)
}

func TestHotRestartsFreshGenerationAfterIdle(t *testing.T) {
	var generations int32

	h := New(func() Producer[int] {
		gen := atomic.AddInt32(&generations, 1)
		return func(ctx context.Context, emit func(int), fail func(error)) {
			emit(int(gen))
			<-ctx.Done()
		}
	})

	sub1 := h.Subscribe(func(int) {}, nil)
	time.Sleep(5 * time.Millisecond)
	sub1.Unsubscribe()

	var got int
	h.Subscribe(func(v int) { got = v }, nil)
	time.Sleep(5 * time.Millisecond)

	require.EqualValues(t, 2, atomic.LoadInt32(&generations))
	require.Equal(t, 2, got)
}
