// Package retry implements the RetryWithBackoff stream operator: on
// failure, resubscribe to a source with exponential backoff and jitter,
// bounded by a maximum attempt count, resetting the attempt counter on any
// successful value.
//
// New in this expansion -- the teacher has no retry operator of its own,
// but its startIdleTimeout / idle-channel shape (client.go, sfu.go: a
// context-scoped timer goroutine that fires an action and can be
// cancelled) is the grounding for how this package structures its
// timer-driven wait.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy configures backoff timing.
type Policy struct {
	Base        time.Duration
	Factor      float64 // default 1.5 when zero
	Max         time.Duration
	JitterFrac  float64 // uniform jitter in [0, JitterFrac*delay), default 0.1
	MaxAttempts int     // 0 means unlimited
}

// DefaultPolicy mirrors the defaults in spec.md §4.3.
func DefaultPolicy() Policy {
	return Policy{
		Base:        200 * time.Millisecond,
		Factor:      1.5,
		Max:         10 * time.Second,
		JitterFrac:  0.1,
		MaxAttempts: 0,
	}
}

func (p Policy) delay(attempt int) time.Duration {
	factor := p.Factor
	if factor == 0 {
		factor = 1.5
	}
	jitterFrac := p.JitterFrac
	if jitterFrac == 0 {
		jitterFrac = 0.1
	}

	raw := float64(p.Base) * math.Pow(factor, float64(attempt))
	if p.Max > 0 && raw > float64(p.Max) {
		raw = float64(p.Max)
	}

	jitter := raw * jitterFrac * rand.Float64()

	return time.Duration(raw + jitter)
}

// ErrExhausted is returned (joined with the last observed error) once
// Policy.MaxAttempts resubscriptions have all failed without an
// intervening successful value.
var ErrExhausted = errors.New("retry: max attempts exhausted")

// Subscribe runs one subscription attempt against a source. It must call
// onValue for every value the source produces, and return when the source
// terminates -- nil for a clean end (e.g. the caller cancelled ctx), or a
// non-nil error if the source failed and should be resubscribed.
type Subscribe[T any] func(ctx context.Context, onValue func(T)) error

// OnRetry, if set, is invoked before each backoff sleep with the attempt
// number (0-based, reset after any successful value) and the error that
// triggered it.
type OnRetry func(attempt int, delay time.Duration, err error)

// Run drives subscribe repeatedly: it resubscribes after a backoff delay
// whenever subscribe returns a non-nil error, resetting the attempt
// counter whenever at least one value was delivered since the last
// (re)subscription. It returns nil if subscribe eventually returns nil
// (clean end), ctx.Err() if ctx is cancelled while waiting, or an error
// joined with ErrExhausted once MaxAttempts consecutive failed attempts
// (with no intervening value) have occurred.
func Run[T any](ctx context.Context, policy Policy, subscribe Subscribe[T], onValue func(T), onRetry OnRetry) error {
	// consecutiveFailures counts failed attempts since the last value (or
	// since the start). It drives both the exhaustion check and the delay.
	consecutiveFailures := 0

	for {
		gotValue := false
		err := subscribe(ctx, func(v T) {
			gotValue = true
			if onValue != nil {
				onValue(v)
			}
		})

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if gotValue {
			consecutiveFailures = 0
		}
		consecutiveFailures++

		if policy.MaxAttempts > 0 && consecutiveFailures >= policy.MaxAttempts {
			return errors.Join(ErrExhausted, err)
		}

		d := policy.delay(consecutiveFailures - 1)
		if onRetry != nil {
			onRetry(consecutiveFailures-1, d, err)
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
