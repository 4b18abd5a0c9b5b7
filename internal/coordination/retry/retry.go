// Package retry implements the bounded exponential backoff with jitter
// that spec section 4.2 and section 7 both call for: Transient errors
// (store timeouts, registry pulls) are retried inside the component that
// owns the operation, surfaced only after the budget is exhausted.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures a backoff schedule.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
	Multiplier   float64
}

// DefaultPolicy matches the "default seconds to low minutes" timeout
// guidance in spec section 5.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxElapsed:   2 * time.Minute,
		Multiplier:   2,
	}
}

// ErrBudgetExhausted is returned when the retry budget runs out before fn
// succeeds.
var ErrBudgetExhausted = errors.New("retry: budget exhausted")

// Do calls fn until it succeeds, ctx is cancelled, or the policy's elapsed
// budget runs out. fn's error is only retried when shouldRetry reports
// true for it; any other error returns immediately.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(context.Context) error) error {
	delay := p.InitialDelay
	deadline := time.Now().Add(p.MaxElapsed)

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrBudgetExhausted
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)+1))
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
