// Package resilience adapts the swarmguard libs/go/core/resilience retry
// helper for the workflow engine: exponential backoff with full jitter,
// bounded by attempts, driven by an injected clock.Clock so tests don't
// wait on real timers.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/workflows/internal/clock"
	"github.com/swarmguard/workflows/internal/workflowerr"
)

// Retry executes fn with exponential backoff (base delay, doubling, capped
// at 60s) and full jitter, stopping early once fn succeeds or ctx is
// cancelled. It only re-invokes fn when the returned error is transient,
// per workflowerr.IsTransient; a validation or user-logic error returns
// immediately on the first attempt.
func Retry[T any](ctx context.Context, c clock.Clock, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	if c == nil {
		c = clock.RealClock{}
	}

	meter := otel.Meter("workflows-resilience")
	attemptCounter, _ := meter.Int64Counter("swarm_workflow_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("swarm_workflow_retry_success_total")
	failCounter, _ := meter.Int64Counter("swarm_workflow_retry_fail_total")

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 || !workflowerr.IsTransient(err) {
			break
		}

		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-c.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
