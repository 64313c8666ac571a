// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides composable fault-handling primitives:
// timeout, retry with exponential backoff, circuit breaker, bulkhead
// and rate limiting. A Policy stacks them around an operation in a
// fixed order: rate limiter → bulkhead → circuit breaker → retry →
// timeout → operation, every layer optional.
package resilience

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// Operation is the unit of work a policy wraps.
type Operation[T any] func(ctx context.Context) (T, error)

// Policy combines the primitives. Zero fields are skipped.
type Policy struct {
	RateLimiter Limiter
	Bulkhead    *Bulkhead
	Breaker     *CircuitBreaker
	Retry       *RetryConfig
	Timeout     time.Duration
}

// Execute runs op under the policy stack.
func Execute[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	run := op
	if p.Timeout > 0 {
		inner := run
		d := p.Timeout
		run = func(ctx context.Context) (T, error) {
			return WithTimeout(ctx, d, inner)
		}
	}
	if p.Retry != nil {
		inner := run
		cfg := *p.Retry
		run = func(ctx context.Context) (T, error) {
			return Retry(ctx, cfg, inner)
		}
	}
	if p.Breaker != nil {
		inner := run
		b := p.Breaker
		run = func(ctx context.Context) (T, error) {
			return Break(ctx, b, inner)
		}
	}
	if p.Bulkhead != nil {
		inner := run
		bh := p.Bulkhead
		run = func(ctx context.Context) (T, error) {
			return InBulkhead(ctx, bh, inner)
		}
	}
	if p.RateLimiter != nil {
		inner := run
		l := p.RateLimiter
		run = func(ctx context.Context) (T, error) {
			var zero T
			if err := l.Wait(ctx); err != nil {
				return zero, err
			}
			return inner(ctx)
		}
	}
	return run(ctx)
}

// WithTimeout bounds op by wall clock. The operation must honor
// context cancellation; expiry surfaces as a retryable Timeout error
// unless the parent context was itself cancelled.
func WithTimeout[T any](ctx context.Context, d time.Duration, op Operation[T]) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	v, err := op(tctx)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		var zero T
		return zero, errors.NewTimeout("operation", time.Since(start).Round(time.Millisecond)).
			WithCause(err)
	}
	return v, err
}
