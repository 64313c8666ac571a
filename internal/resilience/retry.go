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

package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loomworks/loom/pkg/errors"
)

// RetryConfig controls exponential backoff: the nth retry waits
// min(Cap, Base·Factor^n) scaled by ±Jitter.
type RetryConfig struct {
	MaxAttempts uint
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	Jitter      float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Base <= 0 {
		c.Base = 100 * time.Millisecond
	}
	if c.Cap <= 0 {
		c.Cap = 30 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	return c
}

// Retry runs op up to MaxAttempts times. Only retryable errors are
// retried; cancellation and budget exhaustion are always terminal.
// A RetryAfter hint on the error overrides the computed delay.
func Retry[T any](ctx context.Context, cfg RetryConfig, op Operation[T]) (T, error) {
	cfg = cfg.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.Base
	expo.MaxInterval = cfg.Cap
	expo.Multiplier = cfg.Factor
	expo.RandomizationFactor = cfg.Jitter

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !shouldRetry(err) {
			return v, backoff.Permanent(err)
		}
		if after := errors.RetryAfterOf(err); after > 0 {
			return v, &backoff.RetryAfterError{Duration: after}
		}
		return v, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(cfg.MaxAttempts))
}

func shouldRetry(err error) bool {
	if errors.IsCancelled(err) || errors.HasCode(err, errors.CodeBudgetExceeded) {
		return false
	}
	return errors.IsRetryable(err)
}
