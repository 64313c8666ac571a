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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
)

func failOp(ctx context.Context) (int, error) { return 0, errors.NewTransient("down") }

func okOp(ctx context.Context) (int, error) { return 1, nil }

func TestBreakerTripsAtExactThreshold(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Break(ctx, b, failOp)
		require.Error(t, err)
		assert.Equal(t, StateClosed, b.State(), "below threshold stays closed")
	}

	_, err := Break(ctx, b, failOp)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State(), "third consecutive failure trips")

	_, err = Break(ctx, b, okOp)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCircuitOpen, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
	assert.Greater(t, errors.RetryAfterOf(err), time.Duration(0))
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		Break(ctx, b, failOp)
		Break(ctx, b, failOp)
		Break(ctx, b, okOp)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		HalfOpenProbes:   1,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	Break(ctx, b, failOp)
	require.Equal(t, StateOpen, b.State())

	// Elapse the reset timeout; the next call is a half-open probe.
	now = now.Add(time.Minute + time.Second)
	_, err := Break(ctx, b, okOp)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State(), "one success below the success threshold")

	_, err = Break(ctx, b, okOp)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State(), "second trial success closes")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	Break(ctx, b, failOp)
	now = now.Add(2 * time.Minute)

	_, err := Break(ctx, b, failOp)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenBoundsProbes(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		HalfOpenProbes:   1,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	Break(ctx, b, failOp)
	now = now.Add(2 * time.Minute)

	// Occupy the single probe slot from inside the operation, then
	// check a concurrent call is refused.
	_, err := Break(ctx, b, func(ctx context.Context) (int, error) {
		_, concurrent := Break(ctx, b, okOp)
		assert.Equal(t, errors.CodeCircuitOpen, errors.CodeOf(concurrent))
		return 1, nil
	})
	require.NoError(t, err)
}

func TestBreakerWindowedFailureRate(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 100, // out of reach; the rate trigger must fire
		FailureRate:      0.5,
		WindowSize:       4,
		ResetTimeout:     time.Minute,
	})
	ctx := context.Background()

	Break(ctx, b, okOp)
	Break(ctx, b, failOp)
	Break(ctx, b, okOp)
	require.Equal(t, StateClosed, b.State(), "window not yet full")

	Break(ctx, b, failOp)
	assert.Equal(t, StateOpen, b.State(), "2/4 failures reaches the rate threshold")
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Break(ctx, b, func(ctx context.Context) (int, error) {
			return 0, errors.NewCancelled("op")
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}
