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
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/pkg/errors"
)

// BulkheadConfig bounds concurrent work to MaxConcurrency with at most
// QueueSize callers waiting; anything past N+Q is rejected
// synchronously.
type BulkheadConfig struct {
	MaxConcurrency int
	QueueSize      int
}

// Bulkhead isolates a dependency so overload cannot spread.
type Bulkhead struct {
	sem      *semaphore.Weighted
	queued   atomic.Int64
	maxQueue int64
}

func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Bulkhead{
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		maxQueue: int64(cfg.QueueSize),
	}
}

// Acquire claims a slot, queueing FIFO when the bulkhead is full. The
// returned release must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	if b.sem.TryAcquire(1) {
		return func() { b.sem.Release(1) }, nil
	}
	// Queue admission is a single atomic increment so racing callers
	// cannot overshoot the Q bound.
	if b.queued.Add(1) > b.maxQueue {
		b.queued.Add(-1)
		return nil, errors.New(errors.ClassInfra, errors.CodeBulkheadRejected,
			"bulkhead is full").
			WithRetryable(true).
			WithSuggestion("raise max_concurrency/queue_size or shed load upstream")
	}

	err = b.sem.Acquire(ctx, 1)
	b.queued.Add(-1)
	if err != nil {
		return nil, errors.NewCancelled("bulkhead acquire").WithCause(err)
	}
	return func() { b.sem.Release(1) }, nil
}

// InBulkhead runs op inside the bulkhead.
func InBulkhead[T any](ctx context.Context, b *Bulkhead, op Operation[T]) (T, error) {
	release, err := b.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return op(ctx)
}
