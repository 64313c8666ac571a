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

package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// fakeConn is the instance type fakeResource creates.
type fakeConn struct {
	id     int64
	broken atomic.Bool
	closed atomic.Bool
}

// fakeResource counts creations and cleanups and can be told to fail.
type fakeResource struct {
	created   atomic.Int64
	cleaned   atomic.Int64
	recycled  atomic.Int64
	failNext  atomic.Bool
	createDly time.Duration
}

func (r *fakeResource) ID() ID { return ID{Kind: "postgres", Version: "1"} }

func (r *fakeResource) Flags() Flags { return Flags{Poolable: true, HealthCheckable: true} }

func (r *fakeResource) DefaultScope() credential.Scope { return "org:acme" }

func (r *fakeResource) ConfigSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewText(schema.Metadata{Key: "dsn", Required: true}),
	)
}

func (r *fakeResource) Create(ctx context.Context, config map[string]value.Value) (any, error) {
	if r.failNext.CompareAndSwap(true, false) {
		return nil, errors.NewTransient("backend unavailable")
	}
	if r.createDly > 0 {
		select {
		case <-time.After(r.createDly):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeConn{id: r.created.Add(1)}, nil
}

func (r *fakeResource) IsValid(instance any) bool {
	return !instance.(*fakeConn).broken.Load()
}

func (r *fakeResource) Recycle(instance any) error {
	r.recycled.Add(1)
	return nil
}

func (r *fakeResource) Cleanup(instance any) error {
	instance.(*fakeConn).closed.Store(true)
	r.cleaned.Add(1)
	return nil
}

func testConfig() map[string]value.Value {
	return map[string]value.Value{"dsn": value.Text("test://db")}
}

func newTestPool(t *testing.T, res *fakeResource, cfg PoolConfig) *Pool {
	t.Helper()
	p, err := NewPool(res, "org:acme", testConfig(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestPoolReusesInstances(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 2})

	g1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := g1.Instance()
	g1.Release()

	require.Eventually(t, func() bool {
		idle, _, _ := p.Stats()
		return idle == 1
	}, time.Second, time.Millisecond)

	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, g2.Instance(), "idle instance is reused")
	assert.Equal(t, int64(1), res.created.Load())
	assert.Equal(t, int64(1), res.recycled.Load())
	g2.Release()
}

func TestPoolValidatesConfig(t *testing.T) {
	res := &fakeResource{}
	_, err := NewPool(res, "org:acme", map[string]value.Value{}, PoolConfig{}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestPoolDestroysInvalidOnAcquire(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 2})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := g.Instance().(*fakeConn)
	g.Release()

	require.Eventually(t, func() bool {
		idle, _, _ := p.Stats()
		return idle == 1
	}, time.Second, time.Millisecond)

	conn.broken.Store(true)
	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, g2.Instance(), "broken instance is replaced")
	assert.Equal(t, int64(1), res.cleaned.Load())
	g2.Release()
}

func TestPoolExhaustion(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 1, QueueLimit: 1, AcquireTimeout: 50 * time.Millisecond})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	// One waiter is allowed to queue (and will wait out the acquire
	// timeout at capacity)...
	var wg sync.WaitGroup
	wg.Add(1)
	waiterErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := p.Acquire(context.Background())
		waiterErr <- err
	}()

	require.Eventually(t, func() bool {
		_, _, waiting := p.Stats()
		return waiting == 1
	}, time.Second, time.Millisecond)

	// ...the next caller fails fast with pool exhaustion.
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodePoolExhausted, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))

	wg.Wait()
	assert.Equal(t, errors.CodePoolExhausted, errors.CodeOf(<-waiterErr))
}

func TestPoolAcquireTimeoutAtCapacityIsExhaustion(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodePoolExhausted, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestPoolCallerDeadlineIsTimeout(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 1})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	// The caller's own deadline expiring is a timeout, not exhaustion.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.CodeOf(err))
}

func TestPoolAcquireCancellationSafety(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 1})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, _, waiting := p.Stats()
		return waiting == 1
	}, time.Second, time.Millisecond)

	cancel()
	err = <-errCh
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.CodeOf(err))

	// The abandoned wait must not have leaked a permit: releasing the
	// holder makes the pool fully available again.
	g.Release()
	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g2.Release()
}

func TestPoolFIFOWaiters(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 1})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g, err := p.Acquire(context.Background())
			require.NoError(t, err)
			order <- n
			g.Release()
		}(i)
		// Let waiter n enqueue before waiter n+1.
		require.Eventually(t, func() bool {
			_, _, waiting := p.Stats()
			return waiting == i
		}, time.Second, time.Millisecond)
	}

	g.Release()
	wg.Wait()
	assert.Equal(t, 1, <-order, "waiters are served in arrival order")
	assert.Equal(t, 2, <-order)
}

func TestPoolCreateFailureReleasesPermit(t *testing.T) {
	res := &fakeResource{}
	res.failNext.Store(true)
	p := newTestPool(t, res, PoolConfig{MaxSize: 1})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)

	// The failed acquire must not consume capacity.
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release()
}

func TestPoolGuardReleaseIdempotent(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{MaxSize: 1})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release()
	g.Release() // second release is a no-op

	require.Eventually(t, func() bool {
		idle, inUse, _ := p.Stats()
		return idle == 1 && inUse == 0
	}, time.Second, time.Millisecond)
}

func TestPoolMaintenanceEvictsIdleAndReplenishes(t *testing.T) {
	res := &fakeResource{}
	p := newTestPool(t, res, PoolConfig{
		MaxSize:            4,
		MinSize:            1,
		MaxIdleTime:        20 * time.Millisecond,
		ValidationInterval: 10 * time.Millisecond,
		Maintenance:        true,
	})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := g.Instance()
	g.Release()

	// The idle instance ages out and maintenance recreates min_size.
	require.Eventually(t, func() bool {
		return res.cleaned.Load() >= 1 && res.created.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, g2.Instance())
	g2.Release()
}

func TestPoolShutdownCleansIdle(t *testing.T) {
	res := &fakeResource{}
	p, err := NewPool(res, "org:acme", testConfig(), PoolConfig{MaxSize: 2}, nil)
	require.NoError(t, err)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release()
	require.Eventually(t, func() bool {
		idle, _, _ := p.Stats()
		return idle == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(1), res.cleaned.Load())

	_, err = p.Acquire(context.Background())
	assert.Error(t, err, "acquire after shutdown fails")
}
