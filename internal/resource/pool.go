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
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// PoolConfig tunes one pool.
type PoolConfig struct {
	// MaxSize bounds concurrently held instances. Defaults to 8.
	MaxSize int
	// MinSize is kept warm by the maintenance loop. Zero disables.
	MinSize int
	// QueueLimit bounds waiters beyond capacity; more fail immediately
	// with a pool-exhausted error. Zero means waiters are unbounded.
	QueueLimit int
	// AcquireTimeout bounds each Acquire. Zero means the caller's
	// context alone decides.
	AcquireTimeout time.Duration
	// MaxIdleTime evicts instances idle for this long. Zero disables.
	MaxIdleTime time.Duration
	// MaxLifetime destroys instances older than this. Zero disables.
	MaxLifetime time.Duration
	// ValidationInterval paces the maintenance loop. Defaults to 30s
	// when maintenance is on.
	ValidationInterval time.Duration
	// CreationsPerSecond rate-limits instance creation. Zero disables.
	CreationsPerSecond float64
	// Maintenance opts in to the background loop.
	Maintenance bool
	// ShutdownGrace bounds how long Shutdown waits for outstanding
	// guards. Defaults to 10s.
	ShutdownGrace time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 8
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// pooled wraps an instance with its pool bookkeeping.
type pooled struct {
	instance  any
	createdAt time.Time
	idleSince time.Time
}

// Pool manages instances of one resource at one scope. Waiters are
// served FIFO; acquisition is cancellation-safe (an abandoned wait
// releases its permit and leaks nothing).
type Pool struct {
	res    Resource
	scope  credential.Scope
	config map[string]value.Value
	cfg    PoolConfig
	bus    *Bus

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu   sync.Mutex
	idle []*pooled

	waiting  atomic.Int64
	inUse    atomic.Int64
	closed   atomic.Bool
	releases sync.WaitGroup

	maintStop chan struct{}
	maintDone chan struct{}
}

// NewPool creates a pool for the resource at the given scope. The
// configuration is validated against the resource's schema once, here,
// not per instance.
func NewPool(res Resource, scope credential.Scope, config map[string]value.Value,
	cfg PoolConfig, bus *Bus) (*Pool, error) {

	if s := res.ConfigSchema(); s != nil {
		config = s.ApplyDefaults(config)
		if err := s.Validate(config); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		res:    res,
		scope:  scope,
		config: config,
		cfg:    cfg,
		bus:    bus,
		sem:    semaphore.NewWeighted(int64(cfg.MaxSize)),
	}
	if cfg.CreationsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.CreationsPerSecond), 1)
	}
	if cfg.Maintenance {
		p.maintStop = make(chan struct{})
		p.maintDone = make(chan struct{})
		go p.maintain()
	}
	return p, nil
}

// Acquire returns a guard over a live instance, waiting FIFO for
// capacity. It honors the per-call deadline via AcquireTimeout and the
// caller's context; on cancellation during the wait, the permit is
// released and no instance leaks.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	if p.closed.Load() {
		return nil, p.errShutdown()
	}
	parent := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if !p.sem.TryAcquire(1) {
		// Queue admission is a single atomic increment so racing callers
		// cannot overshoot the limit.
		if queued := p.waiting.Add(1); p.cfg.QueueLimit > 0 && queued > int64(p.cfg.QueueLimit) {
			p.waiting.Add(-1)
			p.publish(Event{Type: EventPoolExhausted})
			return nil, errors.Newf(errors.ClassInfra, errors.CodePoolExhausted,
				"pool %s at capacity %d with queue limit %d reached", p.res.ID(), p.cfg.MaxSize, p.cfg.QueueLimit).
				WithRetryable(true).
				WithSuggestion("raise max_size or queue_limit, or reduce concurrent acquisitions")
		}
		err := p.sem.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
				// The pool's own AcquireTimeout ran out while the pool
				// stayed at capacity. That is exhaustion, not a caller
				// deadline.
				p.publish(Event{Type: EventPoolExhausted})
				return nil, errors.Newf(errors.ClassInfra, errors.CodePoolExhausted,
					"pool %s still at capacity %d after waiting %s", p.res.ID(), p.cfg.MaxSize, p.cfg.AcquireTimeout).
					WithRetryable(true).
					WithSuggestion("raise max_size or acquire_timeout, or reduce concurrent acquisitions")
			}
			if ctx.Err() == context.DeadlineExceeded {
				return nil, errors.NewTimeout("acquire", p.cfg.AcquireTimeout).
					WithContext("pool", "acquire", "resource", p.res.ID().String())
			}
			return nil, errors.NewCancelled("acquire").WithCause(err)
		}
	}

	// Permit held from here on; every exit path either hands it to a
	// guard or releases it.
	if p.closed.Load() {
		p.sem.Release(1)
		return nil, p.errShutdown()
	}

	item, err := p.next(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.inUse.Add(1)
	p.publish(Event{Type: EventAcquired})
	return &Guard{pool: p, item: item}, nil
}

// next pops a valid idle instance or creates a fresh one.
func (p *Pool) next(ctx context.Context) (*pooled, error) {
	for {
		p.mu.Lock()
		var item *pooled
		if n := len(p.idle); n > 0 {
			item = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if item == nil {
			break
		}
		if p.usable(item) {
			return item, nil
		}
		p.destroy(item)
	}
	return p.create(ctx)
}

// usable applies validity plus age and idle limits.
func (p *Pool) usable(item *pooled) bool {
	now := time.Now()
	if p.cfg.MaxLifetime > 0 && now.Sub(item.createdAt) > p.cfg.MaxLifetime {
		return false
	}
	if p.cfg.MaxIdleTime > 0 && now.Sub(item.idleSince) > p.cfg.MaxIdleTime {
		return false
	}
	return p.res.IsValid(item.instance)
}

func (p *Pool) create(ctx context.Context) (*pooled, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, errors.NewCancelled("create").WithCause(err)
		}
	}
	instance, err := p.res.Create(ctx, p.config)
	if err != nil {
		p.publish(Event{Type: EventError, Err: err})
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeNetwork,
			"pool", "create")
	}
	now := time.Now()
	p.publish(Event{Type: EventCreated})
	return &pooled{instance: instance, createdAt: now, idleSince: now}, nil
}

// release is invoked asynchronously on guard drop.
func (p *Pool) release(item *pooled) {
	defer p.releases.Done()
	defer p.sem.Release(1)
	p.inUse.Add(-1)

	if p.closed.Load() || !p.res.IsValid(item.instance) {
		p.destroy(item)
		return
	}
	if err := p.res.Recycle(item.instance); err != nil {
		p.publish(Event{Type: EventError, Err: err})
		p.destroy(item)
		return
	}
	item.idleSince = time.Now()

	p.mu.Lock()
	p.idle = append(p.idle, item)
	p.mu.Unlock()
	p.publish(Event{Type: EventReleased})
}

func (p *Pool) destroy(item *pooled) {
	if err := p.res.Cleanup(item.instance); err != nil {
		p.publish(Event{Type: EventError, Err: err})
		return
	}
	p.publish(Event{Type: EventCleanedUp})
}

// maintain evicts stale instances, health-checks idle ones and keeps
// the pool at MinSize.
func (p *Pool) maintain() {
	defer close(p.maintDone)
	ticker := time.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.maintStop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var keep, drop []*pooled
	for _, item := range p.idle {
		if p.usable(item) {
			keep = append(keep, item)
		} else {
			drop = append(drop, item)
		}
	}
	p.idle = keep
	deficit := p.cfg.MinSize - len(keep) - int(p.inUse.Load())
	p.mu.Unlock()

	for _, item := range drop {
		p.destroy(item)
	}
	if len(drop) > 0 && p.res.Flags().HealthCheckable {
		p.publish(Event{Type: EventHealthChanged, Healthy: false})
	}

	for i := 0; i < deficit && !p.closed.Load(); i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationInterval)
		item, err := p.create(ctx)
		cancel()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, item)
		p.mu.Unlock()
	}
}

// Shutdown stops new acquisitions, waits (bounded) for outstanding
// guards and cleans up idle instances.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.maintStop != nil {
		close(p.maintStop)
		<-p.maintDone
	}

	done := make(chan struct{})
	go func() {
		p.releases.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case <-done:
	case <-grace.C:
		err = errors.NewTimeout("pool shutdown", p.cfg.ShutdownGrace).
			WithContext("pool", "shutdown", "resource", p.res.ID().String())
	case <-ctx.Done():
		err = errors.NewCancelled("pool shutdown")
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, item := range idle {
		p.destroy(item)
	}
	return err
}

// Stats reports instantaneous pool occupancy.
func (p *Pool) Stats() (idle, inUse, waiting int) {
	p.mu.Lock()
	idle = len(p.idle)
	p.mu.Unlock()
	return idle, int(p.inUse.Load()), int(p.waiting.Load())
}

func (p *Pool) errShutdown() error {
	return errors.Newf(errors.ClassClient, errors.CodeUnsupportedOperation,
		"pool %s is shut down", p.res.ID())
}

func (p *Pool) publish(ev Event) {
	if p.bus == nil {
		return
	}
	ev.Resource = p.res.ID()
	ev.Scope = p.scope
	p.bus.Publish(ev)
}

// Guard holds one acquired instance. Releasing is idempotent and
// asynchronous, so dropping a guard never blocks the caller.
type Guard struct {
	pool *Pool
	item *pooled
	once sync.Once
}

// Instance returns the held instance. Invalid after Release.
func (g *Guard) Instance() any { return g.item.instance }

// Release returns the instance to the pool (or destroys it when no
// longer valid). Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.pool.releases.Add(1)
		go g.pool.release(g.item)
	})
}
