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
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// BreakerState is the circuit position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker. FailureThreshold counts
// consecutive failures; FailureRate (with WindowSize) trips on a
// windowed rate instead; either trigger opens the circuit.
type BreakerConfig struct {
	FailureThreshold int
	FailureRate      float64
	WindowSize       int
	ResetTimeout     time.Duration
	SuccessThreshold int
	HalfOpenProbes   int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// CircuitBreaker fails fast while a dependency is unhealthy:
// Closed → Open on the failure trigger, Open → HalfOpen after
// ResetTimeout, HalfOpen → Closed after SuccessThreshold trial
// successes or back to Open on any trial failure. Half-open admits at
// most HalfOpenProbes concurrent probes.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	window      []bool
	windowIdx   int
	windowFill  int
	openedAt    time.Time
	probes      int
	trialOKs    int

	now func() time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		cfg:    cfg,
		window: make([]bool, cfg.WindowSize),
		now:    time.Now,
	}
}

// State reports the current circuit position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Break runs op through the breaker. While the circuit is open the
// error is retryable with a RetryAfter hint of the remaining reset
// window. Cancellation does not count as a failure.
func Break[T any](ctx context.Context, b *CircuitBreaker, op Operation[T]) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := op(ctx)
	if errors.IsCancelled(err) {
		// Neither success nor failure; just return the probe slot.
		b.settle()
		return v, err
	}
	b.record(err == nil)
	return v, err
}

// admit decides whether a call may proceed, transitioning Open to
// HalfOpen once the reset timeout elapses.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return errOpen(remaining)
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.trialOKs = 0
		fallthrough
	default: // StateHalfOpen
		if b.probes >= b.cfg.HalfOpenProbes {
			return errOpen(b.cfg.ResetTimeout)
		}
		b.probes++
		return nil
	}
}

// settle returns a half-open probe slot without recording an outcome.
func (b *CircuitBreaker) settle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		if !success {
			b.open()
			return
		}
		b.trialOKs++
		if b.trialOKs >= b.cfg.SuccessThreshold {
			b.close()
		}
	case StateClosed:
		b.window[b.windowIdx] = success
		b.windowIdx = (b.windowIdx + 1) % len(b.window)
		if b.windowFill < len(b.window) {
			b.windowFill++
		}
		if success {
			b.consecutive = 0
			return
		}
		b.consecutive++
		if b.consecutive >= b.cfg.FailureThreshold || b.rateTripped() {
			b.open()
		}
	}
}

func (b *CircuitBreaker) rateTripped() bool {
	if b.cfg.FailureRate <= 0 || b.windowFill < len(b.window) {
		return false
	}
	failures := 0
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.cfg.FailureRate
}

func (b *CircuitBreaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.consecutive = 0
}

func (b *CircuitBreaker) close() {
	b.state = StateClosed
	b.consecutive = 0
	b.windowFill = 0
	b.windowIdx = 0
}

func errOpen(after time.Duration) error {
	return errors.New(errors.ClassInfra, errors.CodeCircuitOpen, "circuit breaker is open").
		WithRetryable(true).
		WithRetryAfter(after).
		WithSuggestion("wait for the reset timeout or check the downstream dependency")
}
