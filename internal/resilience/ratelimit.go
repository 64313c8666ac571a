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

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/pkg/errors"
)

// Limiter is one token per call: Allow rejects synchronously, Wait
// blocks until a token is available or the context ends.
type Limiter interface {
	Allow() bool
	Wait(ctx context.Context) error
}

// TokenBucket wraps x/time/rate: capacity tokens refilled at
// refillPerSecond.
type TokenBucket struct {
	limiter *rate.Limiter
}

func NewTokenBucket(refillPerSecond float64, capacity int) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

func (t *TokenBucket) Allow() bool { return t.limiter.Allow() }

func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.NewCancelled("rate limit wait").WithCause(err)
	}
	return nil
}

// SlidingWindow admits at most limit calls per window, measured over
// the trailing window rather than fixed buckets.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time

	now func() time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

func (s *SlidingWindow) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.prune(now)
	if len(s.times) >= s.limit {
		return false
	}
	s.times = append(s.times, now)
	return true
}

func (s *SlidingWindow) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		now := s.now()
		s.prune(now)
		if len(s.times) < s.limit {
			s.times = append(s.times, now)
			s.mu.Unlock()
			return nil
		}
		// Sleep until the oldest admission leaves the window.
		wakeAt := s.times[0].Add(s.window)
		s.mu.Unlock()

		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.NewCancelled("rate limit wait").WithCause(ctx.Err())
		}
	}
}

// prune drops admissions older than the window. Callers hold s.mu.
func (s *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.times) && !s.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.times = append(s.times[:0], s.times[i:]...)
	}
}

// AdaptiveConfig bounds an adaptive limiter. The rate floats inside
// [MinPerSecond, MaxPerSecond], raised on healthy traffic and cut when
// the error ratio over the stats window crosses ErrorRatio.
type AdaptiveConfig struct {
	InitialPerSecond float64
	MinPerSecond     float64
	MaxPerSecond     float64
	StatsWindow      time.Duration
	ErrorRatio       float64
}

func (c AdaptiveConfig) withDefaults() AdaptiveConfig {
	if c.MinPerSecond <= 0 {
		c.MinPerSecond = 1
	}
	if c.MaxPerSecond < c.MinPerSecond {
		c.MaxPerSecond = c.MinPerSecond
	}
	if c.InitialPerSecond < c.MinPerSecond || c.InitialPerSecond > c.MaxPerSecond {
		c.InitialPerSecond = c.MinPerSecond
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 10 * time.Second
	}
	if c.ErrorRatio <= 0 || c.ErrorRatio > 1 {
		c.ErrorRatio = 0.5
	}
	return c
}

// Adaptive is a token bucket whose rate reacts to observed outcomes:
// callers report Record(success) and the limiter recalculates at the
// end of each stats window.
type Adaptive struct {
	cfg     AdaptiveConfig
	limiter *rate.Limiter

	mu          sync.Mutex
	current     float64
	windowStart time.Time
	successes   int
	failures    int

	now func() time.Time
}

func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	cfg = cfg.withDefaults()
	a := &Adaptive{
		cfg:     cfg,
		current: cfg.InitialPerSecond,
		limiter: rate.NewLimiter(rate.Limit(cfg.InitialPerSecond), int(cfg.MaxPerSecond)+1),
		now:     time.Now,
	}
	a.windowStart = a.now()
	return a
}

func (a *Adaptive) Allow() bool { return a.limiter.Allow() }

func (a *Adaptive) Wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return errors.NewCancelled("rate limit wait").WithCause(err)
	}
	return nil
}

// Record feeds an outcome into the current stats window.
func (a *Adaptive) Record(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		a.successes++
	} else {
		a.failures++
	}
	if a.now().Sub(a.windowStart) >= a.cfg.StatsWindow {
		a.adjust()
	}
}

// Rate reports the current admissions per second.
func (a *Adaptive) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// adjust recalculates the rate from the closed window. Callers hold
// a.mu.
func (a *Adaptive) adjust() {
	total := a.successes + a.failures
	if total > 0 {
		ratio := float64(a.failures) / float64(total)
		switch {
		case ratio >= a.cfg.ErrorRatio:
			a.current = max(a.cfg.MinPerSecond, a.current/2)
		case a.failures == 0:
			a.current = min(a.cfg.MaxPerSecond, a.current*1.1)
		}
		a.limiter.SetLimit(rate.Limit(a.current))
	}
	a.successes = 0
	a.failures = 0
	a.windowStart = a.now()
}
