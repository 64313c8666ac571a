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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{Type: EventCreated})

	ev := <-ch1
	assert.Equal(t, EventCreated, ev.Type)
	assert.False(t, ev.At.IsZero(), "publish stamps the event time")
	assert.Equal(t, EventCreated, (<-ch2).Type)
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: EventCreated})
	bus.Publish(Event{Type: EventAcquired})
	bus.Publish(Event{Type: EventReleased}) // evicts EventCreated

	assert.Equal(t, EventAcquired, (<-ch).Type)
	assert.Equal(t, EventReleased, (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q", ev.Type)
	default:
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open, "cancel closes the subscriber channel")
	bus.Publish(Event{Type: EventCreated}) // must not panic
}

func TestBusCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus(2)
	ch, _ := bus.Subscribe()

	bus.Close()
	bus.Close() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields a pre-closed channel.
	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestCollectorTerminatesOnBusClose(t *testing.T) {
	bus := NewBus(4)
	c := NewCollector(bus)

	bus.Publish(Event{Type: EventCreated, Resource: ID{Kind: "postgres", Version: "1"}})
	bus.Close()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after bus close")
	}
}

func TestPoolPublishesLifecycleEvents(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	res := &fakeResource{}
	p, err := NewPool(res, "org:acme", testConfig(), PoolConfig{MaxSize: 1}, bus)
	require.NoError(t, err)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release()
	require.Eventually(t, func() bool { return res.recycled.Load() == 1 },
		time.Second, time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))

	var seen []EventType
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Contains(t, seen, EventCreated)
	assert.Contains(t, seen, EventAcquired)
	assert.Contains(t, seen, EventReleased)
	assert.Contains(t, seen, EventCleanedUp)
}
