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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolEvents counts lifecycle events by resource and type.
	poolEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_resource_pool_events_total",
			Help: "Total resource pool lifecycle events by resource and event type",
		},
		[]string{"resource", "event_type"},
	)

	// poolLive tracks live instances (created minus cleaned up).
	poolLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_resource_pool_instances",
			Help: "Live resource instances by resource",
		},
		[]string{"resource"},
	)

	// poolExhaustions counts acquire failures at capacity.
	poolExhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_resource_pool_exhausted_total",
			Help: "Total pool-exhausted acquire failures by resource",
		},
		[]string{"resource"},
	)
)

// Collector feeds pool events into prometheus. It terminates cleanly
// when the bus closes.
type Collector struct {
	events <-chan Event
	cancel func()
	done   chan struct{}
}

// NewCollector subscribes to the bus and starts consuming.
func NewCollector(bus *Bus) *Collector {
	events, cancel := bus.Subscribe()
	c := &Collector{events: events, cancel: cancel, done: make(chan struct{})}
	go c.run()
	return c
}

func (c *Collector) run() {
	defer close(c.done)
	for ev := range c.events {
		res := ev.Resource.String()
		poolEvents.WithLabelValues(res, string(ev.Type)).Inc()
		switch ev.Type {
		case EventCreated:
			poolLive.WithLabelValues(res).Inc()
		case EventCleanedUp:
			poolLive.WithLabelValues(res).Dec()
		case EventPoolExhausted:
			poolExhaustions.WithLabelValues(res).Inc()
		}
	}
}

// Stop unsubscribes and waits for the consumer to finish.
func (c *Collector) Stop() {
	c.cancel()
	<-c.done
}
