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

package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subscriber consumes bus events on its own goroutine and terminates
// when the bus closes (or Stop is called).
type Subscriber struct {
	events <-chan Event
	cancel func()
	done   chan struct{}
}

func newSubscriber(bus *Bus, handle func(Event)) *Subscriber {
	events, cancel := bus.Subscribe()
	s := &Subscriber{events: events, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for ev := range events {
			handle(ev)
		}
	}()
	return s
}

// Stop unsubscribes and waits for in-flight handling to finish.
func (s *Subscriber) Stop() {
	s.cancel()
	<-s.done
}

// NewLogSubscriber writes every event as a structured log line with
// the standard field keys.
func NewLogSubscriber(bus *Bus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	return newSubscriber(bus, func(ev Event) {
		attrs := make([]any, 0, 8+2*len(ev.Fields)+2*len(ev.Context.Tags))
		attrs = append(attrs, "execution_id", ev.Context.ExecutionID)
		if ev.Context.WorkflowID != "" {
			attrs = append(attrs, "workflow", ev.Context.WorkflowID)
		}
		if ev.Context.NodeID != "" {
			attrs = append(attrs, "node_id", ev.Context.NodeID)
		}
		for k, v := range ev.Context.Tags {
			attrs = append(attrs, k, v)
		}
		for k, v := range ev.Fields {
			attrs = append(attrs, k, v)
		}
		logger.Info(ev.Name, attrs...)
	})
}

var (
	engineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_engine_events_total",
			Help: "Total engine events by name",
		},
		[]string{"name"},
	)

	activeExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_engine_active_executions",
			Help: "Executions currently running",
		},
	)

	nodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_engine_node_duration_seconds",
			Help:    "Node execution duration",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// NewMetricsSubscriber feeds engine events into prometheus.
func NewMetricsSubscriber(bus *Bus) *Subscriber {
	return newSubscriber(bus, func(ev Event) {
		engineEvents.WithLabelValues(ev.Name).Inc()
		switch ev.Name {
		case EventExecutionStart:
			activeExecutions.Inc()
		case EventExecutionFinish:
			activeExecutions.Dec()
		case EventNodeFinish:
			if d, ok := ev.Fields["duration_ms"].(float64); ok {
				nodeDuration.Observe(d / 1000)
			}
		}
	})
}
