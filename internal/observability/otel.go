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
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanSubscriber mirrors start/finish event pairs as otel spans: one
// span per execution, one child span per node. Unpaired finish events
// are ignored; spans left open when the bus closes are ended then.
type SpanSubscriber struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[string]openSpan

	*Subscriber
}

type openSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewSpanSubscriber attaches the span mirror to the bus.
func NewSpanSubscriber(bus *Bus, tracer trace.Tracer) *SpanSubscriber {
	s := &SpanSubscriber{
		tracer: tracer,
		open:   make(map[string]openSpan),
	}
	s.Subscriber = newSubscriber(bus, s.handle)
	return s
}

// Stop drains the subscription and ends any spans still open.
func (s *SpanSubscriber) Stop() {
	s.Subscriber.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, os := range s.open {
		os.span.End()
		delete(s.open, key)
	}
}

func (s *SpanSubscriber) handle(ev Event) {
	switch ev.Name {
	case EventExecutionStart:
		s.start(executionKey(ev.Context), context.Background(), "execution", ev)
	case EventNodeStart:
		parent := context.Background()
		s.mu.Lock()
		if os, ok := s.open[executionKey(ev.Context)]; ok {
			parent = os.ctx
		}
		s.mu.Unlock()
		s.start(nodeKey(ev.Context), parent, "node", ev)
	case EventExecutionFinish:
		s.finish(executionKey(ev.Context), ev)
	case EventNodeFinish, EventNodeSkipped:
		s.finish(nodeKey(ev.Context), ev)
	}
}

func (s *SpanSubscriber) start(key string, parent context.Context, kind string, ev Event) {
	name := kind
	if ev.Context.NodeID != "" {
		name = fmt.Sprintf("%s %s", kind, ev.Context.NodeID)
	} else if ev.Context.WorkflowID != "" {
		name = fmt.Sprintf("%s %s", kind, ev.Context.WorkflowID)
	}

	attrs := []attribute.KeyValue{
		attribute.String("loom.execution_id", ev.Context.ExecutionID),
	}
	if ev.Context.WorkflowID != "" {
		attrs = append(attrs, attribute.String("loom.workflow", ev.Context.WorkflowID))
	}
	if ev.Context.NodeID != "" {
		attrs = append(attrs, attribute.String("loom.node_id", ev.Context.NodeID))
	}
	for k, v := range ev.Context.Tags {
		attrs = append(attrs, attribute.String(k, v))
	}

	ctx, span := s.tracer.Start(parent, name,
		trace.WithTimestamp(ev.At),
		trace.WithAttributes(attrs...))

	s.mu.Lock()
	s.open[key] = openSpan{ctx: ctx, span: span}
	s.mu.Unlock()
}

func (s *SpanSubscriber) finish(key string, ev Event) {
	s.mu.Lock()
	os, ok := s.open[key]
	delete(s.open, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	if errMsg, failed := ev.Fields["error"].(string); failed {
		os.span.SetStatus(codes.Error, errMsg)
	} else if ev.Name != EventNodeSkipped {
		os.span.SetStatus(codes.Ok, "")
	}
	os.span.End(trace.WithTimestamp(ev.At))
}

func executionKey(c Context) string { return "execution/" + c.ExecutionID }

func nodeKey(c Context) string { return "node/" + c.ExecutionID + "/" + c.NodeID }
