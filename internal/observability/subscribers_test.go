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
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogSubscriberWritesStandardFields(t *testing.T) {
	bus := NewBus(16)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	sub := NewLogSubscriber(bus, logger)
	bus.Publish(Event{
		Name: EventNodeFinish,
		Context: Context{
			ExecutionID: "exec-1",
			WorkflowID:  "deploy",
			NodeID:      "fetch",
			Tags:        map[string]string{"env": "prod"},
		},
		Fields: map[string]any{"duration_ms": 12.5},
	})
	bus.Close()
	sub.Stop()

	out := buf.String()
	assert.Contains(t, out, "node.finish")
	assert.Contains(t, out, "execution_id=exec-1")
	assert.Contains(t, out, "node_id=fetch")
	assert.Contains(t, out, "env=prod")
	assert.Contains(t, out, "duration_ms=12.5")
}

func TestSpanSubscriberPairsStartFinish(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer provider.Shutdown(t.Context())

	bus := NewBus(16)
	sub := NewSpanSubscriber(bus, provider.Tracer("test"))

	execCtx := Context{ExecutionID: "exec-1", WorkflowID: "deploy"}
	start := time.Now()
	bus.Publish(Event{Name: EventExecutionStart, Context: execCtx, At: start})
	bus.Publish(Event{Name: EventNodeStart, Context: execCtx.WithNode("fetch"), At: start})
	bus.Publish(Event{Name: EventNodeFinish, Context: execCtx.WithNode("fetch"),
		At: start.Add(50 * time.Millisecond)})
	bus.Publish(Event{Name: EventExecutionFinish, Context: execCtx,
		At: start.Add(80 * time.Millisecond)})
	bus.Close()
	sub.Stop()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	// Node span ends first, so it is exported first.
	node, exec := spans[0], spans[1]
	assert.Equal(t, "node fetch", node.Name)
	assert.Equal(t, "execution deploy", exec.Name)
	assert.Equal(t, exec.SpanContext.SpanID(), node.Parent.SpanID(),
		"node span is a child of the execution span")
	assert.Equal(t, exec.SpanContext.TraceID(), node.SpanContext.TraceID())
}

func TestSpanSubscriberStopEndsOpenSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer provider.Shutdown(t.Context())

	bus := NewBus(16)
	sub := NewSpanSubscriber(bus, provider.Tracer("test"))

	bus.Publish(Event{Name: EventExecutionStart, Context: Context{ExecutionID: "exec-1"}})
	bus.Close()
	sub.Stop()

	assert.Len(t, exporter.GetSpans(), 1, "open span is closed on shutdown")
}

func TestMetricsSubscriberConsumes(t *testing.T) {
	bus := NewBus(16)
	sub := NewMetricsSubscriber(bus)

	bus.Publish(Event{Name: EventExecutionStart, Context: Context{ExecutionID: "exec-1"}})
	bus.Publish(Event{Name: EventNodeFinish, Context: Context{ExecutionID: "exec-1", NodeID: "a"},
		Fields: map[string]any{"duration_ms": 3.0}})
	bus.Publish(Event{Name: EventExecutionFinish, Context: Context{ExecutionID: "exec-1"}})
	bus.Close()
	sub.Stop()
}
