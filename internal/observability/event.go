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

// Package observability is the engine's event spine: execution and
// node lifecycle events flow over a bounded broadcast bus to
// subscribers (structured logs, prometheus counters, otel spans).
// Publishing never blocks; slow subscribers lose their oldest events.
package observability

import "time"

// Well-known event names emitted by the engine. Start/finish pairs
// bracket spans.
const (
	EventExecutionStart  = "execution.start"
	EventExecutionFinish = "execution.finish"
	EventNodeStart       = "node.start"
	EventNodeFinish      = "node.finish"
	EventNodeRetry       = "node.retry"
	EventNodeSkipped     = "node.skipped"
)

// Context locates an event in the execution hierarchy. Contexts nest:
// With and WithNode derive children that inherit the parent's tags.
type Context struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Tags        map[string]string
}

// With derives a child context with extra tags; later keys override
// inherited ones. The parent is not mutated.
func (c Context) With(tags map[string]string) Context {
	merged := make(map[string]string, len(c.Tags)+len(tags))
	for k, v := range c.Tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	c.Tags = merged
	return c
}

// WithNode derives a child context scoped to one node.
func (c Context) WithNode(nodeID string) Context {
	c.NodeID = nodeID
	return c
}

// Event is one observability notification.
type Event struct {
	Name    string
	Context Context
	Fields  map[string]any
	At      time.Time
}
