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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextNesting(t *testing.T) {
	root := Context{
		ExecutionID: "exec-1",
		WorkflowID:  "deploy",
		Tags:        map[string]string{"env": "prod", "region": "eu"},
	}

	child := root.With(map[string]string{"region": "us", "team": "data"}).WithNode("fetch")

	assert.Equal(t, "exec-1", child.ExecutionID)
	assert.Equal(t, "fetch", child.NodeID)
	assert.Equal(t, "prod", child.Tags["env"], "inherited")
	assert.Equal(t, "us", child.Tags["region"], "overridden")
	assert.Equal(t, "data", child.Tags["team"], "added")

	// The parent is untouched.
	assert.Equal(t, "eu", root.Tags["region"])
	assert.Empty(t, root.NodeID)
}

func TestBusPerSubscriberOrder(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Name: fmt.Sprintf("ev-%d", i)})
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("ev-%d", i), (<-ch).Name)
	}
}

func TestBusDropsOldestForSlowSubscriber(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Name: "a"})
	bus.Publish(Event{Name: "b"})
	bus.Publish(Event{Name: "c"}) // evicts "a"

	assert.Equal(t, "b", (<-ch).Name)
	assert.Equal(t, "c", (<-ch).Name)
}

func TestBusCloseTerminates(t *testing.T) {
	bus := NewBus(2)
	ch, _ := bus.Subscribe()
	bus.Close()

	_, open := <-ch
	require.False(t, open)

	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)

	bus.Publish(Event{Name: "ignored"}) // must not panic
}
