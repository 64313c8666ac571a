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
	"sync"
	"time"

	"github.com/loomworks/loom/internal/credential"
)

// EventType enumerates pool lifecycle events.
type EventType string

const (
	EventCreated       EventType = "created"
	EventAcquired      EventType = "acquired"
	EventReleased      EventType = "released"
	EventCleanedUp     EventType = "cleaned_up"
	EventError         EventType = "error"
	EventPoolExhausted EventType = "pool_exhausted"
	EventHealthChanged EventType = "health_changed"
)

// Event is one pool lifecycle notification.
type Event struct {
	Type     EventType
	Resource ID
	Scope    credential.Scope
	// Healthy accompanies HealthChanged.
	Healthy bool
	// Err accompanies Error.
	Err error
	At  time.Time
}

// defaultBusBuffer is the per-subscriber channel depth.
const defaultBusBuffer = 64

// Bus broadcasts events to subscribers over bounded channels. A slow
// subscriber loses its oldest undelivered events rather than blocking
// publishers. Closing the bus closes every subscriber channel so
// collectors terminate cleanly.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer; zero or
// negative uses the default.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a listener. The cancel function removes it and
// closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans the event out. Full subscriber buffers drop their oldest
// event to make room; publishers never block.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Drop the oldest queued event and retry once.
				select {
				case <-ch:
					continue
				default:
				}
			}
			break
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
