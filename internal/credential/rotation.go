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

package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/errors"
)

// rotationCheckTimeout bounds a single scheduled rotation attempt.
const rotationCheckTimeout = 30 * time.Second

// rotationScheduler ticks per credential and rotates those entering
// the refresh window.
type rotationScheduler struct {
	manager *Manager
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

func newRotationScheduler(m *Manager) *rotationScheduler {
	return &rotationScheduler{
		manager: m,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

func (r *rotationScheduler) schedule(id string, scope Scope, every time.Duration) error {
	if every < time.Second {
		return errors.NewConfig("rotation.interval", "interval must be at least 1s")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[id]; ok {
		r.cron.Remove(old)
	}
	entry, err := r.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		r.tick(id, scope)
	})
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, errors.CodeInternal, "credential", "schedule")
	}
	r.entries[id] = entry
	return nil
}

func (r *rotationScheduler) tick(id string, scope Scope) {
	ctx, cancel := context.WithTimeout(context.Background(), rotationCheckTimeout)
	defer cancel()

	rec, err := r.manager.store.Get(ctx, id)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			r.stop(id) // deleted since scheduling
			return
		}
		r.manager.logger.Warn("rotation check failed", "id", id, "error", err)
		return
	}
	if !r.manager.needsRefresh(rec) {
		return
	}
	if _, err := r.manager.Rotate(ctx, id, scope); err != nil {
		r.manager.logger.Warn("scheduled rotation failed", "id", id, "error", err)
	}
}

func (r *rotationScheduler) stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}
}

func (r *rotationScheduler) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.cron.Start()
		r.started = true
	}
}

func (r *rotationScheduler) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		ctx := r.cron.Stop()
		<-ctx.Done()
		r.started = false
	}
}
