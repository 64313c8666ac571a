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
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// poolKey identifies a pool: one resource at one scope.
type poolKey struct {
	id    string
	scope credential.Scope
}

// ManagerConfig wires a resource manager.
type ManagerConfig struct {
	// Defaults applies to pools created without an explicit config.
	Defaults PoolConfig
	// BusBuffer sizes subscriber channels on the event bus.
	BusBuffer int
	// Logger receives structured events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Manager registers resources and maintains a pool per (resource,
// scope) pair. Requests at a narrower scope bind a more specific pool;
// broader scopes share theirs.
type Manager struct {
	cfg    ManagerConfig
	bus    *Bus
	logger *slog.Logger

	mu        sync.RWMutex
	resources map[string]Resource
	pools     map[poolKey]*Pool
	poolCfgs  map[string]PoolConfig
	closed    bool
}

// NewManager creates an empty manager and starts its event bus.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		bus:       NewBus(cfg.BusBuffer),
		logger:    cfg.Logger.With("component", "resource"),
		resources: make(map[string]Resource),
		pools:     make(map[poolKey]*Pool),
		poolCfgs:  make(map[string]PoolConfig),
	}
}

// Bus exposes the lifecycle event bus for collectors.
func (m *Manager) Bus() *Bus { return m.bus }

// Register adds a resource type, rejecting duplicates.
func (m *Manager) Register(res Resource, cfg PoolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := res.ID().String()
	if _, dup := m.resources[key]; dup {
		return errors.Newf(errors.ClassClient, errors.CodeConflict,
			"resource %s is already registered", key)
	}
	m.resources[key] = res
	m.poolCfgs[key] = cfg
	m.logger.Debug("resource registered", "resource", key)
	return nil
}

// Lookup returns a registered resource.
func (m *Manager) Lookup(id ID) (Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[id.String()]
	if !ok {
		return nil, errors.NewNotFound("resource", id.String())
	}
	return res, nil
}

// Acquire borrows an instance of the resource at the given scope,
// creating the pool on first use. An empty scope binds the resource's
// default scope.
func (m *Manager) Acquire(ctx context.Context, id ID, scope credential.Scope,
	config map[string]value.Value) (*Guard, error) {

	pool, err := m.pool(id, scope, config)
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx)
}

func (m *Manager) pool(id ID, scope credential.Scope, config map[string]value.Value) (*Pool, error) {
	key := id.String()

	m.mu.RLock()
	res, ok := m.resources[key]
	if !ok {
		m.mu.RUnlock()
		return nil, errors.NewNotFound("resource", key)
	}
	if scope == credential.GlobalScope {
		scope = res.DefaultScope()
	}
	pk := poolKey{id: key, scope: scope}
	if p, ok := m.pools[pk]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, errors.Newf(errors.ClassClient, errors.CodeUnsupportedOperation,
			"resource manager is shut down")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[pk]; ok {
		return p, nil
	}

	cfg := m.poolCfgs[key]
	if cfg == (PoolConfig{}) {
		cfg = m.cfg.Defaults
	}
	p, err := NewPool(res, scope, config, cfg, m.bus)
	if err != nil {
		return nil, err
	}
	m.pools[pk] = p
	m.logger.Info("pool created", "resource", key, "scope", string(scope))
	return p, nil
}

// Shutdown drains every pool concurrently and closes the event bus.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[poolKey]*Pool)
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(func() error { return p.Shutdown(ctx) })
	}
	err := g.Wait()
	m.bus.Close()
	return err
}
