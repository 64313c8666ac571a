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

// Package credential manages encrypted credentials: storage providers,
// flows that turn user input into tokens, scoped access, caching and
// background rotation.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// Store persists sealed records. Required.
	Store Store
	// Cipher seals and opens flow state. Required.
	Cipher *Cipher
	// Cache enables the in-memory cache. Nil disables caching.
	Cache *CacheConfig
	// Logger receives structured events. Defaults to slog.Default.
	Logger *slog.Logger

	// RefreshThreshold triggers refresh once elapsed/ttl exceeds it.
	// Defaults to 0.8.
	RefreshThreshold float64
	// ClockSkew is the expiry safety margin. Defaults to 30s.
	ClockSkew time.Duration
	// MaxRetries bounds CAS retry attempts on version conflicts.
	// Defaults to 5.
	MaxRetries uint
	// BackoffMax caps the exponential backoff between CAS retries.
	// Defaults to 2s.
	BackoffMax time.Duration
}

// RotationCallback is notified after a credential's state rotates so
// holders (active connections, cached clients) can re-authenticate.
type RotationCallback func(id string, token Token)

// Manager is the credential subsystem's front door. All operations are
// safe for concurrent use.
type Manager struct {
	store  Store
	cipher *Cipher
	cache  *Cache
	logger *slog.Logger
	cfg    ManagerConfig

	mu        sync.RWMutex
	flows     map[FlowKind]Flow
	callbacks []RotationCallback

	rotation *rotationScheduler

	now func() time.Time
}

// NewManager creates a manager with the basic, bearer and password
// flows pre-registered. OAuth2 flows carry per-provider endpoints and
// are registered by the caller.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.NewConfig("credential.store", "a store is required")
	}
	if cfg.Cipher == nil {
		return nil, errors.NewConfig("credential.cipher", "a cipher is required")
	}
	if cfg.RefreshThreshold <= 0 || cfg.RefreshThreshold >= 1 {
		cfg.RefreshThreshold = 0.8
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		store:  cfg.Store,
		cipher: cfg.Cipher,
		logger: cfg.Logger.With("component", "credential"),
		cfg:    cfg,
		flows: map[FlowKind]Flow{
			FlowBasic:    BasicFlow{},
			FlowBearer:   BearerFlow{},
			FlowPassword: PasswordFlow{},
		},
		now: time.Now,
	}
	if cfg.Cache != nil {
		m.cache = NewCache(*cfg.Cache)
	}
	m.rotation = newRotationScheduler(m)
	return m, nil
}

// RegisterFlow adds a flow implementation, rejecting duplicates.
func (m *Manager) RegisterFlow(f Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.flows[f.Kind()]; dup {
		return errors.Newf(errors.ClassClient, errors.CodeConflict,
			"flow %q is already registered", f.Kind())
	}
	m.flows[f.Kind()] = f
	return nil
}

func (m *Manager) flow(kind FlowKind) (Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[kind]
	if !ok {
		return nil, errors.NewNotFound("credential flow", string(kind))
	}
	return f, nil
}

// Initialize starts a flow and persists the resulting state under id.
// When the flow pends on a human step, the pending state is persisted
// and the interaction is returned; CompleteInteraction finishes it.
func (m *Manager) Initialize(ctx context.Context, id string, scope Scope, kind FlowKind,
	input map[string]value.Value, metadata map[string]string) (Initialization, error) {

	f, err := m.flow(kind)
	if err != nil {
		return Initialization{}, err
	}
	init, err := f.Initialize(ctx, input)
	if err != nil {
		return Initialization{}, err
	}
	if err := m.Store(ctx, id, scope, kind, init.State, metadata); err != nil {
		return Initialization{}, err
	}
	return init, nil
}

// CompleteInteraction finishes a pending flow (e.g. exchanges an OAuth2
// authorization code) and persists the completed state.
func (m *Manager) CompleteInteraction(ctx context.Context, id string, scope Scope,
	input map[string]value.Value) error {

	state, rec, err := m.load(ctx, id, scope)
	if err != nil {
		return err
	}
	f, err := m.flow(rec.Flow)
	if err != nil {
		return err
	}
	completed, err := f.Complete(ctx, state, input)
	if err != nil {
		return err
	}
	return m.persist(ctx, id, func(rec *Record) error {
		return m.seal(rec, completed)
	})
}

// Store seals flow state and persists it under id. An existing record
// is replaced (its version advances); a new one starts at version 1.
func (m *Manager) Store(ctx context.Context, id string, scope Scope, kind FlowKind,
	state State, metadata map[string]string) error {

	if _, err := m.flow(kind); err != nil {
		return err
	}

	err := m.withRetry(ctx, func() error {
		now := m.now()
		rec, err := m.store.Get(ctx, id)
		switch {
		case err == nil:
			rec.StateVersion++
		case errors.HasCode(err, errors.CodeNotFound):
			rec = Record{ID: id, StateVersion: 1, CreatedAt: now}
		default:
			return backoff.Permanent(err)
		}

		rec.Scope = scope
		rec.Flow = kind
		rec.Metadata = metadata
		rec.IssuedAt = now
		rec.UpdatedAt = now
		rec.ExpiresAt = state.ExpiresAt()
		if err := m.seal(&rec, state); err != nil {
			return backoff.Permanent(err)
		}
		if err := checkPayload(m.store.Name(), m.store.Capabilities(), rec); err != nil {
			return backoff.Permanent(err)
		}
		return m.put(ctx, rec)
	})
	if err != nil {
		return err
	}
	m.invalidate(id)
	m.logger.Info("credential stored", "id", id, "scope", string(scope), "flow", string(kind))
	return nil
}

// Retrieve returns the decrypted flow state. The caller's scope must be
// an ancestor of (or equal to) the credential's scope; anything else
// fails closed.
func (m *Manager) Retrieve(ctx context.Context, id string, callerScope Scope) (State, error) {
	state, _, err := m.load(ctx, id, callerScope)
	return state, err
}

// RetrieveScoped resolves a credential by name, walking the caller's
// scope chain from most specific to the global root. The first match
// wins.
func (m *Manager) RetrieveScoped(ctx context.Context, name string, callerScope Scope) (State, error) {
	for _, scope := range callerScope.Chain() {
		state, _, err := m.load(ctx, ScopedID(scope, name), callerScope)
		if err == nil {
			return state, nil
		}
		if !errors.HasCode(err, errors.CodeNotFound) {
			return nil, err
		}
	}
	return nil, errors.NewNotFound("credential", name).
		WithContext("credential", "retrieve_scoped", "scope", string(callerScope))
}

// ScopedID builds the conventional id for a named credential at a scope.
func ScopedID(scope Scope, name string) string {
	if scope == GlobalScope {
		return name
	}
	return string(scope) + "/" + name
}

// List returns all records with ciphertext stripped.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	if !m.store.Capabilities().Listable {
		return nil, errors.Newf(errors.ClassClient, errors.CodeUnsupportedOperation,
			"store %s does not support listing", m.store.Name())
	}
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Ciphertext = nil
	}
	return recs, nil
}

// ListScoped returns the records visible from the caller's scope.
func (m *Manager) ListScoped(ctx context.Context, callerScope Scope) ([]Record, error) {
	recs, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	visible := recs[:0]
	for _, rec := range recs {
		if callerScope.IsAncestorOf(rec.Scope) {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

// Delete removes a credential after revoking it upstream where the flow
// supports revocation.
func (m *Manager) Delete(ctx context.Context, id string, callerScope Scope) error {
	state, rec, err := m.load(ctx, id, callerScope)
	if err != nil {
		return err
	}
	if f, ferr := m.flow(rec.Flow); ferr == nil {
		if rerr := f.Revoke(ctx, state); rerr != nil && !errors.HasCode(rerr, errors.CodeUnsupportedOperation) {
			m.logger.Warn("revocation failed, deleting anyway", "id", id, "error", rerr)
		}
	}
	m.rotation.stop(id)
	m.invalidate(id)
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("credential deleted", "id", id)
	return nil
}

// GetToken returns a usable token, refreshing first when the current
// one is expired or inside the refresh window.
func (m *Manager) GetToken(ctx context.Context, id string, callerScope Scope) (Token, error) {
	state, rec, err := m.load(ctx, id, callerScope)
	if err != nil {
		return Token{}, err
	}
	if m.needsRefresh(rec) {
		if tok, rerr := m.Rotate(ctx, id, callerScope); rerr == nil {
			return tok, nil
		} else if !errors.IsRetryable(rerr) && !errors.HasCode(rerr, errors.CodeUnsupportedOperation) {
			return Token{}, rerr
		}
		// A transient refresh failure falls through to the current token
		// if it is still valid.
	}
	f, err := m.flow(rec.Flow)
	if err != nil {
		return Token{}, err
	}
	tok, err := f.Token(state)
	if err != nil {
		return Token{}, err
	}
	if tok.Expired(m.now(), m.cfg.ClockSkew) {
		return Token{}, errors.Newf(errors.ClassDomain, errors.CodeTransient,
			"credential %s is expired and could not be refreshed", id).WithRetryable(true)
	}
	return tok, nil
}

// Rotate refreshes the credential's state, persists it with the CAS
// retry loop and notifies rotation callbacks. Cancellation mid-refresh
// leaves the stored state unchanged.
func (m *Manager) Rotate(ctx context.Context, id string, callerScope Scope) (Token, error) {
	state, rec, err := m.load(ctx, id, callerScope)
	if err != nil {
		return Token{}, err
	}
	f, err := m.flow(rec.Flow)
	if err != nil {
		return Token{}, err
	}

	fresh, err := f.Refresh(ctx, state)
	if err != nil {
		recordRotation("failure")
		return Token{}, err
	}

	err = m.persist(ctx, id, func(rec *Record) error {
		rec.IssuedAt = m.now()
		rec.ExpiresAt = fresh.ExpiresAt()
		return m.seal(rec, fresh)
	})
	if err != nil {
		recordRotation("conflict")
		return Token{}, err
	}
	m.invalidate(id)

	tok, err := f.Token(fresh)
	if err != nil {
		recordRotation("failure")
		return Token{}, err
	}
	recordRotation("success")
	m.logger.Info("credential rotated", "id", id, "expires_at", tok.ExpiresAt)

	m.mu.RLock()
	callbacks := append([]RotationCallback(nil), m.callbacks...)
	m.mu.RUnlock()
	for _, cb := range callbacks {
		cb(id, tok)
	}
	return tok, nil
}

// OnRotation registers a callback invoked after every rotation.
func (m *Manager) OnRotation(cb RotationCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ScheduleRotation checks the credential on the given interval and
// rotates it when it enters the refresh window.
func (m *Manager) ScheduleRotation(id string, scope Scope, every time.Duration) error {
	return m.rotation.schedule(id, scope, every)
}

// StopRotation removes a scheduled rotation.
func (m *Manager) StopRotation(id string) { m.rotation.stop(id) }

// Start launches the rotation scheduler.
func (m *Manager) Start() { m.rotation.start() }

// Close stops background work and drops cached plaintext.
func (m *Manager) Close() {
	m.rotation.shutdown()
	if m.cache != nil {
		m.cache.Clear()
	}
}

// needsRefresh applies the elapsed/ttl threshold and clock-skew rules.
func (m *Manager) needsRefresh(rec Record) bool {
	if rec.ExpiresAt.IsZero() {
		return false
	}
	now := m.now()
	if now.Add(m.cfg.ClockSkew).After(rec.ExpiresAt) {
		return true
	}
	if !rec.IssuedAt.IsZero() {
		ttl := rec.ExpiresAt.Sub(rec.IssuedAt)
		if ttl > 0 {
			elapsed := now.Sub(rec.IssuedAt)
			return float64(elapsed)/float64(ttl) > m.cfg.RefreshThreshold
		}
	}
	return false
}

// load fetches a record (cache first), enforces the scope rule and
// opens the state.
func (m *Manager) load(ctx context.Context, id string, callerScope Scope) (State, Record, error) {
	var rec Record
	if m.cache != nil {
		cached, hit, negative := m.cache.Get(id)
		if negative {
			return nil, Record{}, errNotFound("cache", id)
		}
		if hit {
			rec = cached
		}
	}
	if rec.ID == "" {
		got, err := m.store.Get(ctx, id)
		if err != nil {
			if m.cache != nil && errors.HasCode(err, errors.CodeNotFound) {
				m.cache.PutNegative(id)
			}
			return nil, Record{}, err
		}
		rec = got
		if m.cache != nil {
			m.cache.Put(rec)
		}
	}

	if !callerScope.IsAncestorOf(rec.Scope) {
		return nil, Record{}, errors.Newf(errors.ClassClient, errors.CodeScopeViolation,
			"scope %q may not access credential %s in scope %q", callerScope, id, rec.Scope).
			WithSuggestion("request the credential from an enclosing scope")
	}

	pt, err := m.cipher.Decrypt(rec.Ciphertext, []byte(id))
	if err != nil {
		return nil, Record{}, err
	}
	defer pt.Wipe()
	state, err := unmarshalState(pt)
	if err != nil {
		return nil, Record{}, err
	}
	return state, rec, nil
}

// seal encrypts state into the record.
func (m *Manager) seal(rec *Record, state State) error {
	pt, err := state.marshal()
	if err != nil {
		return err
	}
	defer pt.Wipe()
	ct, err := m.cipher.Encrypt(pt, []byte(rec.ID))
	if err != nil {
		return err
	}
	rec.Ciphertext = ct
	return nil
}

// persist applies mutate to the stored record and writes it back,
// retrying the read-mutate-write cycle on version conflicts.
func (m *Manager) persist(ctx context.Context, id string, mutate func(*Record) error) error {
	return m.withRetry(ctx, func() error {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		rec.StateVersion++
		rec.UpdatedAt = m.now()
		if err := mutate(&rec); err != nil {
			return backoff.Permanent(err)
		}
		return m.put(ctx, rec)
	})
}

// put writes a record, mapping non-conflict errors to permanent ones so
// the retry loop only spins on CAS races.
func (m *Manager) put(ctx context.Context, rec Record) error {
	err := m.store.Put(ctx, rec)
	if err == nil {
		return nil
	}
	if errors.HasCode(err, errors.CodeConflict) {
		return err
	}
	return backoff.Permanent(err)
}

// withRetry runs op under exponential backoff bounded by the configured
// retry budget.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 10 * time.Millisecond
	expo.MaxInterval = m.cfg.BackoffMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(m.cfg.MaxRetries))
	return err
}

func (m *Manager) invalidate(id string) {
	if m.cache != nil {
		m.cache.Invalidate(id)
	}
}
