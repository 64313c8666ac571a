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
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// Record is one persisted credential. The flow state is stored only as
// ciphertext; plaintext never reaches a Store.
type Record struct {
	// ID is unique across the store.
	ID string `json:"id"`
	// Scope is the credential's position in the scope hierarchy.
	Scope Scope `json:"scope"`
	// Flow identifies the credential flow that owns the state.
	Flow FlowKind `json:"flow"`
	// Ciphertext is the sealed flow state.
	Ciphertext []byte `json:"ciphertext"`
	// Metadata carries non-secret annotations (issuer, account, notes).
	Metadata map[string]string `json:"metadata,omitempty"`
	// StateVersion increments on every persist; Put compares-and-swaps
	// on it so concurrent rotations cannot clobber each other.
	StateVersion int64 `json:"state_version"`
	// ExpiresAt is when the current token expires. Zero means never.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// IssuedAt is when the current token was obtained.
	IssuedAt time.Time `json:"issued_at,omitempty"`
	// CreatedAt and UpdatedAt are bookkeeping timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Capabilities describes what a Store implementation supports.
type Capabilities struct {
	// MaxPayload is the largest ciphertext the store accepts, in bytes.
	// Zero means unbounded.
	MaxPayload int
	// Scoped reports whether records keep their scope across restarts.
	Scoped bool
	// Listable reports whether List enumerates records.
	Listable bool
}

// Store persists credential records. Implementations must be safe for
// concurrent use. Put enforces compare-and-swap on StateVersion: a new
// record must carry version 1, an update must carry exactly the stored
// version plus one; anything else fails with a conflict error.
type Store interface {
	Name() string
	Capabilities() Capabilities
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
}

// errNotFound builds the canonical missing-credential error.
func errNotFound(store, id string) error {
	return errors.NewNotFound("credential", id).
		WithContext("credential", "get", "store", store)
}

// errConflict builds the canonical CAS-conflict error. It is retryable:
// the caller re-reads and reapplies its change.
func errConflict(store, id string, want, got int64) error {
	return errors.Newf(errors.ClassInfra, errors.CodeConflict,
		"version conflict on credential %s: put version %d, stored %d", id, want, got).
		WithRetryable(true).
		WithContext("credential", "put", "store", store)
}

// checkPayload enforces a store's MaxPayload capability.
func checkPayload(store string, caps Capabilities, rec Record) error {
	if caps.MaxPayload > 0 && len(rec.Ciphertext) > caps.MaxPayload {
		return errors.Newf(errors.ClassClient, errors.CodeDataLimitExceeded,
			"credential %s ciphertext is %d bytes, store %s accepts at most %d",
			rec.ID, len(rec.Ciphertext), store, caps.MaxPayload)
	}
	return nil
}

// MemoryStore keeps records in process memory. Useful for tests and
// ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Capabilities() Capabilities {
	return Capabilities{Scoped: true, Listable: true}
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.records[rec.ID]
	switch {
	case !exists && rec.StateVersion != 1:
		return errConflict(s.Name(), rec.ID, rec.StateVersion, 0)
	case exists && rec.StateVersion != stored.StateVersion+1:
		return errConflict(s.Name(), rec.ID, rec.StateVersion, stored.StateVersion)
	}

	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, errNotFound(s.Name(), id)
	}
	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return errNotFound(s.Name(), id)
	}
	delete(s.records, id)
	return nil
}
