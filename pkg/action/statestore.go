package action

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/errors"
)

// State is one persisted stateful-action payload. Version records the
// action StateVersion the payload was written at.
type State struct {
	Version uint32
	Payload []byte
}

// StateStore persists stateful-action state between iterations and
// across restarts.
type StateStore interface {
	Save(ctx context.Context, key string, st State) error
	Load(ctx context.Context, key string) (State, error)
	Delete(ctx context.Context, key string) error
}

// LoadState loads the payload for a stateful action, dispatching
// MigrateState when the stored version is older than the action's. A
// missing key returns a nil payload so the caller initializes fresh
// state; a payload newer than the action fails.
func LoadState(ctx context.Context, store StateStore, key string, a StatefulAction) ([]byte, error) {
	st, err := store.Load(ctx, key)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	current := a.StateVersion()
	switch {
	case st.Version == current:
		return st.Payload, nil
	case st.Version < current:
		payload, err := a.MigrateState(st.Version, st.Payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassServer, errors.CodeSerialization,
				"action", "migrate_state")
		}
		return payload, nil
	default:
		return nil, errors.Newf(errors.ClassServer, errors.CodeSerialization,
			"stored state version %d is newer than action %s version %d",
			st.Version, a.Metadata().ID, current).
			WithSuggestion("upgrade the action or clear the stored state")
	}
}

// MemoryStateStore keeps state in process memory. Payloads are copied
// on both save and load.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (s *MemoryStateStore) Save(_ context.Context, key string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = State{Version: st.Version, Payload: append([]byte(nil), st.Payload...)}
	return nil
}

func (s *MemoryStateStore) Load(_ context.Context, key string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return State{}, errors.NewNotFound("action state", key)
	}
	return State{Version: st.Version, Payload: append([]byte(nil), st.Payload...)}, nil
}

func (s *MemoryStateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}
