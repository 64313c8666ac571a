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
	"encoding/json"
	stderrors "errors"

	"github.com/zalando/go-keyring"

	"github.com/loomworks/loom/pkg/errors"
)

// keyringMaxPayload is the conservative entry size the OS keyrings
// agree on. Windows Credential Manager caps blobs at 2560 bytes; the
// others allow more but large entries degrade badly.
const keyringMaxPayload = 2048

// KeyringStore persists records in the OS keychain (macOS Keychain,
// Secret Service on Linux, Windows Credential Manager). Records are
// JSON-encoded into individual keyring entries; an index entry tracks
// the known IDs because keyrings cannot enumerate.
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a store using the given keyring service name.
// It fails when no keyring is reachable in the current environment.
func NewKeyringStore(service string) (*KeyringStore, error) {
	_, err := keyring.Get(service, "__loom_probe__")
	if err != nil && !stderrors.Is(err, keyring.ErrNotFound) {
		return nil, errors.New(errors.ClassInfra, errors.CodeStorage,
			"system keyring unavailable or locked").WithCause(err).
			WithSuggestion("unlock the keyring or use the file store")
	}
	return &KeyringStore{service: service}, nil
}

func (s *KeyringStore) Name() string { return "keyring" }

func (s *KeyringStore) Capabilities() Capabilities {
	return Capabilities{MaxPayload: keyringMaxPayload, Scoped: true, Listable: true}
}

const keyringIndexKey = "__loom_index__"

func (s *KeyringStore) Put(ctx context.Context, rec Record) error {
	if err := checkPayload(s.Name(), s.Capabilities(), rec); err != nil {
		return err
	}

	stored, err := s.Get(ctx, rec.ID)
	exists := err == nil
	if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
		return err
	}
	switch {
	case !exists && rec.StateVersion != 1:
		return errConflict(s.Name(), rec.ID, rec.StateVersion, 0)
	case exists && rec.StateVersion != stored.StateVersion+1:
		return errConflict(s.Name(), rec.ID, rec.StateVersion, stored.StateVersion)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, errors.CodeSerialization, "credential", "put")
	}
	if err := keyring.Set(s.service, rec.ID, string(data)); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "put")
	}
	return s.indexAdd(rec.ID)
}

func (s *KeyringStore) Get(ctx context.Context, id string) (Record, error) {
	raw, err := keyring.Get(s.service, id)
	if err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return Record{}, errNotFound(s.Name(), id)
		}
		return Record{}, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "get")
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "get")
	}
	return rec, nil
}

func (s *KeyringStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.index()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if errors.HasCode(err, errors.CodeNotFound) {
				continue // deleted out of band
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *KeyringStore) Delete(ctx context.Context, id string) error {
	if err := keyring.Delete(s.service, id); err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return errNotFound(s.Name(), id)
		}
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "delete")
	}
	return s.indexRemove(id)
}

func (s *KeyringStore) index() ([]string, error) {
	raw, err := keyring.Get(s.service, keyringIndexKey)
	if err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "index")
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "index")
	}
	return ids, nil
}

func (s *KeyringStore) indexAdd(id string) error {
	ids, err := s.index()
	if err != nil {
		return err
	}
	for _, known := range ids {
		if known == id {
			return nil
		}
	}
	return s.indexWrite(append(ids, id))
}

func (s *KeyringStore) indexRemove(id string) error {
	ids, err := s.index()
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, known := range ids {
		if known != id {
			out = append(out, known)
		}
	}
	return s.indexWrite(out)
}

func (s *KeyringStore) indexWrite(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, errors.CodeSerialization, "credential", "index")
	}
	if err := keyring.Set(s.service, keyringIndexKey, string(data)); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "index")
	}
	return nil
}
