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
	"os"
	"path/filepath"
	"sync"

	"github.com/loomworks/loom/pkg/errors"
)

// FileStore persists records as a JSON document on disk. Flow state in
// the records is already ciphertext, so the file leaks only metadata;
// it is still written with owner-only permissions.
type FileStore struct {
	path string

	mu      sync.Mutex
	records map[string]Record
	loaded  bool
}

// NewFileStore creates a store backed by the given file. The file is
// created on first write; a missing file reads as empty.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, records: make(map[string]Record)}
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) Capabilities() Capabilities {
	return Capabilities{Scoped: true, Listable: true}
}

func (s *FileStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	stored, exists := s.records[rec.ID]
	switch {
	case !exists && rec.StateVersion != 1:
		return errConflict(s.Name(), rec.ID, rec.StateVersion, 0)
	case exists && rec.StateVersion != stored.StateVersion+1:
		return errConflict(s.Name(), rec.ID, rec.StateVersion, stored.StateVersion)
	}

	s.records[rec.ID] = rec
	if err := s.flush(); err != nil {
		// Roll back the in-memory state so a failed write is not
		// observable through Get.
		if exists {
			s.records[rec.ID] = stored
		} else {
			delete(s.records, rec.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return Record{}, err
	}
	rec, ok := s.records[id]
	if !ok {
		return Record{}, errNotFound(s.Name(), id)
	}
	return rec, nil
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	if _, ok := s.records[id]; !ok {
		return errNotFound(s.Name(), id)
	}
	delete(s.records, id)
	return s.flush()
}

// load reads the backing file once per process.
func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "load")
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "load").
			WithSuggestion("the credential file is corrupt; restore it from backup")
	}
	s.records = records
	s.loaded = true
	return nil
}

// flush writes the records atomically: temp file in the same directory,
// fsync, rename.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, errors.CodeSerialization, "credential", "flush")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "flush")
	}
	return nil
}
