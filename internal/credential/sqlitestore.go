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
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/errors"
)

// SQLiteStore persists records in a local SQLite database with WAL mode
// enabled. The compare-and-swap on StateVersion is enforced inside a
// single UPDATE so concurrent writers race on the database, not on Go
// locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.NewConfig("credential.sqlite.path", "database path is required")
	}

	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "open")
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "open")
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL DEFAULT '',
		flow TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		metadata_json TEXT,
		state_version INTEGER NOT NULL,
		expires_at TEXT,
		issued_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "migrate")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Capabilities() Capabilities {
	return Capabilities{Scoped: true, Listable: true}
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, errors.CodeSerialization, "credential", "put")
	}

	if rec.StateVersion == 1 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO credentials
			 (id, scope, flow, ciphertext, metadata_json, state_version, expires_at, issued_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, string(rec.Scope), string(rec.Flow), rec.Ciphertext, string(meta),
			rec.StateVersion, timeText(rec.ExpiresAt), timeText(rec.IssuedAt),
			timeText(rec.CreatedAt), timeText(rec.UpdatedAt))
		if err != nil {
			// A unique-constraint failure means the record already exists:
			// version 1 conflicts with whatever is stored.
			stored, gerr := s.Get(ctx, rec.ID)
			if gerr == nil {
				return errConflict(s.Name(), rec.ID, rec.StateVersion, stored.StateVersion)
			}
			return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "put")
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials
		 SET scope = ?, flow = ?, ciphertext = ?, metadata_json = ?, state_version = ?,
		     expires_at = ?, issued_at = ?, updated_at = ?
		 WHERE id = ? AND state_version = ?`,
		string(rec.Scope), string(rec.Flow), rec.Ciphertext, string(meta), rec.StateVersion,
		timeText(rec.ExpiresAt), timeText(rec.IssuedAt), timeText(rec.UpdatedAt),
		rec.ID, rec.StateVersion-1)
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "put")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "put")
	}
	if n == 0 {
		stored, gerr := s.Get(ctx, rec.ID)
		if gerr != nil {
			return errNotFound(s.Name(), rec.ID)
		}
		return errConflict(s.Name(), rec.ID, rec.StateVersion, stored.StateVersion)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, flow, ciphertext, metadata_json, state_version, expires_at, issued_at, created_at, updated_at
		 FROM credentials WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return Record{}, errNotFound(s.Name(), id)
		}
		return Record{}, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "get")
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, flow, ciphertext, metadata_json, state_version, expires_at, issued_at, created_at, updated_at
		 FROM credentials ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "list")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "list")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "list")
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "credential", "delete")
	}
	if n == 0 {
		return errNotFound(s.Name(), id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec     Record
		scope   string
		flow    string
		meta    sql.NullString
		expires sql.NullString
		issued  sql.NullString
		created string
		updated string
	)
	err := row.Scan(&rec.ID, &scope, &flow, &rec.Ciphertext, &meta,
		&rec.StateVersion, &expires, &issued, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	rec.Scope = Scope(scope)
	rec.Flow = FlowKind(flow)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return Record{}, err
		}
	}
	rec.ExpiresAt = parseTimeText(expires.String)
	rec.IssuedAt = parseTimeText(issued.String)
	rec.CreatedAt = parseTimeText(created)
	rec.UpdatedAt = parseTimeText(updated)
	return rec, nil
}

func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
