package action

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/errors"
)

// SQLiteStateStore persists stateful-action state in a local SQLite
// database with WAL mode enabled.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore opens (and migrates) the database at path.
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	if path == "" {
		return nil, errors.NewConfig("action.state.sqlite.path", "database path is required")
	}

	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "action", "open")
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "action", "open")
	}

	s := &SQLiteStateStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStateStore) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS action_state (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "action", "migrate")
	}
	return nil
}

func (s *SQLiteStateStore) Save(ctx context.Context, key string, st State) error {
	const q = `INSERT INTO action_state (key, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, key, int64(st.Version), st.Payload,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "action", "save_state")
	}
	return nil
}

func (s *SQLiteStateStore) Load(ctx context.Context, key string) (State, error) {
	const q = `SELECT version, payload FROM action_state WHERE key = ?`
	var (
		version int64
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&version, &payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return State{}, errors.NewNotFound("action state", key)
	}
	if err != nil {
		return State{}, errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "action", "load_state")
	}
	return State{Version: uint32(version), Payload: payload}, nil
}

func (s *SQLiteStateStore) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM action_state WHERE key = ?`
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeStorage, "action", "delete_state")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStateStore) Close() error { return s.db.Close() }
