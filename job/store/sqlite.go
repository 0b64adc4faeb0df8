package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps checkpoints in a single-file database and is the default durable
// store for local jobs:
//   - Zero setup, survives process restarts
//   - Auto-migration on first use
//   - WAL mode so readers don't block the writer
//
// Schema:
//   - job_checkpoints: one row per (job_kind, instance_key) with a version column
//     used for optimistic concurrency
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite checkpoint database.
//
// The path parameter specifies the database file location:
//   - "./checkpoints.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./checkpoints.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS job_checkpoints (
			job_kind TEXT NOT NULL,
			instance_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (job_kind, instance_key)
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create job_checkpoints table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Load retrieves the checkpoint for a job instance.
func (s *SQLiteStore) Load(ctx context.Context, jobKind, instanceKey string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	query := `
		SELECT version, payload, updated_at
		FROM job_checkpoints
		WHERE job_kind = ? AND instance_key = ?
	`

	var (
		data      string
		updatedAt string
		rec       = Record{JobKind: jobKind, InstanceKey: instanceKey}
	)
	err := s.db.QueryRowContext(ctx, query, jobKind, instanceKey).Scan(&rec.Version, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := decodePayload([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return rec, nil
}

// Save writes rec if the stored version still matches rec.Version.
//
// A new record is inserted with ON CONFLICT DO NOTHING, an existing one is
// updated with a version predicate; zero affected rows means another attempt
// won the race.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := encodePayload(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	now := time.Now().UTC()

	var res sql.Result
	if rec.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO job_checkpoints (job_kind, instance_key, version, payload, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(job_kind, instance_key) DO NOTHING
		`, rec.JobKind, rec.InstanceKey, string(data), now.Format(time.RFC3339Nano))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE job_checkpoints
			SET version = version + 1, payload = ?, updated_at = ?
			WHERE job_kind = ? AND instance_key = ? AND version = ?
		`, string(data), now.Format(time.RFC3339Nano), rec.JobKind, rec.InstanceKey, rec.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}

	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// Delete removes the checkpoint for a job instance.
func (s *SQLiteStore) Delete(ctx context.Context, jobKind, instanceKey string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_checkpoints WHERE job_kind = ? AND instance_key = ?`,
		jobKind, instanceKey)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so business side effects can share the
// same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
