package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Jobs whose checkpoints must live next to the business data they track
//   - Fleets where the external scheduler may hand an instance to any host
//
// Schema:
//   - job_checkpoints: one row per (job_kind, instance_key) with a version
//     column used for optimistic concurrency
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed checkpoint store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// parseTime is always enabled regardless of the DSN.
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables
//	or the config package, which reads JOBCONTINUE_STORE_DSN.
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/jobs")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS job_checkpoints (
			job_kind VARCHAR(191) NOT NULL,
			instance_key VARCHAR(191) NOT NULL,
			version BIGINT NOT NULL,
			payload LONGTEXT NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (job_kind, instance_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create job_checkpoints table: %w", err)
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Load retrieves the checkpoint for a job instance.
func (s *MySQLStore) Load(ctx context.Context, jobKind, instanceKey string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	query := `
		SELECT version, payload, updated_at
		FROM job_checkpoints
		WHERE job_kind = ? AND instance_key = ?
	`

	var (
		data []byte
		rec  = Record{JobKind: jobKind, InstanceKey: instanceKey}
	)
	err := s.db.QueryRowContext(ctx, query, jobKind, instanceKey).Scan(&rec.Version, &data, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := decodePayload(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return rec, nil
}

// Save writes rec if the stored version still matches rec.Version.
//
// New records go through INSERT IGNORE; a duplicate key leaves zero affected
// rows, which is reported as ErrConflict like a stale version on UPDATE.
func (s *MySQLStore) Save(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := encodePayload(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	var res sql.Result
	if rec.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT IGNORE INTO job_checkpoints (job_kind, instance_key, version, payload, updated_at)
			VALUES (?, ?, 1, ?, ?)
		`, rec.JobKind, rec.InstanceKey, data, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE job_checkpoints
			SET version = version + 1, payload = ?, updated_at = ?
			WHERE job_kind = ? AND instance_key = ? AND version = ?
		`, data, now, rec.JobKind, rec.InstanceKey, rec.Version)
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
func (s *MySQLStore) Delete(ctx context.Context, jobKind, instanceKey string) error {
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

// Close closes the database connection. Subsequent calls are no-ops.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (s *MySQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}
