// Package sqlitestore is a SQLite-backed measurements.Store, adapted
// directly from the teacher's graph/store/sqlite.go: single-writer
// connection pool, WAL mode, busy-timeout pragma, auto-migrated schema.
// Kept on modernc.org/sqlite for the same no-cgo build reason the
// teacher chose it.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/auroraworks/servicethread/measurements"
)

// Store is a SQLite-backed measurements.Store and measurements.RuleCache.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// New opens (creating if needed) a SQLite database at path and ensures
// the measurement/rule-cache schema exists.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS measurement_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sequence_id INTEGER NOT NULL,
			service_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			arrival_time INTEGER NOT NULL,
			invocation_time INTEGER NOT NULL,
			publish_time INTEGER NOT NULL,
			workflow_start_time INTEGER NOT NULL,
			buffer_size INTEGER NOT NULL,
			max_queue_capacity INTEGER NOT NULL,
			total_marking INTEGER NOT NULL,
			valid INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_measurement_service_op ON measurement_rows(service_name, operation)`,
		`CREATE TABLE IF NOT EXISTS rule_base_cache (
			version TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: creating schema: %w", err)
		}
	}
	return nil
}

// WriteRow implements measurements.Store.
func (s *Store) WriteRow(ctx context.Context, row measurements.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurement_rows
			(sequence_id, service_name, operation, arrival_time, invocation_time,
			 publish_time, workflow_start_time, buffer_size, max_queue_capacity,
			 total_marking, valid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SequenceID, row.ServiceName, row.Operation, row.ArrivalTime, row.InvocationTime,
		row.PublishTime, row.WorkflowStartTime, row.BufferSize, row.MaxQueueCapacity,
		row.TotalMarking, row.Valid)
	if err != nil {
		return fmt.Errorf("sqlitestore: write row: %w", err)
	}
	return nil
}

// Rows implements measurements.Store.
func (s *Store) Rows(ctx context.Context, filter measurements.Filter) ([]measurements.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT sequence_id, service_name, operation, arrival_time, invocation_time,
		publish_time, workflow_start_time, buffer_size, max_queue_capacity, total_marking, valid
		FROM measurement_rows WHERE 1=1`
	var args []interface{}
	if filter.ServiceName != "" {
		query += " AND service_name = ?"
		args = append(args, filter.ServiceName)
	}
	if filter.Operation != "" {
		query += " AND operation = ?"
		args = append(args, filter.Operation)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []measurements.Row
	for rows.Next() {
		var r measurements.Row
		if err := rows.Scan(&r.SequenceID, &r.ServiceName, &r.Operation, &r.ArrivalTime,
			&r.InvocationTime, &r.PublishTime, &r.WorkflowStartTime, &r.BufferSize,
			&r.MaxQueueCapacity, &r.TotalMarking, &r.Valid); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveParsedRuleBase implements measurements.RuleCache with
// put-if-absent semantics (§3 "cache is append-only").
func (s *Store) SaveParsedRuleBase(ctx context.Context, version string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_base_cache (version, data) VALUES (?, ?)
		 ON CONFLICT(version) DO NOTHING`, version, data)
	if err != nil {
		return fmt.Errorf("sqlitestore: save rule base: %w", err)
	}
	return nil
}

// LoadParsedRuleBase implements measurements.RuleCache.
func (s *Store) LoadParsedRuleBase(ctx context.Context, version string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rule_base_cache WHERE version = ?`, version).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: load rule base: %w", err)
	}
	return data, true, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
