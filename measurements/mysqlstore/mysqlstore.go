// Package mysqlstore is a MySQL-backed measurements.Store, adapted from
// the teacher's graph/store/mysql.go: connection pooling sized for a
// concurrent server, auto-migrated schema, upsert-based rule-cache
// persistence.
package mysqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/auroraworks/servicethread/measurements"
)

// Store is a MySQL-backed measurements.Store and measurements.RuleCache.
type Store struct {
	db *sql.DB
}

// New opens a MySQL connection using dsn (driver-compatible data source
// name) and ensures the measurement/rule-cache schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS measurement_rows (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sequence_id BIGINT NOT NULL,
			service_name VARCHAR(255) NOT NULL,
			operation VARCHAR(255) NOT NULL,
			arrival_time BIGINT NOT NULL,
			invocation_time BIGINT NOT NULL,
			publish_time BIGINT NOT NULL,
			workflow_start_time BIGINT NOT NULL,
			buffer_size INT NOT NULL,
			max_queue_capacity INT NOT NULL,
			total_marking INT NOT NULL,
			valid BOOLEAN NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_measurement_service_op (service_name, operation)
		)`,
		`CREATE TABLE IF NOT EXISTS rule_base_cache (
			version VARCHAR(255) PRIMARY KEY,
			data LONGBLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysqlstore: creating schema: %w", err)
		}
	}
	return nil
}

// WriteRow implements measurements.Store.
func (s *Store) WriteRow(ctx context.Context, row measurements.Row) error {
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
		return fmt.Errorf("mysqlstore: write row: %w", err)
	}
	return nil
}

// Rows implements measurements.Store.
func (s *Store) Rows(ctx context.Context, filter measurements.Filter) ([]measurements.Row, error) {
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
		return nil, fmt.Errorf("mysqlstore: query rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []measurements.Row
	for rows.Next() {
		var r measurements.Row
		if err := rows.Scan(&r.SequenceID, &r.ServiceName, &r.Operation, &r.ArrivalTime,
			&r.InvocationTime, &r.PublishTime, &r.WorkflowStartTime, &r.BufferSize,
			&r.MaxQueueCapacity, &r.TotalMarking, &r.Valid); err != nil {
			return nil, fmt.Errorf("mysqlstore: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveParsedRuleBase implements measurements.RuleCache with
// put-if-absent semantics (§3 "cache is append-only").
func (s *Store) SaveParsedRuleBase(ctx context.Context, version string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_base_cache (version, data) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE version = version`, version, data)
	if err != nil {
		return fmt.Errorf("mysqlstore: save rule base: %w", err)
	}
	return nil
}

// LoadParsedRuleBase implements measurements.RuleCache.
func (s *Store) LoadParsedRuleBase(ctx context.Context, version string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rule_base_cache WHERE version = ?`, version).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mysqlstore: load rule base: %w", err)
	}
	return data, true, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
