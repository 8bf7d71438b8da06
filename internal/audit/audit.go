// Package audit persists a permanent history of operations performed and
// devices seen, adapting the teacher's sqlite migration/query style
// (internal/db) from a drive-inventory schema to this engine's
// operation/device domain.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default database location.
const DefaultPath = "/var/lib/oxidisk/audit.db"

// DB wraps the sqlite connection backing the audit trail.
type DB struct {
	conn *sql.DB
	path string
}

// New opens or creates the audit database at path, running any pending
// migrations.
func New(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure audit database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run audit migrations: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	if err := d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	migrations := []string{migrationV1}
	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("audit migration v%d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const migrationV1 = `
-- Permanent record of every operation the engine has run, successful or not.
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY,
    operation TEXT NOT NULL,
    target TEXT NOT NULL,
    status TEXT NOT NULL,
    error_kind TEXT,
    error_message TEXT,
    details TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_target ON operations(target);
CREATE INDEX IF NOT EXISTS idx_operations_time ON operations(started_at);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

-- Devices the engine has observed, for history across disconnect/reconnect.
CREATE TABLE IF NOT EXISTS devices (
    id INTEGER PRIMARY KEY,
    identifier TEXT UNIQUE NOT NULL,
    model TEXT,
    size_bytes INTEGER,
    first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_devices_identifier ON devices(identifier);
`

// OperationStatus enumerates the lifecycle states of a recorded operation.
type OperationStatus string

const (
	StatusStarted   OperationStatus = "started"
	StatusSucceeded OperationStatus = "succeeded"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// OperationRecord is one row of the operations table.
type OperationRecord struct {
	ID           int64
	Operation    string
	Target       string
	Status       OperationStatus
	ErrorKind    string
	ErrorMessage string
	Details      string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// DeviceRecord is one row of the devices table.
type DeviceRecord struct {
	ID        int64
	Identifier string
	Model     string
	SizeBytes int64
	FirstSeen time.Time
	LastSeen  time.Time
}

// BeginOperation inserts a started-status row and returns its id.
func (d *DB) BeginOperation(operation, target, details string) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO operations (operation, target, status, details) VALUES (?, ?, ?, ?)`,
		operation, target, StatusStarted, details,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishOperation updates a started row to its terminal status.
func (d *DB) FinishOperation(id int64, status OperationStatus, errKind, errMessage string) error {
	_, err := d.conn.Exec(
		`UPDATE operations SET status = ?, error_kind = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, errKind, errMessage, id,
	)
	return err
}

// RecordDeviceSeen upserts a device's last-seen timestamp and metadata.
func (d *DB) RecordDeviceSeen(identifier, model string, sizeBytes int64) error {
	_, err := d.conn.Exec(`
		INSERT INTO devices (identifier, model, size_bytes)
		VALUES (?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			model = excluded.model,
			size_bytes = excluded.size_bytes,
			last_seen = CURRENT_TIMESTAMP
	`, identifier, model, sizeBytes)
	return err
}

// RecentOperations returns the most recent operations, newest first.
func (d *DB) RecentOperations(limit int) ([]OperationRecord, error) {
	rows, err := d.conn.Query(
		`SELECT id, operation, target, status, COALESCE(error_kind,''), COALESCE(error_message,''), COALESCE(details,''), started_at, finished_at
		 FROM operations ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Operation, &r.Target, &r.Status, &r.ErrorKind, &r.ErrorMessage, &r.Details, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeviceHistory returns every device the engine has ever seen, most
// recently seen first.
func (d *DB) DeviceHistory() ([]DeviceRecord, error) {
	rows, err := d.conn.Query(
		`SELECT id, identifier, COALESCE(model,''), COALESCE(size_bytes,0), first_seen, last_seen FROM devices ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var r DeviceRecord
		if err := rows.Scan(&r.ID, &r.Identifier, &r.Model, &r.SizeBytes, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
