package resultdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mustergrid/muster/pkg/protocol"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS call_results (
    request_id    TEXT NOT NULL,
    engine_id     INTEGER NOT NULL,
    engine_uuid   TEXT NOT NULL,
    client_id     TEXT NOT NULL,
    op            TEXT NOT NULL,
    target        TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    result        BLOB,
    fault_kind    TEXT NOT NULL DEFAULT '',
    fault_message TEXT NOT NULL DEFAULT '',
    traceback     TEXT NOT NULL DEFAULT '',
    stdout        TEXT NOT NULL DEFAULT '',
    submitted_at  DATETIME NOT NULL,
    started_at    DATETIME NOT NULL,
    completed_at  DATETIME NOT NULL,
    received_at   DATETIME NOT NULL,
    PRIMARY KEY (request_id, engine_id)
)`

const resultColumns = `request_id, engine_id, engine_uuid, client_id, op, target, status,
       result, fault_kind, fault_message, traceback, stdout,
       submitted_at, started_at, completed_at, received_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore archives results in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("resultdb: sqlite backend needs a database path")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("resultdb: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultdb: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultdb: set busy timeout: %w", err)
	}
	if _, err := db.Exec(createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultdb: create results table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_results (`+resultColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (request_id, engine_id) DO UPDATE SET
		   status = excluded.status,
		   result = excluded.result,
		   fault_kind = excluded.fault_kind,
		   fault_message = excluded.fault_message,
		   traceback = excluded.traceback,
		   stdout = excluded.stdout,
		   received_at = excluded.received_at`,
		rec.RequestID, int(rec.EngineID), rec.EngineUUID, rec.ClientID, rec.Op, rec.Target, rec.Status,
		[]byte(rec.Result), rec.FaultKind, rec.FaultMessage, rec.Traceback, rec.Stdout,
		rec.SubmittedAt, rec.StartedAt, rec.CompletedAt, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("resultdb: save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, requestID string, engineID protocol.EngineID) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM call_results
		 WHERE request_id = ? AND engine_id = ?`, requestID, int(engineID))
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ByRequest(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM call_results
		 WHERE request_id = ? ORDER BY engine_id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("resultdb: query request: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows, requestID)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM call_results
		 ORDER BY received_at DESC, request_id DESC, engine_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("resultdb: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanFunc func(dest ...any) error

func scanRecord(scan scanFunc) (Record, error) {
	var rec Record
	var engineID int
	var result []byte
	err := scan(
		&rec.RequestID, &engineID, &rec.EngineUUID, &rec.ClientID, &rec.Op, &rec.Target, &rec.Status,
		&result, &rec.FaultKind, &rec.FaultMessage, &rec.Traceback, &rec.Stdout,
		&rec.SubmittedAt, &rec.StartedAt, &rec.CompletedAt, &rec.ReceivedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.EngineID = protocol.EngineID(engineID)
	if len(result) > 0 {
		rec.Result = result
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows, requestID string) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("resultdb: scan result: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
