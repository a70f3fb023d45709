package resultdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mustergrid/muster/pkg/protocol"
)

const pgLogPrefix = "resultdb:postgres"

const createResultsTablePG = `
CREATE TABLE IF NOT EXISTS call_results (
    request_id    TEXT NOT NULL,
    engine_id     INTEGER NOT NULL,
    engine_uuid   TEXT NOT NULL,
    client_id     TEXT NOT NULL,
    op            TEXT NOT NULL,
    target        TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    result        BYTEA,
    fault_kind    TEXT NOT NULL DEFAULT '',
    fault_message TEXT NOT NULL DEFAULT '',
    traceback     TEXT NOT NULL DEFAULT '',
    stdout        TEXT NOT NULL DEFAULT '',
    submitted_at  TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ NOT NULL,
    received_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (request_id, engine_id)
)`

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore archives results in Postgres, for deployments where many
// clients share one history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given database URL, verifies
// connectivity, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", pgLogPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", pgLogPrefix, err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", pgLogPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", pgLogPrefix, err)
	}
	if _, err := pool.Exec(ctx, createResultsTablePG); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to create results table: %w", pgLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", pgLogPrefix))
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_results
		   (request_id, engine_id, engine_uuid, client_id, op, target, status,
		    result, fault_kind, fault_message, traceback, stdout,
		    submitted_at, started_at, completed_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (request_id, engine_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   result = EXCLUDED.result,
		   fault_kind = EXCLUDED.fault_kind,
		   fault_message = EXCLUDED.fault_message,
		   traceback = EXCLUDED.traceback,
		   stdout = EXCLUDED.stdout,
		   received_at = EXCLUDED.received_at`,
		rec.RequestID, int(rec.EngineID), rec.EngineUUID, rec.ClientID, rec.Op, rec.Target, rec.Status,
		[]byte(rec.Result), rec.FaultKind, rec.FaultMessage, rec.Traceback, rec.Stdout,
		rec.SubmittedAt, rec.StartedAt, rec.CompletedAt, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("%s - save result failed: %w", pgLogPrefix, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, requestID string, engineID protocol.EngineID) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT request_id, engine_id, engine_uuid, client_id, op, target, status,
		        result, fault_kind, fault_message, traceback, stdout,
		        submitted_at, started_at, completed_at, received_at
		 FROM call_results
		 WHERE request_id = $1 AND engine_id = $2
		 LIMIT 1`, requestID, int(engineID))
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%s - get result failed: %w", pgLogPrefix, err)
	}
	return rec, nil
}

func (s *PostgresStore) ByRequest(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, engine_id, engine_uuid, client_id, op, target, status,
		        result, fault_kind, fault_message, traceback, stdout,
		        submitted_at, started_at, completed_at, received_at
		 FROM call_results
		 WHERE request_id = $1
		 ORDER BY engine_id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("%s - query request failed: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s - scan result failed: %w", pgLogPrefix, err)
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

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, engine_id, engine_uuid, client_id, op, target, status,
		        result, fault_kind, fault_message, traceback, stdout,
		        submitted_at, started_at, completed_at, received_at
		 FROM call_results
		 ORDER BY received_at DESC, request_id DESC, engine_id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - query recent failed: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s - scan result failed: %w", pgLogPrefix, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
