// Package resultdb archives finished calls so results survive the client
// session that produced them. Three backends: memory (default), sqlite,
// and postgres.
package resultdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mustergrid/muster/pkg/protocol"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("result not found")

// Backend selectors accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Record is one engine's outcome for one request.
type Record struct {
	RequestID    string            `json:"requestId"`
	EngineID     protocol.EngineID `json:"engineId"`
	EngineUUID   string            `json:"engineUuid"`
	ClientID     string            `json:"clientId"`
	Op           string            `json:"op"`
	Target       string            `json:"target"` // function name, or first line of executed code
	Status       string            `json:"status"`
	Result       json.RawMessage   `json:"result,omitempty"`
	FaultKind    string            `json:"faultKind,omitempty"`
	FaultMessage string            `json:"faultMessage,omitempty"`
	Traceback    string            `json:"traceback,omitempty"`
	Stdout       string            `json:"stdout,omitempty"`
	SubmittedAt  time.Time         `json:"submittedAt"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  time.Time         `json:"completedAt"`
	ReceivedAt   time.Time         `json:"receivedAt"`
}

// Store persists call records. Save is an upsert keyed on
// (request id, engine id) so redelivered replies stay idempotent.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, requestID string, engineID protocol.EngineID) (Record, error)
	ByRequest(ctx context.Context, requestID string) ([]Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open creates a store for the given backend selector. The DSN is a file
// path for sqlite and a database URL for postgres; memory ignores it.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(dsn)
	case BackendPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("resultdb: unknown backend %q", backend)
	}
}
