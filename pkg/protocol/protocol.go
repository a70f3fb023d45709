// Package protocol defines the wire envelopes exchanged between muster
// clients and engines, and the canonical fault kinds carried in replies.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version announced by engines at registration.
// The client-side registry may enforce a semver constraint against it.
const Version = "1.0.0"

// EngineID identifies one registered engine. Ids are small non-negative
// integers assigned by the registry in registration order and are never
// reused within a registry's lifetime.
type EngineID int

// Call operations.
const (
	OpApply   = "apply"   // call a named function (call-by-reference)
	OpExecute = "execute" // run source text against the engine namespace (call-by-value)
)

// Control operations.
const (
	ControlPing     = "ping"
	ControlClear    = "clear"
	ControlShutdown = "shutdown"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Implicit callables installed in every engine namespace. Push, pull, map,
// scatter and gather are plain apply calls against these.
const (
	FuncPush = "_push"
	FuncPull = "_pull"
	FuncMap  = "_map"
)

// CallRequest is the JSON envelope for an apply/execute request sent to one
// engine. Args and Kwargs are opaque payloads serialized once at dispatch;
// engines decode them, the client core never inspects them.
type CallRequest struct {
	RequestID string          `json:"requestId"`
	ClientID  string          `json:"clientId"`
	Op        string          `json:"op"`
	Func      string          `json:"func,omitempty"`
	Code      string          `json:"code,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Kwargs    json.RawMessage `json:"kwargs,omitempty"`
}

// CallReply is the JSON envelope an engine publishes when a call finishes.
type CallReply struct {
	RequestID   string          `json:"requestId"`
	EngineID    EngineID        `json:"engineId"`
	EngineUUID  string          `json:"engineUuid"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Fault       *Fault          `json:"fault,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Fault describes a remote failure as data: the kind (stable taxonomy
// below), the message text, and the remote traceback text. Live error
// values never cross the wire.
type Fault struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Canonical fault kinds. Engines map execution failures onto these; kinds
// outside this list are allowed but these names are stable.
const (
	KindZeroDivision  = "ZeroDivisionError"
	KindName          = "NameError"
	KindType          = "TypeError"
	KindValue         = "ValueError"
	KindSyntax        = "SyntaxError"
	KindRuntime       = "RuntimeError"
	KindSerialization = "SerializationError"
	KindPanic         = "PanicError"
	KindDisconnected  = "EngineDisconnectedError"
	KindIndex         = "IndexError"
	KindKey           = "KeyError"
)

// RegisterRequest is sent by an engine on the announce subject when it
// joins (or re-joins after a rollcall).
type RegisterRequest struct {
	UUID     string `json:"uuid"`
	Version  string `json:"version"`
	Hostname string `json:"hostname,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// RegisterReply acknowledges a registration. HeartbeatInterval tells the
// engine how often the registry expects beats.
type RegisterReply struct {
	OK                bool          `json:"ok"`
	EngineID          EngineID      `json:"engineId"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	Error             string        `json:"error,omitempty"`
}

// Goodbye is published by an engine on clean shutdown so the registry can
// unregister it without waiting for missed heartbeats.
type Goodbye struct {
	UUID   string `json:"uuid"`
	Reason string `json:"reason,omitempty"`
}

// Heartbeat is published periodically by every registered engine.
type Heartbeat struct {
	UUID     string    `json:"uuid"`
	EngineID EngineID  `json:"engineId"`
	Seq      uint64    `json:"seq"`
	SentAt   time.Time `json:"sentAt"`
}

// Rollcall is broadcast by a starting client. Engines that are already
// running answer by re-announcing themselves, so the new client's registry
// fills without restarting the pool.
type Rollcall struct {
	ClientID string    `json:"clientId"`
	SentAt   time.Time `json:"sentAt"`
}

// ControlRequest is the envelope for the per-engine control channel, which
// bypasses the call queue (ping, clear, shutdown).
type ControlRequest struct {
	RequestID string `json:"requestId"`
	ClientID  string `json:"clientId"`
	Op        string `json:"op"`
}

// ControlReply acknowledges a control request.
type ControlReply struct {
	RequestID  string   `json:"requestId"`
	EngineID   EngineID `json:"engineId"`
	EngineUUID string   `json:"engineUuid"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
}

// EncodeArgs serializes positional arguments once, at dispatch time. A
// failure here is a dispatch-time error, distinct from any remote fault.
func EncodeArgs(args []any) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode args: %w", err)
	}
	return data, nil
}

// EncodeKwargs serializes keyword arguments once, at dispatch time.
func EncodeKwargs(kwargs map[string]any) (json.RawMessage, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode kwargs: %w", err)
	}
	return data, nil
}

// DecodeArgs unpacks a positional-argument payload on the engine side.
func DecodeArgs(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("protocol: decode args: %w", err)
	}
	return args, nil
}

// DecodeKwargs unpacks a keyword-argument payload on the engine side.
func DecodeKwargs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var kwargs map[string]any
	if err := json.Unmarshal(raw, &kwargs); err != nil {
		return nil, fmt.Errorf("protocol: decode kwargs: %w", err)
	}
	return kwargs, nil
}
