// Package events defines event types and publisher interfaces for pool change events.
package events

import "github.com/mustergrid/muster/pkg/protocol"

// Event kinds. Kinds double as subject suffixes under the namespace's
// event stream, so subscribers can match a family with a wildcard
// ("muster.event.engine.*").
const (
	KindEngineRegistered   = "engine.registered"
	KindEngineUnregistered = "engine.unregistered"
	KindRequestDispatched  = "request.dispatched"
	KindRequestFinalized   = "request.finalized"
)

// PoolChangedEvent is emitted when the engine pool or an in-flight request
// changes state. Engine events carry EngineID, UUID, and PoolSize; request
// events carry RequestID, Op, Method, and the target list. EngineID and
// PoolSize are pointers because 0 is a meaningful value for both.
type PoolChangedEvent struct {
	Kind      string              `json:"kind"`
	ClientID  string              `json:"clientId"`
	EngineID  *protocol.EngineID  `json:"engineId,omitempty"`
	UUID      string              `json:"uuid,omitempty"`
	Hostname  string              `json:"hostname,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	PoolSize  *int                `json:"poolSize,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
	Op        string              `json:"op,omitempty"`
	Method    string              `json:"method,omitempty"`
	Engines   []protocol.EngineID `json:"engines,omitempty"`
	Failed    []protocol.EngineID `json:"failed,omitempty"`
	Status    string              `json:"status,omitempty"`
	Timestamp string              `json:"timestamp"`
}
