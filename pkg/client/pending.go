package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/remoterr"
	"github.com/mustergrid/muster/pkg/resultdb"
)

// Slot states. The only legal transitions are pending to succeeded and
// pending to failed, each at most once.
type slotState int

const (
	slotPending slotState = iota
	slotSucceeded
	slotFailed
)

type slot struct {
	state slotState
	reply protocol.CallReply
}

// pendingEntry is the bookkeeping for one in-flight request: one slot per
// target in dispatch order, a countdown of unfilled slots, and a channel
// closed exactly once when the last slot turns terminal.
type pendingEntry struct {
	requestID string
	method    string
	op        string
	track     bool
	submitted time.Time
	order     []protocol.EngineID
	assemble  assembleFunc

	mu        sync.Mutex
	slots     map[protocol.EngineID]*slot
	remaining int
	done      chan struct{}
}

func newPendingEntry(requestID, method, op string, track bool, order []protocol.EngineID, assemble assembleFunc) *pendingEntry {
	e := &pendingEntry{
		requestID: requestID,
		method:    method,
		op:        op,
		track:     track,
		submitted: time.Now(),
		order:     order,
		assemble:  assemble,
		slots:     make(map[protocol.EngineID]*slot, len(order)),
		remaining: len(order),
		done:      make(chan struct{}),
	}
	for _, id := range order {
		e.slots[id] = &slot{}
	}
	if e.remaining == 0 {
		close(e.done)
	}
	return e
}

// deliver fills the slot for reply.EngineID. It reports whether the reply
// was accepted (false for unknown engines and slots already terminal) and
// whether this delivery finalized the entry. The slot update and the
// finalization check happen under one lock, so the entry can neither
// finalize twice nor miss finalizing on a racing last reply.
func (e *pendingEntry) deliver(reply protocol.CallReply) (accepted, finalized bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[reply.EngineID]
	if !ok || s.state != slotPending {
		return false, false
	}
	if reply.Status == protocol.StatusOK {
		s.state = slotSucceeded
	} else {
		s.state = slotFailed
		if reply.Fault == nil {
			reply.Fault = &protocol.Fault{Kind: protocol.KindRuntime, Message: "engine reported an error without a fault"}
		}
	}
	s.reply = reply
	e.remaining--
	if e.remaining == 0 {
		close(e.done)
		return true, true
	}
	return true, false
}

// targets reports whether id has a slot here. Slot keys are fixed at
// construction, so this read needs no lock.
func (e *pendingEntry) targets(id protocol.EngineID) bool {
	_, ok := e.slots[id]
	return ok
}

func (e *pendingEntry) ready() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// wait blocks until the entry finalizes or ctx is done, reporting whether
// readiness was reached.
func (e *pendingEntry) wait(ctx context.Context) bool {
	select {
	case <-e.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// outcome computes the finalized result: the assembled or unwrapped value
// on full success, a bare RemoteError for a failed single-target call, or
// a CompositeError over the failed slots in target order. Call only after
// the entry is ready.
func (e *pendingEntry) outcome() (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var failures []*remoterr.RemoteError
	values := make([]any, 0, len(e.order))
	for _, id := range e.order {
		s := e.slots[id]
		switch s.state {
		case slotSucceeded:
			v, err := decodeResult(s.reply.Result)
			if err != nil {
				failures = append(failures, &remoterr.RemoteError{
					EngineID: id,
					Kind:     protocol.KindSerialization,
					Message:  fmt.Sprintf("undecodable result payload: %v", err),
				})
				continue
			}
			values = append(values, v)
		case slotFailed:
			failures = append(failures, remoterr.FromFault(id, s.reply.Fault))
		default:
			failures = append(failures, &remoterr.RemoteError{
				EngineID: id,
				Kind:     protocol.KindRuntime,
				Message:  "slot still pending at finalization",
			})
		}
	}
	if len(failures) > 0 {
		if len(e.order) == 1 {
			return nil, failures[0]
		}
		return nil, remoterr.NewCompositeError(e.method, failures)
	}
	if e.assemble != nil {
		return e.assemble(values)
	}
	if len(e.order) == 1 {
		return values[0], nil
	}
	return values, nil
}

// failedIDs returns the engines whose slots have failed so far, in target
// order.
func (e *pendingEntry) failedIDs() []protocol.EngineID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.EngineID
	for _, id := range e.order {
		if e.slots[id].state == slotFailed {
			out = append(out, id)
		}
	}
	return out
}

// partialResults returns the values of the slots that have succeeded so
// far, keyed by engine id.
func (e *pendingEntry) partialResults() map[protocol.EngineID]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[protocol.EngineID]any)
	for id, s := range e.slots {
		if s.state != slotSucceeded {
			continue
		}
		v, err := decodeResult(s.reply.Result)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out
}

// resultAt returns one target's current outcome without waiting: the
// value, the remote failure, or a TimeoutError while the slot is pending.
func (e *pendingEntry) resultAt(id protocol.EngineID) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[id]
	if !ok {
		return nil, &remoterr.UnknownTargetError{IDs: []protocol.EngineID{id}}
	}
	switch s.state {
	case slotSucceeded:
		return decodeResult(s.reply.Result)
	case slotFailed:
		return nil, remoterr.FromFault(id, s.reply.Fault)
	default:
		return nil, &remoterr.TimeoutError{}
	}
}

// stdout returns captured print output per target in target order. Slots
// not yet terminal yield empty strings.
func (e *pendingEntry) stdout() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	for i, id := range e.order {
		out[i] = e.slots[id].reply.Stdout
	}
	return out
}

// decodeResult decodes a result payload with UseNumber so integral values
// come back as json.Number instead of float64.
func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// entryFromRecords rebuilds an already-finalized entry from archived
// records, in ascending engine order (explicit target order is not
// persisted). Assemblers are not reconstructed either: Get on a rebuilt
// handle returns the raw per-target sequence.
func entryFromRecords(requestID string, recs []resultdb.Record) *pendingEntry {
	order := make([]protocol.EngineID, len(recs))
	for i := range recs {
		order[i] = recs[i].EngineID
	}
	var method, op string
	if len(recs) > 0 {
		method, op = recs[0].Target, recs[0].Op
	}
	e := newPendingEntry(requestID, method, op, false, order, nil)
	if len(recs) > 0 {
		e.submitted = recs[0].SubmittedAt
	}
	for _, rec := range recs {
		reply := protocol.CallReply{
			RequestID:   rec.RequestID,
			EngineID:    rec.EngineID,
			EngineUUID:  rec.EngineUUID,
			Status:      rec.Status,
			Result:      rec.Result,
			Stdout:      rec.Stdout,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		}
		if rec.Status != protocol.StatusOK {
			reply.Fault = &protocol.Fault{Kind: rec.FaultKind, Message: rec.FaultMessage, Traceback: rec.Traceback}
		}
		e.deliver(reply)
	}
	return e
}

// pendingTable maps request ids to live entries. Entries leave the table
// at finalization; replies arriving afterwards are dropped upstream.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func (t *pendingTable) add(e *pendingEntry) {
	t.mu.Lock()
	t.entries[e.requestID] = e
	t.mu.Unlock()
}

func (t *pendingTable) get(requestID string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	return e, ok
}

func (t *pendingTable) remove(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

func (t *pendingTable) snapshot() []*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
